// ABOUTME: Session event ledger: lifecycle transitions and messages per session
// ABOUTME: Backs the per-session history endpoint

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

// SaveSessionEvent appends an event. ID and CreatedAt are generated when empty.
func (s *SQLiteStore) SaveSessionEvent(ctx context.Context, event *SessionEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Payload == "" {
		event.Payload = "null"
	}

	query := `
		INSERT INTO session_events (event_id, session_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.SessionID,
		event.Topic,
		event.Payload,
		event.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// ListSessionEvents returns the most recent events of a session, oldest first.
func (s *SQLiteStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	query := `
		SELECT event_id, session_id, topic, payload, created_at FROM (
			SELECT seq, event_id, session_id, topic, payload, created_at
			FROM session_events
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		event := &SessionEvent{}
		var createdStr string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Topic, &event.Payload, &createdStr); err != nil {
			return nil, fmt.Errorf("scanning session event row: %w", err)
		}
		event.CreatedAt, err = time.Parse(timeLayout, createdStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session event rows: %w", err)
	}
	return events, nil
}

// PruneSessionEvents deletes events recorded before the given time.
func (s *SQLiteStore) PruneSessionEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE created_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned session events", "count", n)
	}
	return n, nil
}
