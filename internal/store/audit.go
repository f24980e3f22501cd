// ABOUTME: Audit log entity and store methods for tracking administrative actions
// ABOUTME: Records which caller created, deleted, restarted, exported or imported a session

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditCreateSession  AuditAction = "create_session"
	AuditDeleteSession  AuditAction = "delete_session"
	AuditRestartSession AuditAction = "restart_session"
	AuditPairSession    AuditAction = "pair_session"
	AuditExportSession  AuditAction = "export_session"
	AuditImportSession  AuditAction = "import_session"
	AuditSendMessage    AuditAction = "send_message"
	AuditBlockContact   AuditAction = "block_contact"
	AuditUnblockContact AuditAction = "unblock_contact"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID        string         // UUID v4
	Actor     string         // token subject, "api-key" or "anonymous"
	Action    AuditAction    // what action was performed
	SessionID string         // affected session
	Timestamp time.Time      // when it happened
	Detail    map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since     *time.Time
	SessionID *string
	Action    *AuditAction
	Limit     int // default 100, max 1000
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, session_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		e.Action,
		e.SessionID,
		e.Timestamp.UTC().Format(timeLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"session", e.SessionID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor, action, session_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR session_id = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns entries matching the filter, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var since, action sql.NullString
	if f.Since != nil {
		since = sql.NullString{String: f.Since.UTC().Format(timeLayout), Valid: true}
	}
	if f.Action != nil {
		action = sql.NullString{String: string(*f.Action), Valid: true}
	}
	var sessionID sql.NullString
	if f.SessionID != nil {
		sessionID = sql.NullString{String: *f.SessionID, Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		sessionID, sessionID,
		action, action,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return entries, nil
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (*AuditEntry, error) {
	e := &AuditEntry{}
	var actionStr, tsStr string
	var detailJSON sql.NullString

	if err := scanner.Scan(&e.ID, &e.Actor, &actionStr, &e.SessionID, &tsStr, &detailJSON); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(timeLayout, tsStr)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON.Valid {
		if err := json.Unmarshal([]byte(detailJSON.String), &e.Detail); err != nil {
			return nil, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
