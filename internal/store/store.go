// ABOUTME: Store interface and data types for waypost persistence
// ABOUTME: Defines the session event ledger and admin audit log records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionEvent is one recorded notification for a session: a lifecycle
// transition, an inbound message or an outbound send.
type SessionEvent struct {
	ID        string
	SessionID string
	Topic     string
	Payload   string // JSON
	CreatedAt time.Time
}

// Store is the persistence surface used by the gateway.
type Store interface {
	SaveSessionEvent(ctx context.Context, event *SessionEvent) error
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error)
	PruneSessionEvents(ctx context.Context, before time.Time) (int64, error)

	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)

	Close() error
}

// timeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
