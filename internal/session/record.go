// ABOUTME: Per-session record owned by the registry and its read-only snapshot
// ABOUTME: Record fields are guarded by the record's own mutex

package session

import (
	"context"
	"sync"
	"time"

	"github.com/2389/waypost/internal/credstore"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusQRPending     Status = "qr_pending"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusAuthFailed    Status = "auth_failed"
	StatusDisconnected  Status = "disconnected"

	// StatusNotFound is only reported by health queries for unknown ids.
	StatusNotFound Status = "not_found"
)

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID             string         `json:"id"`
	OriginalID     string         `json:"originalId"`
	Status         Status         `json:"status"`
	Ready          bool           `json:"ready"`
	ClientState    string         `json:"clientState,omitempty"`
	Error          string         `json:"error,omitempty"`
	PairingPayload string         `json:"qr,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivity   time.Time      `json:"lastActivity"`
	UptimeSeconds  int64          `json:"uptime"`
	Restored       bool           `json:"restored,omitempty"`
	Strategy       credstore.Kind `json:"strategy,omitempty"`
}

type record struct {
	id         string
	originalID string
	createdAt  time.Time
	restored   bool

	mu           sync.Mutex
	status       Status
	clientState  string
	err          string
	pairing      string
	lastActivity time.Time
	store        credstore.Store
	adapter      Adapter
	cancel       context.CancelFunc
	closed       bool

	removalTimer *time.Timer
	removalToken uint64
}

func newRecord(id, originalID string, now time.Time, restored bool) *record {
	if originalID == "" {
		originalID = id
	}
	return &record{
		id:           id,
		originalID:   originalID,
		createdAt:    now,
		restored:     restored,
		status:       StatusInitializing,
		lastActivity: now,
	}
}

// attach hands the record its adapter. It reports false when the record was
// torn down while the adapter was being built.
func (rec *record) attach(adapter Adapter, store credstore.Store) (context.Context, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec.adapter = adapter
	rec.store = store
	rec.cancel = cancel
	return ctx, true
}

// setStatus must be called with rec.mu held. Leaving disconnected
// invalidates any pending removal.
func (rec *record) setStatus(s Status) {
	if rec.status == StatusDisconnected && s != StatusDisconnected {
		rec.cancelRemoval()
	}
	rec.status = s
}

// cancelRemoval must be called with rec.mu held.
func (rec *record) cancelRemoval() {
	if rec.removalTimer != nil {
		rec.removalTimer.Stop()
		rec.removalTimer = nil
	}
	rec.removalToken++
}

func (rec *record) info(now time.Time) Info {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.infoLocked(now)
}

func (rec *record) infoLocked(now time.Time) Info {
	info := Info{
		ID:             rec.id,
		OriginalID:     rec.originalID,
		Status:         rec.status,
		Ready:          rec.status == StatusReady,
		ClientState:    rec.clientState,
		Error:          rec.err,
		PairingPayload: rec.pairing,
		CreatedAt:      rec.createdAt,
		LastActivity:   rec.lastActivity,
		UptimeSeconds:  int64(now.Sub(rec.createdAt) / time.Second),
		Restored:       rec.restored,
	}
	if rec.store != nil {
		info.Strategy = rec.store.Kind()
	}
	return info
}

func (rec *record) current() (Status, Adapter) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, rec.adapter
}
