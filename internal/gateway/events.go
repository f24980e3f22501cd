// ABOUTME: Audit recording with actor attribution and the real-time SSE event stream
// ABOUTME: Provides recordAudit, GET /api/audit and GET /api/events

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/waypost/internal/auth"
	"github.com/2389/waypost/internal/notify"
	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
)

// sseKeepAlive is how often an idle stream gets a comment line.
const sseKeepAlive = 25 * time.Second

// recordAudit appends an audit entry attributed to the caller in ctx.
// Failures are logged; the action itself already happened.
func (g *Gateway) recordAudit(ctx context.Context, action store.AuditAction, sessionID string, detail map[string]any) {
	entry := &store.AuditEntry{
		Actor:     auth.Actor(ctx),
		Action:    action,
		SessionID: sessionID,
		Detail:    detail,
	}
	if err := g.store.AppendAuditLog(ctx, entry); err != nil {
		g.logger.Warn("failed to record audit entry", "action", action, "session_id", sessionID, "error", err)
	}
}

// AuditEntryResponse is one entry in GET /api/audit.
type AuditEntryResponse struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// handleAuditLog handles GET /api/audit with optional session_id, action,
// since (RFC 3339) and limit filters.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AuditFilter

	if v := q.Get("session_id"); v != "" {
		id := session.Sanitize(v)
		filter.SessionID = &id
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		filter.Action = &action
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:        e.ID,
			Actor:     e.Actor,
			Action:    string(e.Action),
			SessionID: e.SessionID,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// handleEventStream handles GET /api/events. Streams every notification as
// an SSE event named after its topic; ?session_id narrows the stream to one
// session.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	filter := notify.AllSessions
	if v := r.URL.Query().Get("session_id"); v != "" {
		filter = session.Sanitize(v)
	}

	ctx := r.Context()
	events, _ := g.hub.Broadcaster().Subscribe(ctx, filter)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "connected", map[string]string{"session_id": filter})
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.streams.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, event.Topic, event)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
