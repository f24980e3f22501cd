// ABOUTME: HTTP API handlers for managing sessions over JSON
// ABOUTME: Covers lifecycle, pairing, health, export/import, sending and event history

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
	"github.com/2389/waypost/internal/transfer"
)

// maxRequestBody caps JSON bodies; imports carry whole credential trees.
const maxRequestBody = 64 << 20

// CreateSessionRequest is the JSON request body for POST /api/sessions.
type CreateSessionRequest struct {
	ID string `json:"id"`
}

// SessionResponse wraps a session snapshot for mutating calls.
type SessionResponse struct {
	Success bool         `json:"success"`
	ID      string       `json:"id"`
	Session session.Info `json:"session"`
}

// RestartResponse is the JSON response for POST /api/sessions/{id}/restart.
type RestartResponse struct {
	Success   bool         `json:"success"`
	Message   string       `json:"message"`
	SessionID string       `json:"sessionId"`
	Session   session.Info `json:"session"`
	Timestamp time.Time    `json:"timestamp"`
}

// PairRequest is the JSON request body for POST /api/sessions/{id}/pair.
type PairRequest struct {
	Token string `json:"token"`
}

// QRResponse carries the pending pairing payload, null when none.
type QRResponse struct {
	QR *string `json:"qr"`
}

// SendMessageRequest is the JSON request body for POST /api/sessions/{id}/messages.
type SendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessageResponse is the JSON response for a sent message.
type SendMessageResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
}

// ImportRequest is an export document plus an optional target id.
type ImportRequest struct {
	transfer.Document
	NewSessionID string `json:"newSessionId,omitempty"`
}

// AggregateHealthResponse is the JSON response for GET /api/sessions/health.
type AggregateHealthResponse struct {
	Status string `json:"status"`
	session.AggregateHealth
}

// EventResponse is one ledger entry in GET /api/sessions/{id}/events.
type EventResponse struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// handleCreateSession handles POST /api/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "id required")
		return
	}

	info, err := g.sessions.Create(r.Context(), req.ID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditCreateSession, info.ID, map[string]any{"original_id": req.ID})

	g.sendJSON(w, http.StatusCreated, SessionResponse{Success: true, ID: info.ID, Session: info})
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.sessions.List())
}

// handleGetSession handles GET /api/sessions/{id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := g.sessions.Get(r.PathValue("id"))
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, info)
}

// handleDeleteSession handles DELETE /api/sessions/{id}. Unknown ids are
// 404 unless purge=true, which still clears leftover credentials.
func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	rawID := r.PathValue("id")
	purge, err := parseBoolQuery(r, "purge", false)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := session.Sanitize(rawID)
	if !purge && !g.sessions.Exists(id) {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}

	g.sessions.Delete(r.Context(), id, session.DeleteOptions{Purge: purge})
	g.recordAudit(r.Context(), store.AuditDeleteSession, id, map[string]any{"purge": purge})

	g.sendJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

// handleRestartSession handles POST /api/sessions/{id}/restart.
func (g *Gateway) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	info, err := g.sessions.Restart(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditRestartSession, info.ID, nil)

	g.sendJSON(w, http.StatusOK, RestartResponse{
		Success:   true,
		Message:   "session restarted",
		SessionID: info.ID,
		Session:   info,
		Timestamp: time.Now().UTC(),
	})
}

// handleSessionQR handles GET /api/sessions/{id}/qr.
func (g *Gateway) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	info, err := g.sessions.Get(r.PathValue("id"))
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	var resp QRResponse
	if info.PairingPayload != "" {
		resp.QR = &info.PairingPayload
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handlePairSession handles POST /api/sessions/{id}/pair.
func (g *Gateway) handlePairSession(w http.ResponseWriter, r *http.Request) {
	var req PairRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := session.Sanitize(r.PathValue("id"))
	if err := g.sessions.Pair(r.Context(), id, req.Token); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditPairSession, id, nil)

	g.sendJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": id})
}

// handleSessionHealth handles GET /api/sessions/{id}/health.
func (g *Gateway) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	report := g.sessions.Health(r.PathValue("id"))
	status := http.StatusOK
	if report.Status == session.StatusNotFound {
		status = http.StatusNotFound
	}
	g.sendJSON(w, status, report)
}

// handleHealthAll handles GET /api/sessions/health. Always 200; the verdict
// is in the body.
func (g *Gateway) handleHealthAll(w http.ResponseWriter, r *http.Request) {
	agg := g.sessions.HealthAll()
	status := "unhealthy"
	if agg.OverallHealthy {
		status = "healthy"
	}
	g.sendJSON(w, http.StatusOK, AggregateHealthResponse{Status: status, AggregateHealth: agg})
}

// handleExportSession handles GET /api/sessions/{id}/export. The cache is
// included unless cache=false.
func (g *Gateway) handleExportSession(w http.ResponseWriter, r *http.Request) {
	includeCache, err := parseBoolQuery(r, "cache", true)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, err := g.transfer.Export(r.Context(), r.PathValue("id"), includeCache)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditExportSession, doc.SessionID, map[string]any{
		"include_cache": includeCache,
		"auth_files":    len(doc.Auth),
		"cache_files":   len(doc.Cache),
	})

	g.sendJSON(w, http.StatusOK, doc)
}

// handleImportSession handles POST /api/sessions/import.
func (g *Gateway) handleImportSession(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := g.transfer.Import(r.Context(), &req.Document, req.NewSessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditImportSession, info.ID, map[string]any{"from": req.SessionID})

	g.sendJSON(w, http.StatusCreated, SessionResponse{Success: true, ID: info.ID, Session: info})
}

// handleSendMessage handles POST /api/sessions/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChatID == "" || req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "chat_id and text are required")
		return
	}

	id := session.Sanitize(r.PathValue("id"))
	msgID, err := g.sessions.SendText(r.Context(), id, req.ChatID, req.Text)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), store.AuditSendMessage, id, map[string]any{
		"chat_id":    req.ChatID,
		"message_id": msgID,
	})

	g.sendJSON(w, http.StatusOK, SendMessageResponse{Success: true, SessionID: id, MessageID: msgID})
}

// handleSessionEvents handles GET /api/sessions/{id}/events. Returns the
// newest events, oldest first, optionally limited by ?limit=N.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	id := session.Sanitize(r.PathValue("id"))
	events, err := g.store.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list session events", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, EventResponse{
			ID:        ev.ID,
			Topic:     ev.Topic,
			SessionID: ev.SessionID,
			Timestamp: ev.CreatedAt,
			Data:      json.RawMessage(ev.Payload),
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"sessionId": id, "events": resp})
}

// sessionErrorStatus maps a registry error kind to an HTTP status.
func sessionErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyExists),
		errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendSessionError writes a registry error. Unclassified errors are logged
// and their message is still returned to the caller.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	status := sessionErrorStatus(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("session operation failed", "error", err)
	}
	g.sendJSONError(w, status, err.Error())
}

// decodeJSON reads a JSON body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func parseBoolQuery(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.New(name + " must be true or false")
	}
	return v, nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
