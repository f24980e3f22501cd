// ABOUTME: HTTP handlers for reading chats and managing contacts of a ready session
// ABOUTME: Thin JSON wrappers over the registry's optional adapter operations

package gateway

import (
	"net/http"
	"strconv"

	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
)

// ContactRequest is the JSON request body for the contacts routes.
type ContactRequest struct {
	Contact string `json:"contact"`
}

// ChatsResponse is the JSON response for GET /api/sessions/{id}/chats.
type ChatsResponse struct {
	SessionID string         `json:"sessionId"`
	Chats     []session.Chat `json:"chats"`
}

// ChatMessagesResponse is the JSON response for GET /api/sessions/{id}/chats/{chatId}/messages.
type ChatMessagesResponse struct {
	SessionID string            `json:"sessionId"`
	ChatID    string            `json:"chatId"`
	Messages  []session.Message `json:"messages"`
}

// ContactResponse is the JSON response for contact checks and changes.
type ContactResponse struct {
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId"`
	Contact   session.Contact `json:"contact"`
}

// handleListChats handles GET /api/sessions/{id}/chats.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	id := session.Sanitize(r.PathValue("id"))
	chats, err := g.sessions.Chats(r.Context(), id)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ChatsResponse{SessionID: id, Chats: chats})
}

// handleChatMessages handles GET /api/sessions/{id}/chats/{chatId}/messages.
func (g *Gateway) handleChatMessages(w http.ResponseWriter, r *http.Request) {
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
	chatID := r.PathValue("chatId")
	msgs, err := g.sessions.ChatMessages(r.Context(), id, chatID, limit)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ChatMessagesResponse{SessionID: id, ChatID: chatID, Messages: msgs})
}

// handleDownloadMedia handles GET /api/sessions/{id}/chats/{chatId}/messages/{messageId}/media.
func (g *Gateway) handleDownloadMedia(w http.ResponseWriter, r *http.Request) {
	id := session.Sanitize(r.PathValue("id"))
	media, err := g.sessions.DownloadMedia(r.Context(), id, r.PathValue("chatId"), r.PathValue("messageId"))
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, media)
}

// handleValidateContact handles POST /api/sessions/{id}/contacts/validate.
func (g *Gateway) handleValidateContact(w http.ResponseWriter, r *http.Request) {
	contact, ok := g.decodeContact(w, r)
	if !ok {
		return
	}
	id := session.Sanitize(r.PathValue("id"))
	info, err := g.sessions.CheckContact(r.Context(), id, contact)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, ContactResponse{Success: true, SessionID: id, Contact: info})
}

// handleBlockContact handles POST /api/sessions/{id}/contacts/block.
func (g *Gateway) handleBlockContact(w http.ResponseWriter, r *http.Request) {
	g.changeBlock(w, r, true)
}

// handleUnblockContact handles POST /api/sessions/{id}/contacts/unblock.
func (g *Gateway) handleUnblockContact(w http.ResponseWriter, r *http.Request) {
	g.changeBlock(w, r, false)
}

func (g *Gateway) changeBlock(w http.ResponseWriter, r *http.Request, block bool) {
	contact, ok := g.decodeContact(w, r)
	if !ok {
		return
	}
	id := session.Sanitize(r.PathValue("id"))

	action, change := store.AuditBlockContact, g.sessions.Block
	if !block {
		action, change = store.AuditUnblockContact, g.sessions.Unblock
	}
	if err := change(r.Context(), id, contact); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.recordAudit(r.Context(), action, id, map[string]any{"contact": contact})

	g.sendJSON(w, http.StatusOK, ContactResponse{Success: true, SessionID: id, Contact: session.Contact{ID: contact}})
}

// decodeContact reads a ContactRequest and writes a 400 when it is unusable.
func (g *Gateway) decodeContact(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req ContactRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if req.Contact == "" {
		g.sendJSONError(w, http.StatusBadRequest, "contact is required")
		return "", false
	}
	return req.Contact, true
}
