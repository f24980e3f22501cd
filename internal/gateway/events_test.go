// ABOUTME: Tests for audit attribution and the SSE event stream
// ABOUTME: Reads a live stream over httptest and checks audit log filtering

package gateway

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/waypost/internal/auth"
	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
)

func TestRecordAudit_UsesCallerFromContext(t *testing.T) {
	gw, _ := newTestGateway(t)

	ctx := auth.WithAuth(context.Background(), &auth.AuthContext{Subject: "ops@example.org", Method: auth.MethodJWT})
	gw.recordAudit(ctx, store.AuditRestartSession, "tenant-a", map[string]any{"reason": "test"})
	gw.recordAudit(context.Background(), store.AuditDeleteSession, "tenant-b", nil)

	entries, err := gw.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byAction := map[store.AuditAction]*store.AuditEntry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	assert.Equal(t, "ops@example.org", byAction[store.AuditRestartSession].Actor)
	assert.Equal(t, "test", byAction[store.AuditRestartSession].Detail["reason"])
	assert.Equal(t, auth.AnonymousActor, byAction[store.AuditDeleteSession].Actor)
}

func TestHandleAuditLog(t *testing.T) {
	gw, factory := newTestGateway(t)
	createSession(t, gw, factory, "tenant-a")
	createSession(t, gw, factory, "tenant-b")
	doRequest(t, gw, http.MethodDelete, "/api/sessions/tenant-b", nil)

	type auditResponse struct {
		Entries []AuditEntryResponse `json:"entries"`
	}

	rec := doRequest(t, gw, http.MethodGet, "/api/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[auditResponse](t, rec).Entries, 3)

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?action=create_session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[auditResponse](t, rec).Entries
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "create_session", e.Action)
		assert.Equal(t, auth.AnonymousActor, e.Actor)
	}

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?session_id=tenant-b", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[auditResponse](t, rec).Entries, 2)

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// sseReader collects "event:" names from a stream.
func sseReader(t *testing.T, body *bufio.Scanner) <-chan string {
	t.Helper()
	names := make(chan string, 64)
	go func() {
		defer close(names)
		for body.Scan() {
			line := body.Text()
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				names <- name
			}
		}
	}()
	return names
}

func waitForEvent(t *testing.T, names <-chan string, want string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case name, ok := <-names:
			require.True(t, ok, "stream closed before %s", want)
			if name == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestHandleEventStream(t *testing.T) {
	gw, factory := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	names := sseReader(t, bufio.NewScanner(resp.Body))
	waitForEvent(t, names, "connected")

	a := createSession(t, gw, factory, "tenant-a")
	waitForEvent(t, names, session.TopicSessionsUpdate)

	a.emit(session.Event{Kind: session.EventPairingChallenge, Payload: "https://sso"})
	waitForEvent(t, names, session.TopicQR)

	a.emit(session.Event{Kind: session.EventMessage, Message: &session.Message{
		ID:     "$abc",
		ChatID: "!room:example.org",
		From:   "@alice:example.org",
		Body:   "hi",
	}})
	waitForEvent(t, names, session.TopicMessageReceived)
}

func TestHandleEventStream_FiltersBySession(t *testing.T) {
	gw, factory := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?session_id=tenant-b", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	names := sseReader(t, bufio.NewScanner(resp.Body))
	waitForEvent(t, names, "connected")

	a := createSession(t, gw, factory, "tenant-a")
	b := createSession(t, gw, factory, "tenant-b")

	a.emit(session.Event{Kind: session.EventReady})
	waitStatus(t, gw, "tenant-a", session.StatusReady)
	b.emit(session.Event{Kind: session.EventAuthenticated})

	// tenant-a's ready event must not show up before tenant-b's
	for name := range names {
		require.NotEqual(t, session.TopicReady, name)
		if name == session.TopicAuthenticated {
			break
		}
	}
}

func TestEventStream_EndsOnShutdown(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	names := sseReader(t, bufio.NewScanner(resp.Body))
	waitForEvent(t, names, "connected")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		for range names {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after shutdown")
	}
}

func TestFormatSSEEvent(t *testing.T) {
	got := formatSSEEvent("session:ready", `{"id":"a"}`)
	assert.Equal(t, "event: session:ready\ndata: {\"id\":\"a\"}\n\n", got)
}
