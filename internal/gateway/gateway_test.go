// ABOUTME: Tests for Gateway wiring, lifecycle and the shared fake adapter harness
// ABOUTME: Runs real TCP listeners for startup, shutdown, liveness and gRPC health

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/waypost/internal/config"
	"github.com/2389/waypost/internal/credstore"
	"github.com/2389/waypost/internal/session"
)

// fakeAdapter is a scripted session adapter.
type fakeAdapter struct {
	id     string
	events chan session.Event

	mu        sync.Mutex
	sent      []string
	answers   []string
	blocked   map[string]bool
	destroyed bool
	closeOnce sync.Once
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{id: id, events: make(chan session.Event, 16)}
}

func (a *fakeAdapter) Start(context.Context) error { return nil }

func (a *fakeAdapter) Events() <-chan session.Event { return a.events }

func (a *fakeAdapter) Destroy(context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.destroyed = true
		a.mu.Unlock()
		close(a.events)
	})
	return nil
}

func (a *fakeAdapter) SendText(_ context.Context, chatID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, chatID+":"+text)
	return fmt.Sprintf("$event-%d", len(a.sent)), nil
}

func (a *fakeAdapter) Pair(_ context.Context, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, answer)
	return nil
}

func (a *fakeAdapter) Chats(context.Context) ([]session.Chat, error) {
	return []session.Chat{
		{ID: "!ops:example.org", Name: "Ops", IsGroup: true, ParticipantCount: 4},
		{ID: "!dm:example.org", Name: "Alice", ParticipantCount: 2},
	}, nil
}

func (a *fakeAdapter) ChatMessages(_ context.Context, chatID string, limit int) ([]session.Message, error) {
	msgs := make([]session.Message, 0, limit)
	for i := range limit {
		msgs = append(msgs, session.Message{ID: fmt.Sprintf("$m%d", i), ChatID: chatID, Body: "hi"})
	}
	return msgs, nil
}

func (a *fakeAdapter) DownloadMedia(_ context.Context, _, messageID string) (*session.Media, error) {
	if messageID != "$img" {
		return nil, session.NewError(session.ErrInvalid, a.id, "message does not contain media", nil)
	}
	return &session.Media{Data: []byte("\x89PNG"), MimeType: "image/png", Filename: "cat.png"}, nil
}

func (a *fakeAdapter) CheckContact(_ context.Context, contact string) (session.Contact, error) {
	return session.Contact{ID: contact, Registered: contact == "@alice:example.org"}, nil
}

func (a *fakeAdapter) Block(_ context.Context, contact string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.blocked == nil {
		a.blocked = make(map[string]bool)
	}
	a.blocked[contact] = true
	return nil
}

func (a *fakeAdapter) Unblock(_ context.Context, contact string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blocked, contact)
	return nil
}

func (a *fakeAdapter) isBlocked(contact string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked[contact]
}

func (a *fakeAdapter) emit(ev session.Event) {
	a.events <- ev
}

func (a *fakeAdapter) isDestroyed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

// fakeFactory records every adapter it builds.
type fakeFactory struct {
	mu       sync.Mutex
	adapters map[string][]*fakeAdapter
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{adapters: make(map[string][]*fakeAdapter)}
}

func (f *fakeFactory) build(id string, _ credstore.Store) (session.Adapter, error) {
	a := newFakeAdapter(id)
	f.mu.Lock()
	f.adapters[id] = append(f.adapters[id], a)
	f.mu.Unlock()
	return a, nil
}

func (f *fakeFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters[id])
}

func (f *fakeFactory) latest(t *testing.T, id string) *fakeAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.adapters[id]
	require.NotEmpty(t, list, "no adapter built for %s", id)
	return list[len(list)-1]
}

// freeAddr reserves a loopback port and releases it for the gateway.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal local-strategy config rooted in temp dirs.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(dir, "waypost.db"),
		},
		Credentials: config.CredentialsConfig{
			Strategy: config.StrategyLocal,
			Local: config.LocalConfig{
				AuthRoot:  filepath.Join(dir, "auth"),
				CacheRoot: filepath.Join(dir, "cache"),
			},
		},
		Sessions: config.SessionsConfig{
			StaleAfter:      config.DefaultStaleAfter,
			DisconnectGrace: config.DefaultDisconnectGrace,
		},
		Matrix: config.MatrixConfig{
			Homeserver: "http://127.0.0.1:1",
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGatewayWithConfig builds a gateway over fake adapters and shuts it down at cleanup.
func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) (*Gateway, *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	gw, err := NewWithAdapters(cfg, factory.build, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw, factory
}

func newTestGateway(t *testing.T) (*Gateway, *fakeFactory) {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(t))
}

// doRequest sends a request through the gateway's HTTP handler.
func doRequest(t *testing.T, gw *Gateway, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// createSession creates id through the API and returns its fake adapter.
func createSession(t *testing.T, gw *Gateway, factory *fakeFactory, id string) *fakeAdapter {
	t.Helper()
	rec := doRequest(t, gw, http.MethodPost, "/api/sessions", CreateSessionRequest{ID: id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return factory.latest(t, session.Sanitize(id))
}

func waitStatus(t *testing.T, gw *Gateway, id string, want session.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := gw.sessions.Get(id)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGatewayWithConfig(t, cfg)

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.sessions)
	assert.NotNil(t, gw.transfer)
	assert.Nil(t, gw.limiter, "no rate limit configured")
	assert.False(t, gw.auth.Enabled())
	assert.Equal(t, credstore.KindLocal, gw.sessions.Strategy())
}

func TestGatewayNew_RejectsWeakJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := NewWithAdapters(cfg, newFakeFactory().build, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuring auth")
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, factory := newTestGatewayWithConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	waitForHTTP(t, cfg.Server.HTTPAddr)

	_, err := gw.sessions.Create(context.Background(), "tenant-a")
	require.NoError(t, err)
	a := factory.latest(t, "tenant-a")

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	assert.True(t, a.isDestroyed(), "sessions are torn down on shutdown")
	assert.Empty(t, gw.sessions.List())

	// a second shutdown is a no-op
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestGatewayRun_ListenFailure(t *testing.T) {
	cfg := testConfig(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	cfg.Server.HTTPAddr = busy.Addr().String()

	gw, _ := newTestGatewayWithConfig(t, cfg)

	err = gw.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func waitForHTTP(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGatewayWithConfig(t, cfg)

	go func() {
		_ = gw.Run(t.Context())
	}()
	waitForHTTP(t, cfg.Server.HTTPAddr)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestGRPCHealthOverNetwork(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := newTestGatewayWithConfig(t, cfg)

	go func() {
		_ = gw.Run(t.Context())
	}()
	waitForHTTP(t, cfg.Server.HTTPAddr)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond, "no sessions means overall healthy")
}

func TestGatewayAutoRestore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.AutoRestore = true

	for _, id := range []string{"alpha", "beta"} {
		require.NoError(t, credstore.WriteTree(filepath.Join(cfg.Credentials.Local.AuthRoot, id), credstore.Files{
			credstore.CredentialsFile: []byte(`{"userId":"@` + id + `:example.org"}`),
		}))
	}

	gw, factory := newTestGatewayWithConfig(t, cfg)
	gw.startBackground(t.Context())
	defer gw.stopBackground()

	require.Eventually(t, func() bool {
		return factory.count("alpha") == 1 && factory.count("beta") == 1
	}, 2*time.Second, 10*time.Millisecond)

	info, err := gw.sessions.Get("alpha")
	require.NoError(t, err)
	assert.True(t, info.Restored)
}

func TestGatewayPrunesOldEvents(t *testing.T) {
	gw, factory := newTestGateway(t)
	a := createSession(t, gw, factory, "tenant-a")
	a.emit(session.Event{Kind: session.EventReady})
	waitStatus(t, gw, "tenant-a", session.StatusReady)

	require.Eventually(t, func() bool {
		events, err := gw.store.ListSessionEvents(context.Background(), "tenant-a", 0)
		return err == nil && len(events) > 0
	}, 2*time.Second, 10*time.Millisecond)

	// nothing is older than the retention window yet
	gw.pruneEvents(context.Background())
	events, err := gw.store.ListSessionEvents(context.Background(), "tenant-a", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
