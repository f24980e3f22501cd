// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires the session registry, credential stores, notifier, ledger and listeners

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/waypost/internal/auth"
	"github.com/2389/waypost/internal/config"
	"github.com/2389/waypost/internal/credstore"
	"github.com/2389/waypost/internal/matrix"
	"github.com/2389/waypost/internal/notify"
	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
	"github.com/2389/waypost/internal/transfer"
)

const (
	// eventRetention bounds how long session events stay in the ledger.
	eventRetention = 7 * 24 * time.Hour
	pruneInterval  = time.Hour

	shutdownTimeout = 10 * time.Second
)

// Gateway owns the session registry and exposes it over HTTP and gRPC.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	creds       *credstore.Resolver
	hub         *notify.Hub
	sessions    *session.Registry
	transfer    *transfer.Engine
	auth        *auth.Authenticator
	limiter     *rateLimiter
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// streams is canceled at shutdown so SSE handlers return before the HTTP server drains.
	streams     context.Context
	stopStreams context.CancelFunc

	bgCancel     context.CancelFunc
	bgWG         sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Gateway whose sessions are driven by the Matrix adapter.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithAdapters(cfg, matrix.NewFactory(cfg.Matrix, logger), logger)
}

// NewWithAdapters creates a Gateway that builds session adapters with factory.
func NewWithAdapters(cfg *config.Config, factory session.AdapterFactory, logger *slog.Logger) (*Gateway, error) {
	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("configuring auth: %w", err)
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	creds := credstore.NewResolver(cfg.Credentials, logger)

	broadcaster := notify.NewBroadcaster(logger)
	webhook := notify.NewWebhook(notify.WebhookConfig{
		URL:           cfg.Webhook.URL,
		Secret:        cfg.Webhook.Secret,
		Timeout:       cfg.Webhook.Timeout,
		RatePerSecond: cfg.Webhook.RatePerSecond,
	}, logger)
	hub := notify.NewHub(broadcaster, webhook, sqlStore, logger)

	registry := session.NewRegistry(session.Options{
		Adapters:        factory,
		Credentials:     creds,
		Notifier:        hub,
		Logger:          logger,
		StaleAfter:      cfg.Sessions.StaleAfter,
		DisconnectGrace: cfg.Sessions.DisconnectGrace,
	})

	gw := &Gateway{
		config:     cfg,
		store:      sqlStore,
		creds:      creds,
		hub:        hub,
		sessions:   registry,
		transfer:   transfer.NewEngine(registry, cfg.Credentials.Local, logger),
		auth:       authenticator,
		limiter:    newRateLimiter(cfg.RateLimit),
		health:     health.NewServer(),
		grpcServer: newGRPCServer(),
		logger:     logger.With("component", "gateway"),
	}
	gw.streams, gw.stopStreams = context.WithCancel(context.Background())

	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	if authenticator.Enabled() {
		gw.logger.Info("HTTP auth middleware enabled")
	} else {
		gw.logger.Warn("HTTP auth disabled - no jwt_secret or api_key_hash configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// initStore opens the event ledger.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGRPCServer creates the gRPC server carrying the health service.
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// routes builds the HTTP handler. Everything under /api/ passes the rate
// limiter and then the authenticator.
func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/sessions", g.handleCreateSession)
	api.HandleFunc("GET /api/sessions", g.handleListSessions)
	api.HandleFunc("GET /api/sessions/health", g.handleHealthAll)
	api.HandleFunc("POST /api/sessions/import", g.handleImportSession)
	api.HandleFunc("GET /api/sessions/{id}", g.handleGetSession)
	api.HandleFunc("DELETE /api/sessions/{id}", g.handleDeleteSession)
	api.HandleFunc("POST /api/sessions/{id}/restart", g.handleRestartSession)
	api.HandleFunc("GET /api/sessions/{id}/qr", g.handleSessionQR)
	api.HandleFunc("POST /api/sessions/{id}/pair", g.handlePairSession)
	api.HandleFunc("GET /api/sessions/{id}/health", g.handleSessionHealth)
	api.HandleFunc("GET /api/sessions/{id}/export", g.handleExportSession)
	api.HandleFunc("POST /api/sessions/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/sessions/{id}/events", g.handleSessionEvents)
	api.HandleFunc("GET /api/sessions/{id}/chats", g.handleListChats)
	api.HandleFunc("GET /api/sessions/{id}/chats/{chatId}/messages", g.handleChatMessages)
	api.HandleFunc("GET /api/sessions/{id}/chats/{chatId}/messages/{messageId}/media", g.handleDownloadMedia)
	api.HandleFunc("POST /api/sessions/{id}/contacts/validate", g.handleValidateContact)
	api.HandleFunc("POST /api/sessions/{id}/contacts/block", g.handleBlockContact)
	api.HandleFunc("POST /api/sessions/{id}/contacts/unblock", g.handleUnblockContact)
	api.HandleFunc("GET /api/events", g.handleEventStream)
	api.HandleFunc("GET /api/audit", g.handleAuditLog)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("/api/", g.limiter.Middleware(g.auth.Middleware(api)))
	return mux
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background tasks and blocks until ctx is
// canceled or a server fails. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	g.startBackground(ctx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startBackground launches session restore, health tracking and ledger pruning.
func (g *Gateway) startBackground(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.bgCancel = cancel

	g.bgWG.Add(2)
	go func() {
		defer g.bgWG.Done()
		g.watchHealth(bgCtx)
	}()
	go func() {
		defer g.bgWG.Done()
		g.pruneLoop(bgCtx)
	}()

	if g.config.Sessions.AutoRestore {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			g.restoreSessions(bgCtx)
		}()
	}
}

// stopBackground cancels background tasks and waits for them.
func (g *Gateway) stopBackground() {
	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()
}

func (g *Gateway) restoreSessions(ctx context.Context) {
	n, err := g.sessions.Restore(ctx)
	if err != nil {
		g.logger.Error("session restore failed", "error", err, "restored", n)
		return
	}
	if n > 0 {
		g.logger.Info("sessions restored at startup", "count", n)
	}
}

// pruneLoop drops ledger events older than eventRetention.
func (g *Gateway) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		g.pruneEvents(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) pruneEvents(ctx context.Context) {
	n, err := g.store.PruneSessionEvents(ctx, time.Now().Add(-eventRetention))
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Warn("failed to prune session events", "error", err)
		}
		return
	}
	if n > 0 {
		g.logger.Debug("pruned session events", "count", n)
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "waypost", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener listens on :443 through Funnel, or :80 on the tailnet.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, tears down every session and releases
// resources. Session credentials are left in place for the next start.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.health.Shutdown()
		g.stopStreams()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)
		g.stopBackground()

		g.sessions.Close(ctx)
		errs = appendCloseError(errs, "notifier close", g.hub.Close(ctx))
		errs = appendCloseError(errs, "credential store close", g.creds.Close())

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
