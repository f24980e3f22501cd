// ABOUTME: session.Adapter backed by one Matrix device
// ABOUTME: Handles SSO token pairing, credential restore, sync, inbound messages and sending

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/waypost/internal/config"
	"github.com/2389/waypost/internal/credstore"
	"github.com/2389/waypost/internal/dedupe"
	"github.com/2389/waypost/internal/session"
)

// Client states reported through session.EventStateChanged.
const (
	StateConnecting = "CONNECTING"
	StatePairing    = "PAIRING"
	StateSyncing    = "SYNCING"
	StateConnected  = "CONNECTED"
)

const (
	eventBufferSize = 64
	persistInterval = 5 * time.Minute
	dedupeTTL       = 10 * time.Minute
	dedupeSize      = 4096
)

var (
	// ErrNotPairing is returned by Pair when no login is pending.
	ErrNotPairing = errors.New("no login pending")
	// ErrNotConnected is returned by client operations before the first sync.
	ErrNotConnected = errors.New("not connected")
)

// Adapter drives one Matrix device for one session.
type Adapter struct {
	id     string
	store  credstore.Store
	cfg    config.MatrixConfig
	logger *slog.Logger

	events chan session.Event
	paired chan struct{}
	seen   *dedupe.Window

	mu        sync.Mutex
	client    *mautrix.Client
	dir       *clientDirectory
	workspace *credstore.Workspace
	pairing   bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	// ignoreMu serializes read-modify-write of the ignored user list.
	ignoreMu sync.Mutex

	destroyOnce sync.Once
}

var (
	_ session.Adapter         = (*Adapter)(nil)
	_ session.Sender          = (*Adapter)(nil)
	_ session.Pairer          = (*Adapter)(nil)
	_ session.ChatLister      = (*Adapter)(nil)
	_ session.HistoryReader   = (*Adapter)(nil)
	_ session.MediaDownloader = (*Adapter)(nil)
	_ session.ContactChecker  = (*Adapter)(nil)
	_ session.Blocker         = (*Adapter)(nil)
)

// NewFactory returns a session.AdapterFactory building Matrix adapters.
func NewFactory(cfg config.MatrixConfig, logger *slog.Logger) session.AdapterFactory {
	return func(sessionID string, store credstore.Store) (session.Adapter, error) {
		return New(sessionID, store, cfg, logger), nil
	}
}

// New creates an adapter. Nothing touches the network until Start.
func New(sessionID string, store credstore.Store, cfg config.MatrixConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		id:     sessionID,
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "matrix", "session_id", sessionID),
		events: make(chan session.Event, eventBufferSize),
		paired: make(chan struct{}, 1),
		seen:   dedupe.New(dedupeTTL, dedupeSize),
	}
}

// Events returns the adapter's event stream. It is closed when the
// connection loop exits.
func (a *Adapter) Events() <-chan session.Event {
	return a.events
}

// Start materializes the credential workspace and begins connecting in the background.
func (a *Adapter) Start(ctx context.Context) error {
	ws, err := credstore.OpenWorkspace(ctx, a.store)
	if err != nil {
		return fmt.Errorf("opening credential workspace: %w", err)
	}
	creds, err := loadCredentials(ws.Dir)
	if err != nil {
		_ = ws.Close()
		return err
	}

	// the connection outlives the Start call
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.workspace = ws
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.loop(runCtx, creds)
	return nil
}

// loop owns the events channel: every emit happens on this goroutine or on
// sync handlers it runs, and the channel is closed when it returns.
func (a *Adapter) loop(ctx context.Context, creds *credentials) {
	defer close(a.done)
	defer close(a.events)

	a.emit(ctx, session.Event{Kind: session.EventStateChanged, Payload: StateConnecting})

	var client *mautrix.Client
	var err error
	if creds == nil {
		client, err = a.pair(ctx)
	} else {
		client, err = a.restore(ctx, creds)
	}
	if err != nil || client == nil {
		return
	}
	a.emit(ctx, session.Event{Kind: session.EventAuthenticated})

	a.persist(ctx)
	go a.persistLoop(ctx)

	if a.cfg.Encryption {
		helper, err := setupCrypto(ctx, client, a.cfg.PickleKey, a.workspaceDir(), a.logger)
		if err != nil {
			a.logger.Warn("encryption unavailable, continuing without", "error", err)
		} else {
			defer closeCrypto(helper, a.logger)
		}
	}

	a.sync(ctx, client)
}

// pair publishes the SSO login URL and waits for Pair to complete a login.
func (a *Adapter) pair(ctx context.Context) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(a.cfg.Homeserver, "", "")
	if err != nil {
		a.emit(ctx, session.Event{Kind: session.EventAuthFailure, Payload: err.Error()})
		return nil, err
	}

	flows, err := client.GetLoginFlows(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.emit(ctx, session.Event{Kind: session.EventDisconnected, Payload: fmt.Sprintf("fetching login flows: %v", err)})
		}
		return nil, err
	}
	if !flows.HasFlow(mautrix.AuthTypeSSO) {
		err := errors.New("homeserver does not offer SSO login")
		a.emit(ctx, session.Event{Kind: session.EventAuthFailure, Payload: err.Error()})
		return nil, err
	}

	a.mu.Lock()
	a.client = client
	a.pairing = true
	a.mu.Unlock()

	a.emit(ctx, session.Event{Kind: session.EventStateChanged, Payload: StatePairing})
	a.emit(ctx, session.Event{Kind: session.EventPairingChallenge, Payload: ssoURL(client, a.redirectURL())})
	a.logger.Info("waiting for SSO login token")

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.paired:
		return client, nil
	}
}

// restore resumes a stored login after checking the token is still accepted.
func (a *Adapter) restore(ctx context.Context, creds *credentials) (*mautrix.Client, error) {
	homeserver := creds.Homeserver
	if homeserver == "" {
		homeserver = a.cfg.Homeserver
	}
	client, err := mautrix.NewClient(homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		a.emit(ctx, session.Event{Kind: session.EventAuthFailure, Payload: err.Error()})
		return nil, err
	}
	client.DeviceID = id.DeviceID(creds.DeviceID)

	if _, err := client.Whoami(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, mautrix.MUnknownToken) {
			a.rejectCredentials(ctx, "stored credentials were rejected")
		} else {
			a.emit(ctx, session.Event{Kind: session.EventDisconnected, Payload: fmt.Sprintf("checking credentials: %v", err)})
		}
		return nil, err
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.logger.Info("restored matrix login", "user_id", creds.UserID, "device_id", creds.DeviceID)
	return client, nil
}

// sync runs the sync loop until it fails or ctx ends.
func (a *Adapter) sync(ctx context.Context, client *mautrix.Client) {
	syncStore, err := newFileSyncStore(a.workspaceDir())
	if err != nil {
		a.logger.Warn("sync state unavailable, starting fresh", "error", err)
	} else {
		client.Store = syncStore
	}
	resumed := syncStore != nil && syncStore.resumed()
	startedAt := time.Now()

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		a.emit(ctx, session.Event{Kind: session.EventDisconnected, Payload: fmt.Sprintf("unexpected syncer type %T", client.Syncer)})
		return
	}
	dir := &clientDirectory{client: client}

	var first sync.Once
	syncer.OnSync(func(ctx context.Context, _ *mautrix.RespSync, _ string) bool {
		first.Do(func() {
			a.mu.Lock()
			a.connected = true
			a.dir = dir
			a.mu.Unlock()
			a.emit(ctx, session.Event{Kind: session.EventStateChanged, Payload: StateConnected})
			a.emit(ctx, session.Event{Kind: session.EventReady})
			a.logger.Info("matrix sync established", "user_id", client.UserID)
		})
		return true
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		a.handleMembership(ctx, client, dir, evt)
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if !resumed && time.UnixMilli(evt.Timestamp).Before(startedAt) {
			// history delivered by the first sync of a new device
			return
		}
		a.handleMessage(ctx, client, dir, evt)
	})

	a.emit(ctx, session.Event{Kind: session.EventStateChanged, Payload: StateSyncing})
	err = client.SyncWithContext(ctx)

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	switch {
	case ctx.Err() != nil:
	case errors.Is(err, mautrix.MUnknownToken):
		a.rejectCredentials(ctx, "logged out by homeserver")
	case err != nil:
		a.emit(ctx, session.Event{Kind: session.EventDisconnected, Payload: err.Error()})
	default:
		a.emit(ctx, session.Event{Kind: session.EventDisconnected, Payload: "sync stopped"})
	}
}

func (a *Adapter) handleMessage(ctx context.Context, client *mautrix.Client, dir directory, evt *event.Event) {
	if evt.Sender == client.UserID {
		return
	}
	if a.seen.Seen(evt.ID.String()) {
		a.logger.Debug("dropping duplicate event", "event_id", evt.ID)
		return
	}
	msg := toMessage(ctx, dir, client.UserID, evt)
	if msg == nil {
		return
	}
	a.emit(ctx, session.Event{Kind: session.EventMessage, Message: msg})
}

// handleMembership joins rooms the device is invited to.
func (a *Adapter) handleMembership(ctx context.Context, client *mautrix.Client, dir *clientDirectory, evt *event.Event) {
	dir.forgetRoom(evt.RoomID)
	if evt.GetStateKey() != client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		a.logger.Warn("failed to join invited room", "room", evt.RoomID, "error", err)
		return
	}
	a.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// rejectCredentials clears credentials the homeserver no longer accepts so
// the next start pairs again.
func (a *Adapter) rejectCredentials(ctx context.Context, reason string) {
	a.logger.Warn("matrix credentials rejected", "reason", reason)
	if err := removeCredentials(a.workspaceDir()); err != nil {
		a.logger.Warn("failed to remove credentials", "error", err)
	}
	if a.store.Kind() == credstore.KindRemote {
		if err := a.store.Delete(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("failed to clear remote credentials", "error", err)
		}
	}
	a.emit(ctx, session.Event{Kind: session.EventAuthFailure, Payload: reason})
}

// Pair completes an SSO login with the loginToken obtained by the operator.
func (a *Adapter) Pair(ctx context.Context, token string) error {
	a.mu.Lock()
	client, pending := a.client, a.pairing
	a.pairing = false
	a.mu.Unlock()
	if !pending || client == nil {
		return ErrNotPairing
	}
	release := func() {
		a.mu.Lock()
		a.pairing = true
		a.mu.Unlock()
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: a.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		release()
		return fmt.Errorf("logging in with token: %w", err)
	}

	creds := &credentials{
		Homeserver:  a.cfg.Homeserver,
		UserID:      resp.UserID.String(),
		DeviceID:    resp.DeviceID.String(),
		AccessToken: resp.AccessToken,
	}
	if err := saveCredentials(a.workspaceDir(), creds); err != nil {
		release()
		return err
	}

	a.logger.Info("matrix login completed", "user_id", creds.UserID, "device_id", creds.DeviceID)
	select {
	case a.paired <- struct{}{}:
	default:
	}
	return nil
}

// SendText sends text to a room and returns the event id.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	client, _, err := a.connectedClient()
	if err != nil {
		return "", err
	}

	resp, err := client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, textContent(text))
	if err != nil {
		return "", fmt.Errorf("sending to %s: %w", chatID, err)
	}
	// our own echo arrives through sync; never report it as inbound
	a.seen.Seen(resp.EventID.String())
	return resp.EventID.String(), nil
}

// connectedClient returns the client and its directory once sync is established.
func (a *Adapter) connectedClient() (*mautrix.Client, *clientDirectory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.connected || a.dir == nil {
		return nil, nil, ErrNotConnected
	}
	return a.client, a.dir, nil
}

// Destroy stops the connection, pushes the workspace to its store one last
// time and removes any temporary files. The login itself is kept.
func (a *Adapter) Destroy(ctx context.Context) error {
	var err error
	a.destroyOnce.Do(func() {
		a.mu.Lock()
		cancel, done, client, ws := a.cancel, a.done, a.client, a.workspace
		a.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		if client != nil {
			client.StopSync()
		}
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		a.persist(ctx)
		err = ws.Close()
	})
	return err
}

func (a *Adapter) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.persist(ctx)
		}
	}
}

func (a *Adapter) persist(ctx context.Context) {
	a.mu.Lock()
	ws := a.workspace
	a.mu.Unlock()
	if ws == nil {
		return
	}
	if err := ws.Persist(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("failed to persist session files", "error", err)
	}
}

func (a *Adapter) workspaceDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workspace.Dir
}

func (a *Adapter) redirectURL() string {
	if a.cfg.SSORedirectURL != "" {
		return a.cfg.SSORedirectURL
	}
	return a.cfg.Homeserver
}

// emit delivers an event unless the loop is shutting down.
func (a *Adapter) emit(ctx context.Context, ev session.Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

// ssoURL is where the operator logs in; the homeserver redirects to
// redirect with a loginToken query parameter.
func ssoURL(client *mautrix.Client, redirect string) string {
	return client.BuildURLWithQuery(mautrix.ClientURLPath{"v3", "login", "sso", "redirect"}, map[string]string{
		"redirectUrl": redirect,
	})
}

func closeCrypto(helper *cryptohelper.CryptoHelper, logger *slog.Logger) {
	if err := helper.Close(); err != nil {
		logger.Warn("failed to close crypto store", "error", err)
	}
}
