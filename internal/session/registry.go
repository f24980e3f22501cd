// ABOUTME: In-memory registry of messaging sessions and their lifecycle state machine
// ABOUTME: Consumes adapter events, schedules removal of disconnected sessions and emits notifications

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/waypost/internal/credstore"
)

const (
	defaultStaleAfter      = 5 * time.Minute
	defaultDisconnectGrace = 30 * time.Second
	teardownTimeout        = 10 * time.Second
)

// CredentialResolver decides where each session's credentials live.
type CredentialResolver interface {
	Strategy() credstore.Kind
	For(ctx context.Context, id string) credstore.Store
	Local(id string) *credstore.Local
	LocalSessionIDs() ([]string, error)
}

// Options configures a Registry. Adapters and Credentials are required.
type Options struct {
	Adapters        AdapterFactory
	Credentials     CredentialResolver
	Notifier        Notifier
	Logger          *slog.Logger
	StaleAfter      time.Duration
	DisconnectGrace time.Duration
	Now             func() time.Time
}

// DeleteOptions tunes Delete.
type DeleteOptions struct {
	// Purge also removes the session's local credential and cache directories.
	Purge bool
}

// Registry owns every live session.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	adapters   AdapterFactory
	creds      CredentialResolver
	notifier   Notifier
	logger     *slog.Logger
	staleAfter time.Duration
	grace      time.Duration
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		records:    make(map[string]*record),
		adapters:   opts.Adapters,
		creds:      opts.Credentials,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		staleAfter: opts.StaleAfter,
		grace:      opts.DisconnectGrace,
		now:        opts.Now,
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "sessions")
	if r.staleAfter <= 0 {
		r.staleAfter = defaultStaleAfter
	}
	if r.grace <= 0 {
		r.grace = defaultDisconnectGrace
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Strategy reports the configured credential strategy.
func (r *Registry) Strategy() credstore.Kind {
	return r.creds.Strategy()
}

// Create registers a session and starts its adapter. Creating an id that is
// already registered returns the existing session unchanged.
func (r *Registry) Create(ctx context.Context, rawID string) (Info, error) {
	return r.create(ctx, rawID, false)
}

func (r *Registry) create(ctx context.Context, rawID string, restored bool) (Info, error) {
	id := Sanitize(rawID)

	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		r.mu.Unlock()
		return rec.info(r.now()), nil
	}
	rec := newRecord(id, rawID, r.now(), restored)
	r.records[id] = rec
	r.mu.Unlock()

	store := r.creds.For(ctx, id)
	adapter, err := r.adapters(id, store)
	if err != nil {
		r.removeIfCurrent(rec)
		return Info{}, fmt.Errorf("creating adapter for session %s: %w", id, err)
	}

	runCtx, ok := rec.attach(adapter, store)
	if !ok {
		r.destroyAdapter(id, adapter)
		return Info{}, NewError(ErrNotFound, id, "deleted while starting", nil)
	}

	r.logger.Info("=== SESSION CREATED ===",
		"session_id", id,
		"original_id", rawID,
		"strategy", store.Kind(),
		"restored", restored,
	)

	go r.run(runCtx, rec, adapter)
	r.publishList()
	return rec.info(r.now()), nil
}

// run feeds adapter events into the state machine until the adapter closes
// its channel or the session is torn down.
func (r *Registry) run(ctx context.Context, rec *record, adapter Adapter) {
	if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("adapter failed to start", "session_id", rec.id, "error", err)
		r.apply(rec, Event{Kind: EventAuthFailure, Payload: err.Error()})
	}

	events := adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.apply(rec, ev)
		}
	}
}

// apply performs one state transition. Notifications are sent after the
// record lock is released.
func (r *Registry) apply(rec *record, ev Event) {
	now := r.now()
	var (
		notes         []Notification
		statusChanged bool
	)

	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return
	}
	prev := rec.status
	rec.lastActivity = now

	switch ev.Kind {
	case EventPairingChallenge:
		rec.setStatus(StatusQRPending)
		rec.pairing = ev.Payload
		rec.err = ""
		notes = append(notes, Notification{Topic: TopicQR, Data: map[string]any{"id": rec.id, "qr": ev.Payload}})

	case EventAuthenticated:
		rec.setStatus(StatusAuthenticated)
		rec.err = ""
		notes = append(notes, Notification{Topic: TopicAuthenticated, Data: map[string]any{"id": rec.id}})

	case EventReady:
		rec.setStatus(StatusReady)
		rec.pairing = ""
		rec.err = ""
		notes = append(notes, Notification{Topic: TopicReady, Data: map[string]any{"id": rec.id}})

	case EventAuthFailure:
		rec.setStatus(StatusAuthFailed)
		rec.err = ev.Payload
		notes = append(notes, Notification{Topic: TopicError, Data: map[string]any{"id": rec.id, "error": ev.Payload}})

	case EventDisconnected:
		rec.setStatus(StatusDisconnected)
		rec.err = ev.Payload
		r.scheduleRemoval(rec)
		notes = append(notes, Notification{Topic: TopicDisconnected, Data: map[string]any{"id": rec.id, "reason": ev.Payload}})

	case EventStateChanged:
		rec.clientState = ev.Payload
		notes = append(notes, Notification{Topic: TopicState, Data: map[string]any{"id": rec.id, "state": ev.Payload}})

	case EventMessage:
		if ev.Message != nil {
			notes = messageNotifications(rec.id, ev.Message, now)
		}

	default:
		r.logger.Warn("ignoring unknown adapter event", "session_id", rec.id, "kind", int(ev.Kind))
	}
	next := rec.status
	statusChanged = next != prev
	rec.mu.Unlock()

	if statusChanged {
		r.logger.Info("session state changed",
			"session_id", rec.id,
			"from", prev,
			"to", next,
		)
	}
	if ev.Kind == EventMessage && ev.Message != nil {
		r.logger.Debug("message received",
			"session_id", rec.id,
			"chat_id", ev.Message.ChatID,
			"reply", ev.Message.IsReply(),
		)
	}

	for _, n := range notes {
		n.SessionID = rec.id
		if n.Time.IsZero() {
			n.Time = now
		}
		r.notifier.Notify(n)
	}
	if statusChanged {
		r.publishList()
	}
}

// scheduleRemoval must be called with rec.mu held. Only the most recently
// scheduled timer can remove the record.
func (r *Registry) scheduleRemoval(rec *record) {
	rec.cancelRemoval()
	token := rec.removalToken
	rec.removalTimer = time.AfterFunc(r.grace, func() { r.expire(rec, token) })
}

func (r *Registry) expire(rec *record, token uint64) {
	r.mu.Lock()
	rec.mu.Lock()
	valid := !rec.closed &&
		rec.status == StatusDisconnected &&
		rec.removalToken == token &&
		r.records[rec.id] == rec
	if valid {
		delete(r.records, rec.id)
	}
	rec.mu.Unlock()
	r.mu.Unlock()

	if !valid {
		return
	}

	r.logger.Info("removing disconnected session", "session_id", rec.id, "grace", r.grace)
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	r.teardown(ctx, rec)
	r.publishList()
}

// teardown stops the event loop and destroys the adapter. Errors are logged.
func (r *Registry) teardown(ctx context.Context, rec *record) {
	rec.mu.Lock()
	if rec.closed {
		rec.mu.Unlock()
		return
	}
	rec.closed = true
	rec.cancelRemoval()
	adapter, cancel := rec.adapter, rec.cancel
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if adapter == nil {
		return
	}
	if err := adapter.Destroy(ctx); err != nil {
		r.logger.Warn("adapter destroy failed (ignored)", "session_id", rec.id, "error", err)
	}
}

func (r *Registry) destroyAdapter(id string, adapter Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := adapter.Destroy(ctx); err != nil {
		r.logger.Warn("adapter destroy failed (ignored)", "session_id", id, "error", err)
	}
}

func (r *Registry) removeIfCurrent(rec *record) {
	r.mu.Lock()
	if r.records[rec.id] == rec {
		delete(r.records, rec.id)
	}
	r.mu.Unlock()
}

func (r *Registry) lookup(rawID string) (string, *record) {
	id := Sanitize(rawID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id, r.records[id]
}

// Exists reports whether a session is registered.
func (r *Registry) Exists(rawID string) bool {
	_, rec := r.lookup(rawID)
	return rec != nil
}

// Get returns a snapshot of one session.
func (r *Registry) Get(rawID string) (Info, error) {
	id, rec := r.lookup(rawID)
	if rec == nil {
		return Info{}, NewError(ErrNotFound, id, "", nil)
	}
	return rec.info(r.now()), nil
}

// List returns snapshots of all sessions ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	now := r.now()
	infos := make([]Info, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, rec.info(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Delete removes a session. It never fails: teardown and credential cleanup
// errors are logged, and unknown ids are accepted. Remote credentials are
// always cleared; local files only with opts.Purge.
func (r *Registry) Delete(ctx context.Context, rawID string, opts DeleteOptions) {
	id := Sanitize(rawID)

	r.mu.Lock()
	rec := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	var store credstore.Store
	if rec != nil {
		rec.mu.Lock()
		store = rec.store
		rec.mu.Unlock()
		r.teardown(ctx, rec)
	}

	if r.creds.Strategy() == credstore.KindRemote {
		if store == nil || store.Kind() != credstore.KindRemote {
			store = r.creds.For(ctx, id)
		}
		if store.Kind() == credstore.KindRemote {
			if err := store.Delete(ctx); err != nil {
				r.logger.Warn("failed to clear remote credentials", "session_id", id, "error", err)
			} else {
				r.logger.Info("cleared remote credentials", "session_id", id)
			}
		}
	}

	if opts.Purge {
		if err := r.creds.Local(id).Delete(ctx); err != nil {
			r.logger.Warn("failed to purge local credentials", "session_id", id, "error", err)
		}
	}

	r.logger.Info("=== SESSION DELETED ===", "session_id", id, "existed", rec != nil, "purge", opts.Purge)
	r.publishList()
}

// Restart tears a session down, keeping its credentials, and creates it again.
func (r *Registry) Restart(ctx context.Context, rawID string) (Info, error) {
	id := Sanitize(rawID)

	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()
	if !ok {
		return Info{}, NewError(ErrNotFound, id, "", nil)
	}

	r.logger.Info("restarting session", "session_id", id)
	r.teardown(ctx, rec)
	return r.create(ctx, rec.originalID, rec.restored)
}

// Restore recreates every session found under the local auth root, skipping
// ids already registered. It does nothing under the remote strategy.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.creds.Strategy() == credstore.KindRemote {
		r.logger.Info("skipping session restore for remote credentials")
		return 0, nil
	}

	ids, err := r.creds.LocalSessionIDs()
	if err != nil {
		return 0, fmt.Errorf("listing saved sessions: %w", err)
	}
	if len(ids) == 0 {
		r.logger.Info("no saved sessions found")
		return 0, nil
	}

	restored := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		if r.Exists(id) {
			r.logger.Debug("session already in memory, skipping restore", "session_id", id)
			continue
		}
		if _, err := r.create(ctx, id, true); err != nil {
			r.logger.Error("failed to restore session", "session_id", id, "error", err)
			continue
		}
		restored++
	}
	r.logger.Info("restored sessions", "count", restored, "found", len(ids))
	return restored, nil
}

// SendText sends a text message from a ready session.
func (r *Registry) SendText(ctx context.Context, rawID, chatID, text string) (string, error) {
	id, rec, adapter, err := r.readyAdapter(rawID)
	if err != nil {
		return "", err
	}
	sender, ok := adapter.(Sender)
	if !ok {
		return "", NewError(ErrUnsupported, id, "adapter cannot send messages", nil)
	}

	msgID, err := sender.SendText(ctx, chatID, text)
	if err != nil {
		return "", fmt.Errorf("sending message from session %s: %w", id, err)
	}

	now := r.now()
	rec.mu.Lock()
	rec.lastActivity = now
	rec.mu.Unlock()

	r.notifier.Notify(Notification{
		Topic:     TopicMessageSent,
		SessionID: id,
		Time:      now,
		Data: map[string]any{
			"sessionId": id,
			"chatId":    chatID,
			"messageId": msgID,
			"body":      text,
		},
	})
	return msgID, nil
}

// Pair forwards an operator-supplied pairing answer to the session's adapter.
func (r *Registry) Pair(ctx context.Context, rawID, answer string) error {
	id, rec := r.lookup(rawID)
	if rec == nil {
		return NewError(ErrNotFound, id, "", nil)
	}
	if answer == "" {
		return NewError(ErrInvalid, id, "pairing answer is empty", nil)
	}
	status, adapter := rec.current()
	if adapter == nil {
		return NewError(ErrNotReady, id, "adapter still starting", nil)
	}
	if status != StatusQRPending {
		return NewError(ErrNotReady, id, fmt.Sprintf("no pairing in progress (status %s)", status), nil)
	}
	pairer, ok := adapter.(Pairer)
	if !ok {
		return NewError(ErrUnsupported, id, "adapter does not accept pairing answers", nil)
	}
	if err := pairer.Pair(ctx, answer); err != nil {
		return fmt.Errorf("pairing session %s: %w", id, err)
	}
	return nil
}

// Close tears down every session. Credentials are left in place.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.records))
	for id, rec := range r.records {
		recs = append(recs, rec)
		delete(r.records, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *record) {
			defer wg.Done()
			r.teardown(ctx, rec)
		}(rec)
	}
	wg.Wait()
	r.logger.Info("closed all sessions", "count", len(recs))
}

func (r *Registry) publishList() {
	r.notifier.Notify(Notification{
		Topic: TopicSessionsUpdate,
		Time:  r.now(),
		Data:  r.List(),
	})
}
