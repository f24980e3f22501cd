// ABOUTME: Test doubles for registry tests: adapters, credential resolver, notifier and clock
// ABOUTME: Adapters are driven by pushing events onto their buffered channel

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/waypost/internal/credstore"
)

type fakeAdapter struct {
	id       string
	store    credstore.Store
	events   chan Event
	startErr error

	mu         sync.Mutex
	started    bool
	destroyed  int
	destroyErr error
	sent       []string
	paired     []string
	blocked    []string
	limits     []int
}

func (a *fakeAdapter) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return a.startErr
}

func (a *fakeAdapter) Events() <-chan Event { return a.events }

func (a *fakeAdapter) Destroy(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed++
	return a.destroyErr
}

func (a *fakeAdapter) destroyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.destroyed
}

func (a *fakeAdapter) emit(ev Event) { a.events <- ev }

type sendingAdapter struct {
	*fakeAdapter
}

func (a sendingAdapter) SendText(_ context.Context, chatID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, chatID+":"+text)
	return "msg-1", nil
}

func (a sendingAdapter) Pair(_ context.Context, answer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paired = append(a.paired, answer)
	return nil
}

func (a sendingAdapter) Chats(context.Context) ([]Chat, error) {
	return []Chat{{ID: "!room", Name: "Room", IsGroup: true, ParticipantCount: 3}}, nil
}

// ChatMessages returns one more message than asked for so trimming is visible.
func (a sendingAdapter) ChatMessages(_ context.Context, chatID string, limit int) ([]Message, error) {
	a.mu.Lock()
	a.limits = append(a.limits, limit)
	a.mu.Unlock()
	if chatID == "!missing" {
		return nil, errors.New("room not found")
	}
	msgs := make([]Message, 0, limit+1)
	for i := 0; i <= limit; i++ {
		msgs = append(msgs, Message{ID: fmt.Sprintf("m%d", i), ChatID: chatID})
	}
	return msgs, nil
}

func (a sendingAdapter) DownloadMedia(_ context.Context, _, messageID string) (*Media, error) {
	return &Media{Data: []byte("png"), MimeType: "image/png", Filename: messageID + ".png"}, nil
}

func (a sendingAdapter) CheckContact(_ context.Context, contact string) (Contact, error) {
	return Contact{ID: contact, Registered: contact != "@ghost:example.org"}, nil
}

func (a sendingAdapter) Block(_ context.Context, contact string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = append(a.blocked, contact)
	return nil
}

func (a sendingAdapter) Unblock(_ context.Context, contact string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, c := range a.blocked {
		if c == contact {
			a.blocked = append(a.blocked[:i], a.blocked[i+1:]...)
			break
		}
	}
	return nil
}

// fakeFactory records every adapter it builds, per session id.
type fakeFactory struct {
	mu       sync.Mutex
	built    map[string][]*fakeAdapter
	sending  bool
	startErr error
	fail     error
	delay    time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{built: make(map[string][]*fakeAdapter)}
}

func (f *fakeFactory) New(id string, store credstore.Store) (Adapter, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail != nil {
		return nil, f.fail
	}
	a := &fakeAdapter{id: id, store: store, events: make(chan Event, 16), startErr: f.startErr}
	f.mu.Lock()
	f.built[id] = append(f.built[id], a)
	f.mu.Unlock()
	if f.sending {
		return sendingAdapter{a}, nil
	}
	return a, nil
}

func (f *fakeFactory) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built[id])
}

func (f *fakeFactory) latest(t *testing.T, id string) *fakeAdapter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	built := f.built[id]
	require.NotEmpty(t, built, "no adapter built for %s", id)
	return built[len(built)-1]
}

// fakeRemote is an in-memory remote store.
type fakeRemote struct {
	mu      sync.Mutex
	deleted int
}

func (s *fakeRemote) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *fakeRemote) Kind() credstore.Kind { return credstore.KindRemote }

func (s *fakeRemote) Save(context.Context, credstore.Files) error { return nil }

func (s *fakeRemote) Extract(context.Context) (credstore.Files, error) { return nil, nil }

func (s *fakeRemote) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
	return errors.New("redis went away")
}

type fakeResolver struct {
	strategy credstore.Kind
	root     string

	mu      sync.Mutex
	remotes map[string]*fakeRemote
}

func newFakeResolver(t *testing.T, strategy credstore.Kind) *fakeResolver {
	return &fakeResolver{strategy: strategy, root: t.TempDir(), remotes: make(map[string]*fakeRemote)}
}

func (f *fakeResolver) Strategy() credstore.Kind { return f.strategy }

func (f *fakeResolver) For(_ context.Context, id string) credstore.Store {
	if f.strategy == credstore.KindRemote {
		return f.remote(id)
	}
	return f.Local(id)
}

func (f *fakeResolver) remote(id string) *fakeRemote {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remotes[id] == nil {
		f.remotes[id] = &fakeRemote{}
	}
	return f.remotes[id]
}

func (f *fakeResolver) Local(id string) *credstore.Local {
	return credstore.NewLocal(filepath.Join(f.root, "auth"), filepath.Join(f.root, "cache"), id)
}

func (f *fakeResolver) LocalSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(f.root, "auth"))
	if err != nil {
		return nil, nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) topics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Topic)
	}
	return out
}

func (n *recordingNotifier) find(topic string) (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, note := range n.notes {
		if note.Topic == topic {
			return note, true
		}
	}
	return Notification{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	reg      *Registry
	factory  *fakeFactory
	creds    *fakeResolver
	notifier *recordingNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		factory:  newFakeFactory(),
		creds:    newFakeResolver(t, credstore.KindLocal),
		notifier: &recordingNotifier{},
		clock:    newFakeClock(),
	}
	opts := Options{
		Adapters:        env.factory.New,
		Credentials:     env.creds,
		Notifier:        env.notifier,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		DisconnectGrace: 50 * time.Millisecond,
		Now:             env.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	env.reg = NewRegistry(opts)
	t.Cleanup(func() { env.reg.Close(context.Background()) })
	return env
}

func (e *testEnv) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, err := e.reg.Get(id)
		return err == nil && info.Status == want
	}, 2*time.Second, 5*time.Millisecond, "session %s never reached %s", id, want)
}
