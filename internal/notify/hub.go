// ABOUTME: Hub routes registry notifications to subscribers, the webhook and the event ledger
// ABOUTME: Ledger writes happen on a single background goroutine so Notify never blocks

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/waypost/internal/session"
	"github.com/2389/waypost/internal/store"
)

const ledgerQueueSize = 256

// Ledger persists session events.
type Ledger interface {
	SaveSessionEvent(ctx context.Context, event *store.SessionEvent) error
}

// Hub implements session.Notifier.
type Hub struct {
	broadcaster *Broadcaster
	webhook     *Webhook
	ledger      Ledger
	logger      *slog.Logger

	queue     chan *store.SessionEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ session.Notifier = (*Hub)(nil)

// NewHub wires the outputs together. webhook and ledger may be nil.
func NewHub(b *Broadcaster, webhook *Webhook, ledger Ledger, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		broadcaster: b,
		webhook:     webhook,
		ledger:      ledger,
		logger:      logger.With("component", "notify"),
		queue:       make(chan *store.SessionEvent, ledgerQueueSize),
		done:        make(chan struct{}),
	}
	go h.drain()
	return h
}

// Broadcaster returns the real-time fan-out.
func (h *Hub) Broadcaster() *Broadcaster {
	return h.broadcaster
}

// Notify publishes n to subscribers, posts it to the webhook when n.Webhook
// is set and queues it for the ledger.
func (h *Hub) Notify(n session.Notification) {
	event := &Event{
		ID:        uuid.New().String(),
		Topic:     n.Topic,
		SessionID: n.SessionID,
		Timestamp: n.Time,
		Data:      n.Data,
	}
	if h.broadcaster != nil {
		h.broadcaster.Publish(event)
	}
	if n.Webhook != "" {
		h.sendWebhook(n.Webhook, n.Data)
	}
	h.record(event)
}

// sendWebhook starts a delivery unless Close has begun. Holding the read
// lock orders every delivery's wg.Add before Close waits on the webhook.
func (h *Hub) sendWebhook(event string, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.webhook.Send(event, data)
}

// record queues an event for the ledger. The full session list is not
// session history and is skipped.
func (h *Hub) record(event *Event) {
	if h.ledger == nil || event.Topic == session.TopicSessionsUpdate || event.SessionID == "" {
		return
	}
	payload, err := json.Marshal(event.Data)
	if err != nil {
		h.logger.Warn("failed to encode event for ledger", "topic", event.Topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- &store.SessionEvent{
		ID:        event.ID,
		SessionID: event.SessionID,
		Topic:     event.Topic,
		Payload:   string(payload),
		CreatedAt: event.Timestamp,
	}:
	default:
		h.logger.Warn("ledger queue full, dropping event", "topic", event.Topic, "session_id", event.SessionID)
	}
}

func (h *Hub) drain() {
	defer close(h.done)
	for ev := range h.queue {
		if err := h.ledger.SaveSessionEvent(context.Background(), ev); err != nil {
			h.logger.Warn("failed to record session event", "topic", ev.Topic, "session_id", ev.SessionID, "error", err)
		}
	}
}

// Close stops accepting events, flushes the ledger queue and waits for
// webhook deliveries until ctx ends. Subscribers are disconnected.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.queue)
		h.mu.Unlock()
	})

	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if h.broadcaster != nil {
		h.broadcaster.Close()
	}
	return h.webhook.Wait(ctx)
}
