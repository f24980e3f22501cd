// ABOUTME: Fire-and-forget webhook delivery of session events
// ABOUTME: One POST per event, never retried; failures are logged

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	userAgent             = "waypost-webhook/1.0"
	defaultWebhookTimeout = 10 * time.Second
)

// WebhookPayload is the JSON body of every delivery.
type WebhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL           string
	Secret        string
	Timeout       time.Duration
	RatePerSecond float64
}

// Webhook posts events to a single URL.
type Webhook struct {
	url     string
	secret  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewWebhook returns nil when no URL is configured; a nil *Webhook ignores Send.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	w := &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "webhook"),
		now:    time.Now,
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return w
}

// Send delivers an event in the background.
func (w *Webhook) Send(event string, data any) {
	if w == nil {
		return
	}
	if w.limiter != nil && !w.limiter.Allow() {
		w.logger.Warn("webhook throttled, dropping event", "event", event)
		return
	}

	payload := WebhookPayload{Event: event, Timestamp: w.now().UTC(), Data: data}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.deliver(context.Background(), payload); err != nil {
			w.logger.Warn("webhook delivery failed", "event", event, "error", err)
		}
	}()
}

func (w *Webhook) deliver(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	deliveryID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	if w.secret != "" {
		req.Header.Set("X-Webhook-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	w.logger.Debug("webhook delivered", "event", payload.Event, "delivery_id", deliveryID)
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (w *Webhook) Wait(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
