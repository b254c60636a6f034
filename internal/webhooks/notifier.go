// Package webhooks posts signed ledger integrity alerts to an operator endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBackoff is the wait before each delivery attempt.
var DefaultBackoff = []time.Duration{0, 1 * time.Second, 5 * time.Second, 25 * time.Second}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config holds the endpoint settings.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// Backoff lists the wait before each attempt; its length is the attempt count.
	Backoff []time.Duration
}

// Notifier delivers events to a single endpoint with retries.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	onMetrics  MetricsRecorder
	now        func() time.Time
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New creates a Notifier. A zero Timeout means 10s; a nil Backoff means DefaultBackoff.
func New(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Dispatch sends the event in the background and returns its id.
// Cancelling ctx abandons pending retries.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) string {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: n.now().UTC(),
		Payload:   payload,
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(ctx, event)
	}()
	return event.ID
}

// Wait blocks until every dispatched event has finished delivering.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver sends event, retrying until an attempt succeeds or attempts run out.
func (n *Notifier) deliver(ctx context.Context, event Event) bool {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("webhook: marshal event", zap.Error(err))
		return false
	}
	signature := Sign(body, n.cfg.Secret)

	for i, delay := range n.cfg.Backoff {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				n.logger.Warn("webhook: delivery abandoned", zap.String("event_id", event.ID), zap.Error(ctx.Err()))
				return false
			}
		}

		d := n.doDelivery(ctx, body, signature)
		d.EventID, d.Attempt = event.ID, i+1

		if n.onMetrics != nil {
			n.onMetrics(d.Success)
		}
		if d.Success {
			n.logger.Info("webhook: delivered",
				zap.String("event_id", event.ID),
				zap.String("type", event.Type),
				zap.Int("attempt", d.Attempt),
			)
			return true
		}

		n.logger.Warn("webhook: delivery failed",
			zap.String("url", n.cfg.URL),
			zap.Int("attempt", d.Attempt),
			zap.String("error", d.Error),
		)
	}
	return false
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, body []byte, signature string) Delivery {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Delivery{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return Delivery{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	d := Delivery{
		StatusCode: resp.StatusCode,
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	if !d.Success {
		d.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return d
}

// Sign computes the HMAC-SHA256 signature of body. An empty secret signs nothing.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
