// Package notify sends fire-and-forget webhook events about insight
// lifecycle milestones. Delivery failures are logged, never propagated:
// notification is best-effort by contract.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event describes one lifecycle milestone.
type Event struct {
	Type      string    `json:"type"`
	Barcode   string    `json:"barcode"`
	InsightID string    `json:"insight_id,omitempty"`
	Value     string    `json:"value,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event type constants.
const (
	EventAutomaticApplied = "insight.automatic_applied"
	EventAnnotated        = "insight.annotated"
)

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Webhook posts events as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, event Event) {
	if w.url == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		zap.L().Warn("notify: marshal event", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		zap.L().Warn("notify: build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		zap.L().Warn("notify: deliver event",
			zap.String("type", event.Type), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		zap.L().Warn("notify: webhook rejected event",
			zap.String("type", event.Type),
			zap.Int("status", resp.StatusCode))
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
