package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertBacklogDepth     AlertType = "backlog_depth"
	AlertImportStall      AlertType = "import_stall"
	AlertAutomaticOverdue AlertType = "automatic_overdue"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if a.cfg.BacklogThreshold > 0 && snap.OpenTotal > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertBacklogDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d open insights exceed review backlog threshold %d",
				snap.OpenTotal, a.cfg.BacklogThreshold,
			),
			Details: map[string]any{
				"open_total": snap.OpenTotal,
				"threshold":  a.cfg.BacklogThreshold,
				"pending":    snap.Pending,
				"latent":     snap.Latent,
			},
			Timestamp: now,
		})
	}

	// A window with zero created insights means producers stopped
	// delivering predictions or imports stopped running.
	if snap.CreatedInWindow == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertImportStall,
			Severity: "high",
			Message: fmt.Sprintf(
				"no insights created in last %dh",
				snap.LookbackHours,
			),
			Details: map[string]any{
				"lookback_hours": snap.LookbackHours,
			},
			Timestamp: now,
		})
	}

	if snap.OverdueAutomatic > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertAutomaticOverdue,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d automatic insight(s) past their grace window but not applied",
				snap.OverdueAutomatic,
			),
			Details: map[string]any{
				"overdue":   snap.OverdueAutomatic,
				"scheduled": snap.AutomaticScheduled,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
