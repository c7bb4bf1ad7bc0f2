package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/config"
)

// Checker periodically audits pipeline health and pushes alerts for
// breached thresholds. serve runs it alongside the HTTP server.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{collector: collector, alerter: alerter, cfg: cfg}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs > 0 {
		return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}
	return 5 * time.Minute
}

// Run blocks until ctx is cancelled, auditing once per interval. The
// first audit fires right away so a fresh deploy surfaces an existing
// backlog without waiting out a full interval.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().Named("monitoring")
	log.Info("alert checker running",
		zap.Duration("interval", c.interval()),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours))

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		triggered, sent, err := c.audit(ctx)
		switch {
		case err != nil:
			log.Error("health audit failed", zap.Error(err))
		case triggered > 0:
			log.Warn("health thresholds breached",
				zap.Int("triggered", triggered),
				zap.Int("sent", sent))
		}

		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// audit runs one collect-evaluate-send cycle and reports how many
// alerts were triggered and how many reached the webhook.
func (c *Checker) audit(ctx context.Context) (triggered, sent int, err error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		return 0, 0, err
	}
	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return 0, 0, nil
	}
	return len(alerts), c.alerter.SendAlerts(ctx, alerts), nil
}
