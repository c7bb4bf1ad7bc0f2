package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/store"
)

// MetricsSnapshot holds a point-in-time view of the insight pipeline.
type MetricsSnapshot struct {
	// Per-state counts over the whole table.
	Pending            int `json:"pending"`
	Latent             int `json:"latent"`
	AutomaticScheduled int `json:"automatic_scheduled"`
	Annotated          int `json:"annotated"`
	Rejected           int `json:"rejected"`
	Deleted            int `json:"deleted"`
	OpenTotal          int `json:"open_total"`

	// Activity within the lookback window.
	CreatedInWindow   int `json:"created_in_window"`
	CompletedInWindow int `json:"completed_in_window"`

	// Automatic insights past their grace window but never applied.
	OverdueAutomatic int `json:"overdue_automatic"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource abstracts the store aggregate the collector reads.
type StatsSource interface {
	Stats(ctx context.Context, since, now time.Time) (store.Stats, error)
}

// Collector gathers pipeline metrics from the store.
type Collector struct {
	source StatsSource
}

// NewCollector creates a metrics collector.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	since := now.Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.source.Stats(ctx, since, now)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	return &MetricsSnapshot{
		Pending:            stats.ByState[model.StatePending],
		Latent:             stats.ByState[model.StateLatent],
		AutomaticScheduled: stats.ByState[model.StateAutomaticScheduled],
		Annotated:          stats.ByState[model.StateAnnotated],
		Rejected:           stats.ByState[model.StateRejected],
		Deleted:            stats.ByState[model.StateDeleted],
		OpenTotal:          stats.Open(),
		CreatedInWindow:    stats.CreatedSince,
		CompletedInWindow:  stats.CompletedSince,
		OverdueAutomatic:   stats.OverdueAutomatic,
		LookbackHours:      lookbackHours,
		CollectedAt:        now,
	}, nil
}
