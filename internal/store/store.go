// Package store persists predictions and insights and provides the
// transactional primitives the lifecycle engine depends on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shelfdata/curator/internal/model"
)

// Sentinel errors distinguished by the annotator. Returned bare so
// callers can test them with errors.Is.
var (
	ErrInsightNotFound  = errors.New("store: insight not found")
	ErrAlreadyAnnotated = errors.New("store: insight already annotated")
)

// InsightFilter specifies criteria for listing insights.
type InsightFilter struct {
	Barcode   string            `json:"barcode,omitempty"`
	Type      model.InsightType `json:"type,omitempty"`
	ValueTag  string            `json:"value_tag,omitempty"`
	Annotated *bool             `json:"annotated,omitempty"`
	Latent    *bool             `json:"latent,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// ImportBatch is the set of operations the importer computed for one
// product. It is applied atomically: a failure rolls back the whole
// batch for that product only.
type ImportBatch struct {
	Creates   []model.Insight
	Updates   []model.Insight
	DeleteIDs []string
}

// WritebackFunc performs the external product write-back inside the
// annotation transaction. An error rolls the annotation back.
type WritebackFunc func(ctx context.Context, insight *model.Insight) error

// Stats is the aggregate view of the insights table consumed by
// monitoring.
type Stats struct {
	// ByState counts insights per lifecycle state.
	ByState map[model.InsightState]int

	// CreatedSince counts insights created after the window start.
	CreatedSince int

	// CompletedSince counts insights decided after the window start,
	// by annotator or automatic processing.
	CompletedSince int

	// OverdueAutomatic counts insights past their grace window that
	// are still waiting for automatic application.
	OverdueAutomatic int
}

// Open reports how many insights are still awaiting a decision.
func (s Stats) Open() int {
	return s.ByState[model.StatePending] +
		s.ByState[model.StateLatent] +
		s.ByState[model.StateAutomaticScheduled]
}

// Store defines the persistence interface for the insight lifecycle engine.
type Store interface {
	// Predictions
	InsertPredictions(ctx context.Context, preds []model.Prediction) (int, error)
	ListPredictions(ctx context.Context, barcode string, typ model.InsightType) ([]model.Prediction, error)

	// Insight reads
	GetInsight(ctx context.Context, id string) (*model.Insight, error)
	PendingInsights(ctx context.Context, barcode string, typ model.InsightType) ([]model.Insight, error)
	ListInsights(ctx context.Context, filter InsightFilter) ([]model.Insight, error)
	RandomInsight(ctx context.Context, filter InsightFilter) (*model.Insight, error)
	ListNonTerminal(ctx context.Context, olderThan time.Time) ([]model.Insight, error)

	// Insight mutations
	ApplyImportBatch(ctx context.Context, barcode string, batch ImportBatch) (model.ImportResult, error)
	MarkAutomatic(ctx context.Context, processAfter time.Time) (int, error)
	ReadyToApply(ctx context.Context, now time.Time, limit int) ([]model.Insight, error)
	SetLatent(ctx context.Context, id string, actor string) error
	DeleteInsight(ctx context.Context, id string, actor string) error
	DeleteProductInsights(ctx context.Context, barcode string) (int, error)
	RefreshProductFields(ctx context.Context, id string, brands, countries []string, uniqueScans int) error
	AnnotateTx(ctx context.Context, id string, annotation int, completedBy string, writeback WritebackFunc) (*model.Insight, error)

	// Transition log
	ListEvents(ctx context.Context, insightID string) ([]model.InsightEvent, error)

	// Monitoring
	Stats(ctx context.Context, since, now time.Time) (Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// stateForAnnotation maps a decision value to the terminal state it
// produces.
func stateForAnnotation(annotation int) model.InsightState {
	if annotation == model.AnnotationAccept {
		return model.StateAnnotated
	}
	return model.StateRejected
}
