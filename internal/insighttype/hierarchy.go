package insighttype

import (
	"context"

	"github.com/shelfdata/curator/internal/config"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// Category insights propose a taxonomy category for a product.
type Category struct {
	cfg config.ImporterConfig
}

func (c *Category) Type() model.InsightType { return model.TypeCategory }
func (c *Category) Hierarchical() bool      { return true }
func (c *Category) AutoThreshold() float64  { return c.cfg.CategoryAutoMin }
func (c *Category) PurgeOnImport() bool     { return false }
func (c *Category) Singleton() bool         { return false }

func (c *Category) Normalize(valueTag string) string { return valueTag }

func (c *Category) SeenTags(product *model.Product) []string {
	return product.Categories
}

func (c *Category) Eligible(_ context.Context, _ *model.Product, pred *model.Prediction) (bool, error) {
	return pred.ValueTag != "", nil
}

func (c *Category) LatencyRule(product *model.Product, insight *model.Insight, tx *taxonomy.Taxonomy) Latency {
	if model.HasTag(product.Categories, insight.ValueTag) {
		return LatencyLatent
	}
	// A finer category on the product already implies this one.
	if tx != nil && tx.IsAncestorOfAny(insight.ValueTag, product.Categories) {
		return LatencyLatent
	}
	return LatencyKeep
}

func (c *Category) AnnotateEffect(insight *model.Insight) (Effect, error) {
	return Effect{
		Patch:   map[string]string{"add_categories": insight.ValueTag},
		Comment: "[curator] add category " + insight.ValueTag,
	}, nil
}

// Label insights propose a quality or certification label.
type Label struct {
	cfg config.ImporterConfig
}

func (l *Label) Type() model.InsightType { return model.TypeLabel }
func (l *Label) Hierarchical() bool      { return true }
func (l *Label) AutoThreshold() float64  { return l.cfg.LabelAutoMin }
func (l *Label) PurgeOnImport() bool     { return false }
func (l *Label) Singleton() bool         { return false }

func (l *Label) Normalize(valueTag string) string { return valueTag }

func (l *Label) SeenTags(product *model.Product) []string {
	return product.Labels
}

func (l *Label) Eligible(_ context.Context, _ *model.Product, pred *model.Prediction) (bool, error) {
	return pred.ValueTag != "", nil
}

func (l *Label) LatencyRule(product *model.Product, insight *model.Insight, tx *taxonomy.Taxonomy) Latency {
	if model.HasTag(product.Labels, insight.ValueTag) {
		return LatencyLatent
	}
	if tx != nil && tx.IsAncestorOfAny(insight.ValueTag, product.Labels) {
		return LatencyLatent
	}
	return LatencyKeep
}

func (l *Label) AnnotateEffect(insight *model.Insight) (Effect, error) {
	return Effect{
		Patch:   map[string]string{"add_labels": insight.ValueTag},
		Comment: "[curator] add label " + insight.ValueTag,
	}, nil
}
