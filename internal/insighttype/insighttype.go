// Package insighttype binds per-type behavior for the insight pipeline:
// how candidates are filtered on import, when an insight goes latent,
// and what accepting it writes back to the product.
package insighttype

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/shelfdata/curator/internal/config"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// Latency is the validator's verdict for an open insight.
type Latency int

const (
	// LatencyKeep leaves the insight open.
	LatencyKeep Latency = iota
	// LatencyLatent hides the insight because the product already
	// carries the value.
	LatencyLatent
	// LatencyUnknown means the rule cannot decide; the insight is
	// left untouched.
	LatencyUnknown
)

// Effect is the product mutation an accepted insight produces.
type Effect struct {
	// Patch maps product fields to values for the write-back call.
	Patch map[string]string
	// Comment is the audit trail entry attached to the edit.
	Comment string
}

// Definition is the behavior contract one insight type implements.
type Definition interface {
	Type() model.InsightType

	// Hierarchical reports whether values live in a taxonomy DAG and
	// the importer must apply ancestor exclusivity.
	Hierarchical() bool

	// AutoThreshold is the minimum confidence for automatic
	// application. A negative value disables automatic processing.
	AutoThreshold() float64

	// Normalize canonicalizes a candidate value tag before any
	// comparison or storage.
	Normalize(valueTag string) string

	// SeenTags returns the product attribute values that already cover
	// this insight type. Candidates matching one are dropped.
	SeenTags(product *model.Product) []string

	// Eligible applies type-specific candidate filtering beyond the
	// seen-set. A false return drops the candidate silently.
	Eligible(ctx context.Context, product *model.Product, pred *model.Prediction) (bool, error)

	// PurgeOnImport reports whether pending insights of this type are
	// replaced wholesale by each new import batch.
	PurgeOnImport() bool

	// Singleton reports whether at most one open insight of this type
	// may exist per product regardless of value.
	Singleton() bool

	// LatencyRule decides whether an open insight should go latent
	// given the current product snapshot. tx is the type's taxonomy for
	// hierarchical types and nil for the rest.
	LatencyRule(product *model.Product, insight *model.Insight, tx *taxonomy.Taxonomy) Latency

	// AnnotateEffect builds the write-back for an accepted insight.
	AnnotateEffect(insight *model.Insight) (Effect, error)
}

// Registry is the closed set of insight type definitions. Every type
// the model declares must be registered; Complete enforces that at
// startup.
type Registry struct {
	defs  map[model.InsightType]Definition
	order []model.InsightType
}

// NewRegistry creates a registry populated with all six insight types.
func NewRegistry(cfg config.ImporterConfig, brands BrandSource) *Registry {
	r := &Registry{defs: make(map[model.InsightType]Definition)}

	r.register(&Category{cfg: cfg})
	r.register(&Label{cfg: cfg})
	r.register(&Brand{source: brands})
	r.register(&PackagerCode{})
	r.register(&IngredientSpellcheck{})
	r.register(&ProductWeight{})

	return r
}

func (r *Registry) register(d Definition) {
	r.defs[d.Type()] = d
	r.order = append(r.order, d.Type())
}

// Get returns the definition for a type.
func (r *Registry) Get(typ model.InsightType) (Definition, error) {
	d, ok := r.defs[typ]
	if !ok {
		return nil, eris.Errorf("insighttype: unknown type %q", typ)
	}
	return d, nil
}

// All returns the definitions in registration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, typ := range r.order {
		out = append(out, r.defs[typ])
	}
	return out
}

// Complete verifies every declared insight type has a definition.
// Called once at startup; a gap is a programming error.
func (r *Registry) Complete() error {
	for _, typ := range model.AllTypes {
		if _, ok := r.defs[typ]; !ok {
			return eris.Errorf("insighttype: no definition registered for %q", typ)
		}
	}
	return nil
}
