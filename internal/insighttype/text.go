package insighttype

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// IngredientSpellcheck insights propose a corrected ingredient list.
// Each import batch carries a fresh correction for the current text, so
// pending spellcheck insights of the product are purged first.
type IngredientSpellcheck struct{}

func (s *IngredientSpellcheck) Type() model.InsightType { return model.TypeIngredientSpellcheck }
func (s *IngredientSpellcheck) Hierarchical() bool      { return false }
func (s *IngredientSpellcheck) AutoThreshold() float64  { return -1 }
func (s *IngredientSpellcheck) PurgeOnImport() bool     { return true }
func (s *IngredientSpellcheck) Singleton() bool         { return false }

func (s *IngredientSpellcheck) Normalize(valueTag string) string { return valueTag }

func (s *IngredientSpellcheck) SeenTags(_ *model.Product) []string { return nil }

// Eligible requires the correction to target the product's current
// ingredient text; a correction computed from an older text is stale.
func (s *IngredientSpellcheck) Eligible(_ context.Context, product *model.Product, pred *model.Prediction) (bool, error) {
	original, _ := pred.Data["original"].(string)
	correction, _ := pred.Data["correction"].(string)
	if correction == "" || correction == original {
		return false, nil
	}
	if product.IngredientsText != "" && original != product.IngredientsText {
		return false, nil
	}
	return true, nil
}

func (s *IngredientSpellcheck) LatencyRule(product *model.Product, insight *model.Insight, _ *taxonomy.Taxonomy) Latency {
	original, ok := insight.Data["original"].(string)
	if !ok {
		return LatencyUnknown
	}
	// The text was edited since the correction was computed.
	if product.IngredientsText != original {
		return LatencyLatent
	}
	return LatencyKeep
}

func (s *IngredientSpellcheck) AnnotateEffect(insight *model.Insight) (Effect, error) {
	correction, ok := insight.Data["correction"].(string)
	if !ok || correction == "" {
		return Effect{}, eris.Errorf("insighttype: spellcheck insight %s has no correction", insight.ID)
	}
	return Effect{
		Patch:   map[string]string{"ingredients_text": correction},
		Comment: "[curator] apply ingredient spellcheck",
	}, nil
}

// ProductWeight insights propose a net quantity read off packaging.
// At most one open weight insight exists per product, and products
// that already declare a quantity never get one.
type ProductWeight struct{}

func (w *ProductWeight) Type() model.InsightType { return model.TypeProductWeight }
func (w *ProductWeight) Hierarchical() bool      { return false }
func (w *ProductWeight) AutoThreshold() float64  { return -1 }
func (w *ProductWeight) PurgeOnImport() bool     { return false }
func (w *ProductWeight) Singleton() bool         { return true }

func (w *ProductWeight) Normalize(valueTag string) string {
	return strings.ToLower(strings.Join(strings.Fields(valueTag), " "))
}

func (w *ProductWeight) SeenTags(_ *model.Product) []string { return nil }

func (w *ProductWeight) Eligible(_ context.Context, product *model.Product, pred *model.Prediction) (bool, error) {
	if product.Quantity != "" {
		return false, nil
	}
	return pred.Value != "" || pred.ValueTag != "", nil
}

func (w *ProductWeight) LatencyRule(product *model.Product, insight *model.Insight, _ *taxonomy.Taxonomy) Latency {
	if product.Quantity != "" {
		return LatencyLatent
	}
	return LatencyKeep
}

func (w *ProductWeight) AnnotateEffect(insight *model.Insight) (Effect, error) {
	quantity := insight.Value
	if quantity == "" {
		quantity = insight.ValueTag
	}
	return Effect{
		Patch:   map[string]string{"quantity": quantity},
		Comment: "[curator] set quantity " + quantity,
	}, nil
}
