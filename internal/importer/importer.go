// Package importer reconciles raw predictions against the current
// product state and the open insight set, producing insight create,
// update, and delete operations.
package importer

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfdata/curator/internal/config"
	"github.com/shelfdata/curator/internal/insighttype"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// ProductGetter fetches the current product snapshot. A nil product
// with a nil error means the product does not exist.
type ProductGetter interface {
	GetProduct(ctx context.Context, barcode string) (*model.Product, error)
}

// Importer turns stored predictions into insights.
type Importer struct {
	store      store.Store
	registry   *insighttype.Registry
	taxonomies *taxonomy.Holder
	products   ProductGetter
	cfg        config.ImporterConfig
}

func New(st store.Store, registry *insighttype.Registry, taxonomies *taxonomy.Holder, products ProductGetter, cfg config.ImporterConfig) *Importer {
	return &Importer{
		store:      st,
		registry:   registry,
		taxonomies: taxonomies,
		products:   products,
		cfg:        cfg,
	}
}

// ImportPredictions stores a batch of predictions and re-imports every
// product they touch. Predictions with an unknown type are rejected
// before anything is written.
func (im *Importer) ImportPredictions(ctx context.Context, preds []model.Prediction) (model.ImportResult, error) {
	for i := range preds {
		if !preds[i].Type.Valid() {
			return model.ImportResult{}, eris.Errorf("importer: unknown insight type %q", preds[i].Type)
		}
		if preds[i].Barcode == "" {
			return model.ImportResult{}, eris.New("importer: prediction without barcode")
		}
	}

	if _, err := im.store.InsertPredictions(ctx, preds); err != nil {
		return model.ImportResult{}, eris.Wrap(err, "importer: store predictions")
	}

	seen := make(map[string]struct{})
	var barcodes []string
	for i := range preds {
		if _, ok := seen[preds[i].Barcode]; ok {
			continue
		}
		seen[preds[i].Barcode] = struct{}{}
		barcodes = append(barcodes, preds[i].Barcode)
	}
	return im.ImportAll(ctx, barcodes, 1)
}

// ImportAll re-imports a set of products, fanning out over a bounded
// worker pool. Products fail independently: one product's error is
// logged and the run continues.
func (im *Importer) ImportAll(ctx context.Context, barcodes []string, workers int) (model.ImportResult, error) {
	if workers <= 0 {
		workers = 1
	}

	results := make([]model.ImportResult, len(barcodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, barcode := range barcodes {
		g.Go(func() error {
			res, err := im.ImportProduct(gctx, barcode)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Error("product import failed",
					zap.String("barcode", barcode),
					zap.Error(err))
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.ImportResult{}, eris.Wrap(err, "importer: import all")
	}

	var total model.ImportResult
	for _, r := range results {
		total.Add(r)
	}
	return total, nil
}

// ImportProduct recomputes the insight set of one product from its
// stored predictions. All resulting operations are applied in a single
// transaction.
func (im *Importer) ImportProduct(ctx context.Context, barcode string) (model.ImportResult, error) {
	product, err := im.products.GetProduct(ctx, barcode)
	if err != nil {
		return model.ImportResult{}, eris.Wrapf(err, "importer: fetch product %s", barcode)
	}
	if product == nil {
		// The validator removes insights of deleted products; nothing
		// to import here.
		zap.L().Debug("skipping import of missing product", zap.String("barcode", barcode))
		return model.ImportResult{}, nil
	}

	var batch store.ImportBatch
	for _, def := range im.registry.All() {
		if err := im.mergeType(ctx, product, def, &batch); err != nil {
			return model.ImportResult{}, err
		}
	}

	if len(batch.Creates) == 0 && len(batch.Updates) == 0 && len(batch.DeleteIDs) == 0 {
		return model.ImportResult{}, nil
	}

	res, err := im.store.ApplyImportBatch(ctx, barcode, batch)
	if err != nil {
		return model.ImportResult{}, eris.Wrapf(err, "importer: apply batch %s", barcode)
	}
	if !res.Empty() {
		zap.L().Info("imported insights",
			zap.String("barcode", barcode),
			zap.Int("created", res.Created),
			zap.Int("updated", res.Updated),
			zap.Int("deleted", res.Deleted))
	}
	return res, nil
}

// mergeType computes the operations for one insight type and appends
// them to the batch.
func (im *Importer) mergeType(ctx context.Context, product *model.Product, def insighttype.Definition, batch *store.ImportBatch) error {
	typ := def.Type()
	preds, err := im.store.ListPredictions(ctx, product.Barcode, typ)
	if err != nil {
		return eris.Wrapf(err, "importer: list predictions %s/%s", product.Barcode, typ)
	}
	pending, err := im.store.PendingInsights(ctx, product.Barcode, typ)
	if err != nil {
		return eris.Wrapf(err, "importer: list pending %s/%s", product.Barcode, typ)
	}

	if def.PurgeOnImport() && len(preds) > 0 {
		for i := range pending {
			batch.DeleteIDs = append(batch.DeleteIDs, pending[i].ID)
		}
		pending = nil
		// Each batch fully supersedes the previous one, so only the
		// newest prediction matters.
		preds = []model.Prediction{latestPrediction(preds)}
	}

	// Values already covered: product attributes plus open insights.
	seen := make(map[string]struct{})
	for _, tag := range def.SeenTags(product) {
		seen[def.Normalize(tag)] = struct{}{}
	}
	open := make(map[string]*model.Insight, len(pending))
	for i := range pending {
		seen[pending[i].ValueTag] = struct{}{}
		open[pending[i].ValueTag] = &pending[i]
	}

	var tx *taxonomy.Taxonomy
	if def.Hierarchical() && im.taxonomies != nil {
		tx = im.taxonomies.Current().ForType(typ)
	}

	singletonTaken := len(pending) > 0

	// Candidates accepted from this batch, evictable until the loop ends:
	// a finer candidate later in the batch supersedes a coarser one.
	var createOrder []string
	creates := make(map[string]model.Insight)

	for i := range preds {
		pred := &preds[i]
		tag := def.Normalize(pred.ValueTag)
		if _, dup := seen[tag]; dup {
			continue
		}
		if def.Singleton() && singletonTaken {
			continue
		}

		ok, err := def.Eligible(ctx, product, pred)
		if err != nil {
			return eris.Wrapf(err, "importer: eligibility %s/%s", product.Barcode, typ)
		}
		if !ok {
			continue
		}

		if tx != nil {
			// A candidate coarser than anything already known is noise.
			if tx.IsAncestorOfAny(tag, keys(seen)) {
				continue
			}
			// A more specific candidate replaces its coarser open ancestors.
			for openTag, ins := range open {
				if tx.IsAncestorOf(openTag, tag) {
					batch.DeleteIDs = append(batch.DeleteIDs, ins.ID)
					delete(open, openTag)
					delete(seen, openTag)
				}
			}
			// Same for coarser candidates accepted earlier in this batch.
			for queued := range creates {
				if tx.IsAncestorOf(queued, tag) {
					delete(creates, queued)
					delete(seen, queued)
				}
			}
		}

		creates[tag] = im.buildInsight(product, def, pred, tag)
		createOrder = append(createOrder, tag)
		seen[tag] = struct{}{}
		singletonTaken = true
	}

	for _, tag := range createOrder {
		if ins, ok := creates[tag]; ok {
			batch.Creates = append(batch.Creates, ins)
		}
	}
	return nil
}

func (im *Importer) buildInsight(product *model.Product, def insighttype.Definition, pred *model.Prediction, tag string) model.Insight {
	automatic := pred.Automatic
	if threshold := def.AutoThreshold(); threshold >= 0 && pred.ConfidenceAbove(threshold) {
		automatic = true
	}
	// Automatic insights are born scheduled: the grace window starts at
	// creation, not at the next mark tick.
	state := model.StatePending
	var processAfter *time.Time
	if automatic {
		after := time.Now().UTC().Add(im.cfg.GraceWindow())
		state = model.StateAutomaticScheduled
		processAfter = &after
	}
	return model.Insight{
		Barcode:             product.Barcode,
		Type:                def.Type(),
		Value:               pred.Value,
		ValueTag:            tag,
		Data:                pred.Data,
		Confidence:          pred.Confidence,
		State:               state,
		ProcessAfter:        processAfter,
		AutomaticProcessing: automatic,
		Predictor:           pred.Predictor,
		PredictorVersion:    pred.PredictorVersion,
		SourceImage:         pred.SourceImage,
		ReservedBarcode:     ReservedBarcode(product.Barcode),
		UniqueScans:         product.UniqueScans,
		CreatedAt:           time.Now().UTC(),
	}
}

// ReservedBarcode reports whether the barcode falls in a range reserved
// for store-internal use. Those products are region-local; their
// insights are flagged so reviewers can deprioritize them.
func ReservedBarcode(barcode string) bool {
	trimmed := strings.TrimLeft(barcode, "0")
	return len(trimmed) >= 1 && trimmed[0] == '2' && len(trimmed) <= 13
}

func latestPrediction(preds []model.Prediction) model.Prediction {
	latest := preds[0]
	for _, p := range preds[1:] {
		if p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	return latest
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
