// Package validator reconciles open insights against the current
// product state: insights for vanished products or images are removed,
// insights whose value the product meanwhile acquired go latent, and
// denormalized presentation fields are refreshed.
package validator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfdata/curator/internal/insighttype"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/internal/taxonomy"
)

const actor = "validator"

// ProductSnapshot serves product lookups from a point-in-time dataset.
// GeneratedAt is the snapshot build time; only insights created before
// it are validated, since newer insights may reference products the
// snapshot has not seen yet.
type ProductSnapshot interface {
	GetProduct(ctx context.Context, barcode string) (*model.Product, error)
	GeneratedAt() time.Time
}

// Result counts the outcome of one validation run.
type Result struct {
	Checked   int
	Deleted   int
	Latent    int
	Refreshed int
}

// Validator runs the reconciliation pass.
type Validator struct {
	store      store.Store
	registry   *insighttype.Registry
	taxonomies *taxonomy.Holder
	snapshot   ProductSnapshot
	workers    int
}

func New(st store.Store, registry *insighttype.Registry, taxonomies *taxonomy.Holder, snapshot ProductSnapshot, workers int) *Validator {
	if workers <= 0 {
		workers = 1
	}
	return &Validator{store: st, registry: registry, taxonomies: taxonomies, snapshot: snapshot, workers: workers}
}

// Run validates every open insight older than the snapshot. A failure
// to reach the snapshot aborts the run; per-insight store errors do
// too, so a broken store does not half-apply a pass.
func (v *Validator) Run(ctx context.Context) (Result, error) {
	insights, err := v.store.ListNonTerminal(ctx, v.snapshot.GeneratedAt())
	if err != nil {
		return Result{}, eris.Wrap(err, "validator: list open insights")
	}

	// Group per product so each barcode is fetched once.
	byBarcode := make(map[string][]model.Insight)
	for _, ins := range insights {
		byBarcode[ins.Barcode] = append(byBarcode[ins.Barcode], ins)
	}

	slots := make([]Result, len(byBarcode))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)

	i := 0
	for barcode, group := range byBarcode {
		idx := i
		i++
		g.Go(func() error {
			res, err := v.validateProduct(gctx, barcode, group)
			if err != nil {
				return err
			}
			slots[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, eris.Wrap(err, "validator: run")
	}

	var total Result
	for _, r := range slots {
		total.Checked += r.Checked
		total.Deleted += r.Deleted
		total.Latent += r.Latent
		total.Refreshed += r.Refreshed
	}
	zap.L().Info("validation pass finished",
		zap.Int("checked", total.Checked),
		zap.Int("deleted", total.Deleted),
		zap.Int("latent", total.Latent))
	return total, nil
}

func (v *Validator) validateProduct(ctx context.Context, barcode string, insights []model.Insight) (Result, error) {
	var res Result
	res.Checked = len(insights)

	product, err := v.snapshot.GetProduct(ctx, barcode)
	if err != nil {
		return Result{}, eris.Wrapf(err, "validator: snapshot lookup %s", barcode)
	}
	if product == nil {
		n, err := v.store.DeleteProductInsights(ctx, barcode)
		if err != nil {
			return Result{}, eris.Wrapf(err, "validator: delete product insights %s", barcode)
		}
		res.Deleted += n
		zap.L().Info("removed insights of deleted product",
			zap.String("barcode", barcode), zap.Int("count", n))
		return res, nil
	}

	for i := range insights {
		ins := &insights[i]

		if ins.SourceImage != "" && !product.HasImage(ins.SourceImage) {
			if err := v.store.DeleteInsight(ctx, ins.ID, actor); err != nil {
				return Result{}, eris.Wrapf(err, "validator: delete insight %s", ins.ID)
			}
			res.Deleted++
			continue
		}

		def, err := v.registry.Get(ins.Type)
		if err != nil {
			return Result{}, err
		}

		var tx *taxonomy.Taxonomy
		if def.Hierarchical() && v.taxonomies != nil {
			tx = v.taxonomies.Current().ForType(ins.Type)
		}

		if !ins.Latent {
			switch def.LatencyRule(product, ins, tx) {
			case insighttype.LatencyLatent:
				if err := v.store.SetLatent(ctx, ins.ID, actor); err != nil {
					return Result{}, eris.Wrapf(err, "validator: set latent %s", ins.ID)
				}
				res.Latent++
			case insighttype.LatencyUnknown, insighttype.LatencyKeep:
				// left untouched
			}
		}

		if fieldsChanged(ins, product) {
			if err := v.store.RefreshProductFields(ctx, ins.ID, product.Brands, product.Countries, product.UniqueScans); err != nil {
				return Result{}, eris.Wrapf(err, "validator: refresh fields %s", ins.ID)
			}
			res.Refreshed++
		}
	}
	return res, nil
}

func fieldsChanged(ins *model.Insight, product *model.Product) bool {
	if ins.UniqueScans != product.UniqueScans {
		return true
	}
	if !equalTags(ins.Brands, product.Brands) || !equalTags(ins.Countries, product.Countries) {
		return true
	}
	return false
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
