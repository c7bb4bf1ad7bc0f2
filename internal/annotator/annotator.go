// Package annotator applies human and automatic decisions to insights.
// Accepting an insight records the decision and writes the derived
// product patch back to the product service in one transaction.
package annotator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/insighttype"
	"github.com/shelfdata/curator/internal/lock"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/pkg/notify"
)

// lockTTL bounds how long a crashed annotator can block an insight.
const lockTTL = 30 * time.Second

// errMissingProduct aborts the annotation transaction when the product
// vanished between review and write-back.
var errMissingProduct = errors.New("annotator: product missing")

// ProductService is the slice of the product client the annotator needs.
type ProductService interface {
	GetProduct(ctx context.Context, barcode string) (*model.Product, error)
	UpdateProduct(ctx context.Context, barcode string, patch map[string]string, comment string) error
}

// Options qualifies an annotate call.
type Options struct {
	// CompletedBy identifies the reviewer, or the scheduler for
	// automatic application.
	CompletedBy string
	// IsAutomatic marks scheduler-driven application; it changes the
	// audit comment and triggers a notification.
	IsAutomatic bool
}

// Annotator coordinates decision recording, write-back, and locking.
type Annotator struct {
	store    store.Store
	registry *insighttype.Registry
	products ProductService
	locker   lock.Locker
	notifier notify.Notifier
}

func New(st store.Store, registry *insighttype.Registry, products ProductService, locker lock.Locker, notifier notify.Notifier) *Annotator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Annotator{
		store:    st,
		registry: registry,
		products: products,
		locker:   locker,
		notifier: notifier,
	}
}

// Annotate applies a decision to an insight. User-facing outcomes are
// returned as statuses; infrastructure failures are returned as errors
// and leave the insight untouched.
func (a *Annotator) Annotate(ctx context.Context, insightID string, annotation int, opts Options) (model.AnnotationResult, error) {
	switch annotation {
	case model.AnnotationAccept, model.AnnotationReject, model.AnnotationRejectNoise:
	default:
		return model.AnnotationResult{
			Status:      model.StatusInvalidData,
			Description: fmt.Sprintf("invalid annotation value %d", annotation),
		}, nil
	}
	if opts.CompletedBy == "" {
		return model.AnnotationResult{
			Status:      model.StatusInvalidData,
			Description: "missing annotator identity",
		}, nil
	}

	held, err := a.locker.Acquire(ctx, "annotate:"+insightID, lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			// Someone else is annotating this insight right now.
			return model.AnnotationResult{
				Status:      model.StatusAlreadyAnnotated,
				Description: "annotation in progress elsewhere",
			}, nil
		}
		return model.AnnotationResult{}, eris.Wrapf(err, "annotator: lock %s", insightID)
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Warn("annotator: release lock", zap.Error(err))
		}
	}()

	var wroteBack bool
	writeback := func(ctx context.Context, ins *model.Insight) error {
		if annotation != model.AnnotationAccept {
			return nil
		}
		applied, err := a.writeBack(ctx, ins, opts)
		if err != nil {
			return err
		}
		wroteBack = applied
		return nil
	}

	ins, err := a.store.AnnotateTx(ctx, insightID, annotation, opts.CompletedBy, writeback)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInsightNotFound):
		return model.AnnotationResult{
			Status:      model.StatusUnknownInsight,
			Description: "insight does not exist",
		}, nil
	case errors.Is(err, store.ErrAlreadyAnnotated):
		return model.AnnotationResult{
			Status:      model.StatusAlreadyAnnotated,
			Description: "decision already recorded",
		}, nil
	case errors.Is(err, errMissingProduct):
		return model.AnnotationResult{
			Status:      model.StatusMissingProduct,
			Description: "product no longer exists",
		}, nil
	default:
		return model.AnnotationResult{}, eris.Wrapf(err, "annotator: annotate %s", insightID)
	}

	zap.L().Info("insight annotated",
		zap.String("insight_id", insightID),
		zap.String("barcode", ins.Barcode),
		zap.Int("annotation", annotation),
		zap.Bool("automatic", opts.IsAutomatic))

	if opts.IsAutomatic && wroteBack {
		a.notifier.Notify(ctx, notify.Event{
			Type:      notify.EventAutomaticApplied,
			Barcode:   ins.Barcode,
			InsightID: ins.ID,
			Value:     ins.ValueTag,
		})
	}

	if wroteBack {
		return model.AnnotationResult{Status: model.StatusUpdated, Description: "decision recorded and product updated"}, nil
	}
	return model.AnnotationResult{Status: model.StatusSaved, Description: "decision recorded"}, nil
}

// writeBack applies the accepted insight's effect to the product. It
// runs inside the annotation transaction; any error rolls the decision
// back.
func (a *Annotator) writeBack(ctx context.Context, ins *model.Insight, opts Options) (bool, error) {
	product, err := a.products.GetProduct(ctx, ins.Barcode)
	if err != nil {
		return false, eris.Wrapf(err, "annotator: fetch product %s", ins.Barcode)
	}
	if product == nil {
		return false, errMissingProduct
	}

	def, err := a.registry.Get(ins.Type)
	if err != nil {
		return false, err
	}
	effect, err := def.AnnotateEffect(ins)
	if err != nil {
		return false, err
	}
	if len(effect.Patch) == 0 {
		return false, nil
	}

	comment := effect.Comment
	if opts.IsAutomatic {
		comment += " (automatic)"
	}
	if err := a.products.UpdateProduct(ctx, ins.Barcode, effect.Patch, comment); err != nil {
		return false, eris.Wrapf(err, "annotator: update product %s", ins.Barcode)
	}
	return true, nil
}
