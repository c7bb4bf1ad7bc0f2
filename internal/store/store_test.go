package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfdata/curator/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func floatPtr(f float64) *float64 { return &f }

func createPending(t *testing.T, s Store, barcode string, typ model.InsightType, valueTag string) model.Insight {
	t.Helper()
	ins := model.Insight{
		Barcode:   barcode,
		Type:      typ,
		ValueTag:  valueTag,
		State:     model.StatePending,
		Predictor: "test-predictor",
	}
	res, err := s.ApplyImportBatch(context.Background(), barcode, ImportBatch{Creates: []model.Insight{ins}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)

	pending, err := s.PendingInsights(context.Background(), barcode, typ)
	require.NoError(t, err)
	for _, p := range pending {
		if p.ValueTag == valueTag {
			return p
		}
	}
	t.Fatalf("created insight %s not found", valueTag)
	return model.Insight{}
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndListPredictions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.InsertPredictions(ctx, []model.Prediction{
			{Barcode: "123", Type: model.TypeCategory, ValueTag: "en:fish", Predictor: "matcher", PredictorVersion: "1"},
			{Barcode: "123", Type: model.TypeCategory, ValueTag: "en:salmons", Predictor: "classifier", PredictorVersion: "2", Confidence: floatPtr(0.8)},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		preds, err := s.ListPredictions(ctx, "123", model.TypeCategory)
		require.NoError(t, err)
		require.Len(t, preds, 2)
		assert.NotEmpty(t, preds[0].ID)
		assert.False(t, preds[0].CreatedAt.IsZero())
	})

	t.Run("PredictionsSuperseded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertPredictions(ctx, []model.Prediction{
			{Barcode: "123", Type: model.TypeLabel, ValueTag: "en:organic", Predictor: "matcher", PredictorVersion: "1", SourceImage: "1.jpg"},
		})
		require.NoError(t, err)

		// Same producer and image: the new row replaces the old one.
		_, err = s.InsertPredictions(ctx, []model.Prediction{
			{Barcode: "123", Type: model.TypeLabel, ValueTag: "en:eu-organic", Predictor: "matcher", PredictorVersion: "2", SourceImage: "1.jpg"},
		})
		require.NoError(t, err)

		preds, err := s.ListPredictions(ctx, "123", model.TypeLabel)
		require.NoError(t, err)
		require.Len(t, preds, 1)
		assert.Equal(t, "en:eu-organic", preds[0].ValueTag)
		assert.Equal(t, "2", preds[0].PredictorVersion)
	})

	t.Run("GetInsightAbsent", func(t *testing.T) {
		s := newStore(t)

		got, err := s.GetInsight(context.Background(), "no-such-id")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ApplyImportBatchCreateDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		coarse := createPending(t, s, "123", model.TypeCategory, "en:salmons")

		// A more specific candidate replaces the coarser pending insight.
		res, err := s.ApplyImportBatch(ctx, "123", ImportBatch{
			Creates: []model.Insight{{
				Barcode: "123", Type: model.TypeCategory, ValueTag: "en:smoked-salmons",
				State: model.StatePending,
			}},
			DeleteIDs: []string{coarse.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, model.ImportResult{Created: 1, Deleted: 1}, res)

		pending, err := s.PendingInsights(ctx, "123", model.TypeCategory)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "en:smoked-salmons", pending[0].ValueTag)

		// Deleting an already-gone id is not an error.
		res, err = s.ApplyImportBatch(ctx, "123", ImportBatch{DeleteIDs: []string{coarse.ID}})
		require.NoError(t, err)
		assert.True(t, res.Empty())
	})

	t.Run("ApplyImportBatchUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")
		ins.Confidence = floatPtr(0.7)
		ins.Predictor = "classifier"

		res, err := s.ApplyImportBatch(ctx, "123", ImportBatch{Updates: []model.Insight{ins}})
		require.NoError(t, err)
		assert.Equal(t, model.ImportResult{Updated: 1}, res)

		got, err := s.GetInsight(ctx, ins.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Confidence)
		assert.InDelta(t, 0.7, *got.Confidence, 0.001)
		assert.Equal(t, "classifier", got.Predictor)
	})

	t.Run("OpenInsightUniquePerTriple", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		createPending(t, s, "123", model.TypeCategory, "en:fish")

		_, err := s.ApplyImportBatch(ctx, "123", ImportBatch{
			Creates: []model.Insight{{
				Barcode: "123", Type: model.TypeCategory, ValueTag: "en:fish",
				State: model.StatePending,
			}},
		})
		require.Error(t, err)
	})

	t.Run("MarkAutomaticIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.ApplyImportBatch(ctx, "123", ImportBatch{
			Creates: []model.Insight{{
				Barcode: "123", Type: model.TypeCategory, ValueTag: "en:fish",
				State: model.StatePending, AutomaticProcessing: true,
			}},
		})
		require.NoError(t, err)

		processAfter := time.Now().UTC().Add(10 * time.Minute)
		n, err := s.MarkAutomatic(ctx, processAfter)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		pending, err := s.PendingInsights(ctx, "123", model.TypeCategory)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NotNil(t, pending[0].ProcessAfter)
		assert.WithinDuration(t, processAfter, *pending[0].ProcessAfter, time.Second)
		assert.Equal(t, model.StateAutomaticScheduled, pending[0].State)

		// Re-running finds nothing to mark.
		n, err = s.MarkAutomatic(ctx, processAfter.Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ReadyToApply", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		past := time.Now().UTC().Add(-time.Minute)
		future := time.Now().UTC().Add(time.Hour)
		_, err := s.ApplyImportBatch(ctx, "123", ImportBatch{
			Creates: []model.Insight{
				{Barcode: "123", Type: model.TypeCategory, ValueTag: "en:fish",
					State: model.StateAutomaticScheduled, AutomaticProcessing: true, ProcessAfter: &past},
				{Barcode: "123", Type: model.TypeCategory, ValueTag: "en:salmons",
					State: model.StateAutomaticScheduled, AutomaticProcessing: true, ProcessAfter: &future},
			},
		})
		require.NoError(t, err)

		ready, err := s.ReadyToApply(ctx, time.Now().UTC(), 0)
		require.NoError(t, err)
		require.Len(t, ready, 1)
		assert.Equal(t, "en:fish", ready[0].ValueTag)
	})

	t.Run("ReadyToApplySkipsLatent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		past := time.Now().UTC().Add(-time.Minute)
		_, err := s.ApplyImportBatch(ctx, "123", ImportBatch{
			Creates: []model.Insight{{
				Barcode: "123", Type: model.TypeCategory, ValueTag: "en:fish",
				State: model.StateAutomaticScheduled, AutomaticProcessing: true, ProcessAfter: &past,
			}},
		})
		require.NoError(t, err)

		pending, err := s.PendingInsights(ctx, "123", model.TypeCategory)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		// Demoted after scheduling: the elapsed process_after no longer
		// qualifies it for automatic application.
		require.NoError(t, s.SetLatent(ctx, pending[0].ID, "validator"))

		ready, err := s.ReadyToApply(ctx, time.Now().UTC(), 0)
		require.NoError(t, err)
		assert.Empty(t, ready)
	})

	t.Run("SetLatent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeLabel, "en:organic")
		require.NoError(t, s.SetLatent(ctx, ins.ID, "validator"))

		got, err := s.GetInsight(ctx, ins.ID)
		require.NoError(t, err)
		assert.True(t, got.Latent)
		assert.Equal(t, model.StateLatent, got.State)

		assert.ErrorIs(t, s.SetLatent(ctx, "no-such-id", "validator"), ErrInsightNotFound)
	})

	t.Run("DeleteInsight", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeBrand, "acme")
		require.NoError(t, s.DeleteInsight(ctx, ins.ID, "validator"))

		got, err := s.GetInsight(ctx, ins.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.ErrorIs(t, s.DeleteInsight(ctx, ins.ID, "validator"), ErrInsightNotFound)
	})

	t.Run("DeleteProductInsightsRetainsAnnotated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		pending := createPending(t, s, "123", model.TypeCategory, "en:fish")
		annotated := createPending(t, s, "123", model.TypeCategory, "en:salmons")
		_, err := s.AnnotateTx(ctx, annotated.ID, model.AnnotationAccept, "reviewer", nil)
		require.NoError(t, err)

		n, err := s.DeleteProductInsights(ctx, "123")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetInsight(ctx, pending.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		kept, err := s.GetInsight(ctx, annotated.ID)
		require.NoError(t, err)
		require.NotNil(t, kept)
		assert.Equal(t, model.StateAnnotated, kept.State)
	})

	t.Run("RefreshProductFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")
		err := s.RefreshProductFields(ctx, ins.ID, []string{"acme"}, []string{"en:france"}, 42)
		require.NoError(t, err)

		got, err := s.GetInsight(ctx, ins.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"acme"}, got.Brands)
		assert.Equal(t, []string{"en:france"}, got.Countries)
		assert.Equal(t, 42, got.UniqueScans)

		assert.ErrorIs(t, s.RefreshProductFields(ctx, "no-such-id", nil, nil, 0), ErrInsightNotFound)
	})

	t.Run("AnnotateTx", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")

		var writebackCalled bool
		got, err := s.AnnotateTx(ctx, ins.ID, model.AnnotationAccept, "reviewer", func(ctx context.Context, i *model.Insight) error {
			writebackCalled = true
			assert.Equal(t, ins.ID, i.ID)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, writebackCalled)
		require.NotNil(t, got.Annotation)
		assert.Equal(t, model.AnnotationAccept, *got.Annotation)
		assert.Equal(t, model.StateAnnotated, got.State)
		assert.Equal(t, "reviewer", got.CompletedBy)
		assert.NotNil(t, got.CompletedAt)

		// Annotation is write-once.
		_, err = s.AnnotateTx(ctx, ins.ID, model.AnnotationReject, "reviewer", nil)
		assert.ErrorIs(t, err, ErrAlreadyAnnotated)
	})

	t.Run("AnnotateTxUnknownInsight", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AnnotateTx(context.Background(), "no-such-id", model.AnnotationAccept, "reviewer", nil)
		assert.ErrorIs(t, err, ErrInsightNotFound)
	})

	t.Run("AnnotateTxWritebackFailureRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")

		_, err := s.AnnotateTx(ctx, ins.ID, model.AnnotationAccept, "auto", func(ctx context.Context, i *model.Insight) error {
			return eris.New("product service unavailable")
		})
		require.Error(t, err)

		// The insight stays unannotated and retryable.
		got, err := s.GetInsight(ctx, ins.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Annotation)
		assert.Equal(t, model.StatePending, got.State)
	})

	t.Run("AnnotateTxReject", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")
		got, err := s.AnnotateTx(ctx, ins.ID, model.AnnotationReject, "reviewer", nil)
		require.NoError(t, err)
		assert.Equal(t, model.StateRejected, got.State)
	})

	t.Run("TransitionLog", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ins := createPending(t, s, "123", model.TypeCategory, "en:fish")
		_, err := s.AnnotateTx(ctx, ins.ID, model.AnnotationAccept, "reviewer", nil)
		require.NoError(t, err)

		events, err := s.ListEvents(ctx, ins.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, model.StatePending, events[0].ToState)
		assert.Equal(t, model.StatePending, events[1].FromState)
		assert.Equal(t, model.StateAnnotated, events[1].ToState)
		assert.Equal(t, "reviewer", events[1].Actor)
	})

	t.Run("ListInsightsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		createPending(t, s, "123", model.TypeCategory, "en:fish")
		createPending(t, s, "456", model.TypeLabel, "en:organic")
		annotated := createPending(t, s, "123", model.TypeCategory, "en:salmons")
		_, err := s.AnnotateTx(ctx, annotated.ID, model.AnnotationAccept, "reviewer", nil)
		require.NoError(t, err)

		all, err := s.ListInsights(ctx, InsightFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byBarcode, err := s.ListInsights(ctx, InsightFilter{Barcode: "123"})
		require.NoError(t, err)
		assert.Len(t, byBarcode, 2)

		notAnnotated := false
		open, err := s.ListInsights(ctx, InsightFilter{Annotated: &notAnnotated})
		require.NoError(t, err)
		assert.Len(t, open, 2)

		byType, err := s.ListInsights(ctx, InsightFilter{Type: model.TypeLabel})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, "en:organic", byType[0].ValueTag)
	})

	t.Run("RandomInsight", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, err := s.RandomInsight(ctx, InsightFilter{})
		require.NoError(t, err)
		assert.Nil(t, got)

		createPending(t, s, "123", model.TypeCategory, "en:fish")
		got, err = s.RandomInsight(ctx, InsightFilter{Type: model.TypeCategory})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "en:fish", got.ValueTag)
	})

	t.Run("ListNonTerminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		createPending(t, s, "123", model.TypeCategory, "en:fish")
		annotated := createPending(t, s, "123", model.TypeCategory, "en:salmons")
		_, err := s.AnnotateTx(ctx, annotated.ID, model.AnnotationAccept, "reviewer", nil)
		require.NoError(t, err)

		// Only insights older than the snapshot cutoff qualify.
		open, err := s.ListNonTerminal(ctx, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "en:fish", open[0].ValueTag)

		open, err = s.ListNonTerminal(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("Stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		createPending(t, s, "123", model.TypeCategory, "en:fish")
		createPending(t, s, "123", model.TypeCategory, "en:beverages")
		annotated := createPending(t, s, "456", model.TypeLabel, "en:organic")
		_, err := s.AnnotateTx(ctx, annotated.ID, model.AnnotationAccept, "reviewer", nil)
		require.NoError(t, err)

		now := time.Now().UTC()
		stats, err := s.Stats(ctx, now.Add(-time.Hour), now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, stats.ByState[model.StatePending])
		assert.Equal(t, 1, stats.ByState[model.StateAnnotated])
		assert.Equal(t, 2, stats.Open())
		assert.Equal(t, 3, stats.CreatedSince)
		assert.Equal(t, 1, stats.CompletedSince)
		assert.Zero(t, stats.OverdueAutomatic)

		// Everything falls outside a window starting in the future.
		stats, err = s.Stats(ctx, now.Add(time.Hour), now)
		require.NoError(t, err)
		assert.Zero(t, stats.CreatedSince)
		assert.Zero(t, stats.CompletedSince)

		// An automatic insight whose grace window has passed but was
		// never applied counts as overdue.
		auto := model.Insight{
			Barcode:             "789",
			Type:                model.TypeCategory,
			ValueTag:            "en:salmons",
			State:               model.StatePending,
			AutomaticProcessing: true,
			Predictor:           "test-predictor",
		}
		_, err = s.ApplyImportBatch(ctx, "789", ImportBatch{Creates: []model.Insight{auto}})
		require.NoError(t, err)
		_, err = s.MarkAutomatic(ctx, now.Add(-time.Minute))
		require.NoError(t, err)

		stats, err = s.Stats(ctx, now.Add(-time.Hour), now)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.OverdueAutomatic)
	})
}
