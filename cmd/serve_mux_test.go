package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/annotator"
	"github.com/shelfdata/curator/internal/config"
	"github.com/shelfdata/curator/internal/importer"
	"github.com/shelfdata/curator/internal/insighttype"
	"github.com/shelfdata/curator/internal/lock"
	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/monitoring"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/internal/taxonomy"
	"github.com/shelfdata/curator/internal/validator"
	"github.com/shelfdata/curator/pkg/notify"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeProducts serves the importer's lookups and the annotator's
// write-backs from an in-memory map.
type fakeProducts struct {
	products map[string]*model.Product
	updates  int
}

func (f *fakeProducts) GetProduct(ctx context.Context, barcode string) (*model.Product, error) {
	return f.products[barcode], nil
}

func (f *fakeProducts) UpdateProduct(ctx context.Context, barcode string, patch map[string]string, comment string) error {
	f.updates++
	return nil
}

func newTestEnv(t *testing.T) (*curatorEnv, *fakeProducts) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "curator.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	products := &fakeProducts{products: map[string]*model.Product{
		"3017620422003": {Barcode: "3017620422003"},
	}}

	importerCfg := config.ImporterConfig{CategoryAutoMin: 0.9, LabelAutoMin: 0.95}
	registry := insighttype.NewRegistry(importerCfg, insighttype.NewStaticBrandSource(insighttype.BrandData{}))
	require.NoError(t, registry.Complete())

	taxonomies := taxonomy.NewHolder(nil)
	locker := lock.NewMemoryLocker()

	env := &curatorEnv{
		Store:      st,
		Registry:   registry,
		Taxonomies: taxonomies,
		Locker:     locker,
		Notifier:   notify.Nop{},
		Importer:   importer.New(st, registry, taxonomies, products, importerCfg),
		Validator:  validator.New(st, registry, taxonomies, nil, 1),
		Annotator:  annotator.New(st, registry, products, locker, notify.Nop{}),
	}
	return env, products
}

func newTestMux(t *testing.T) (*http.ServeMux, *curatorEnv, *fakeProducts) {
	env, products := newTestEnv(t)
	mux := buildMux(env, monitoring.NewCollector(env.Store), 24)
	return mux, env, products
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func importPrediction(t *testing.T, mux *http.ServeMux, pred model.Prediction) {
	t.Helper()
	rr := doJSON(t, mux, http.MethodPost, "/api/v1/predictions/import", []model.Prediction{pred})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestMuxHealth(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rr := doJSON(t, mux, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMuxMetrics(t *testing.T) {
	mux, _, _ := newTestMux(t)
	importPrediction(t, mux, model.Prediction{
		Barcode: "3017620422003", Type: model.TypeCategory,
		ValueTag: "en:fish", Predictor: "matcher",
	})

	rr := doJSON(t, mux, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, 1, snap.CreatedInWindow)
}

func TestMuxImportAndList(t *testing.T) {
	mux, _, _ := newTestMux(t)
	importPrediction(t, mux, model.Prediction{
		Barcode: "3017620422003", Type: model.TypeCategory,
		ValueTag: "en:fish", Predictor: "matcher",
	})

	rr := doJSON(t, mux, http.MethodGet, "/api/v1/insights?barcode=3017620422003", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Count    int             `json:"count"`
		Insights []model.Insight `json:"insights"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "en:fish", body.Insights[0].ValueTag)
	assert.Equal(t, model.StatePending, body.Insights[0].State)
}

func TestMuxListRejectsUnknownType(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rr := doJSON(t, mux, http.MethodGet, "/api/v1/insights?type=nonsense", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMuxRandomInsight(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rr := doJSON(t, mux, http.MethodGet, "/api/v1/insights/random", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	importPrediction(t, mux, model.Prediction{
		Barcode: "3017620422003", Type: model.TypeCategory,
		ValueTag: "en:fish", Predictor: "matcher",
	})

	rr = doJSON(t, mux, http.MethodGet, "/api/v1/insights/random", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var ins model.Insight
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ins))
	assert.Equal(t, "en:fish", ins.ValueTag)
}

func TestMuxGetInsightWithEvents(t *testing.T) {
	mux, env, _ := newTestMux(t)
	importPrediction(t, mux, model.Prediction{
		Barcode: "3017620422003", Type: model.TypeCategory,
		ValueTag: "en:fish", Predictor: "matcher",
	})

	insights, err := env.Store.ListInsights(context.Background(), store.InsightFilter{})
	require.NoError(t, err)
	require.Len(t, insights, 1)

	rr := doJSON(t, mux, http.MethodGet, "/api/v1/insights/"+insights[0].ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Insight model.Insight        `json:"insight"`
		Events  []model.InsightEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, insights[0].ID, body.Insight.ID)
	require.NotEmpty(t, body.Events)
	assert.Equal(t, model.StatePending, body.Events[0].ToState)
}

func TestMuxGetInsightAbsent(t *testing.T) {
	mux, _, _ := newTestMux(t)
	rr := doJSON(t, mux, http.MethodGet, "/api/v1/insights/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMuxAnnotateAccept(t *testing.T) {
	mux, env, products := newTestMux(t)
	importPrediction(t, mux, model.Prediction{
		Barcode: "3017620422003", Type: model.TypeCategory,
		ValueTag: "en:fish", Predictor: "matcher",
	})

	insights, err := env.Store.ListInsights(context.Background(), store.InsightFilter{})
	require.NoError(t, err)
	require.Len(t, insights, 1)

	rr := doJSON(t, mux, http.MethodPost, "/api/v1/insights/annotate", map[string]any{
		"insight_id":   insights[0].ID,
		"annotation":   model.AnnotationAccept,
		"completed_by": "reviewer",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result model.AnnotationResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, model.StatusUpdated, result.Status)
	assert.Equal(t, 1, products.updates)

	// A second decision on the same insight conflicts.
	rr = doJSON(t, mux, http.MethodPost, "/api/v1/insights/annotate", map[string]any{
		"insight_id":   insights[0].ID,
		"annotation":   model.AnnotationReject,
		"completed_by": "reviewer",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestMuxAnnotateValidation(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rr := doJSON(t, mux, http.MethodPost, "/api/v1/insights/annotate", map[string]any{
		"annotation": 1, "completed_by": "reviewer",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, mux, http.MethodPost, "/api/v1/insights/annotate", map[string]any{
		"insight_id": "unknown", "annotation": 1, "completed_by": "reviewer",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, mux, http.MethodPost, "/api/v1/insights/annotate", map[string]any{
		"insight_id": "unknown", "annotation": 7, "completed_by": "reviewer",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMuxImportValidation(t *testing.T) {
	mux, _, _ := newTestMux(t)

	rr := doJSON(t, mux, http.MethodPost, "/api/v1/predictions/import", []model.Prediction{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, mux, http.MethodPost, "/api/v1/predictions/import", []model.Prediction{
		{Barcode: "", Type: model.TypeCategory, ValueTag: "en:fish", Predictor: "matcher"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
