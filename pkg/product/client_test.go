package product

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/resilience"
)

func noRetry() Option {
	return WithRetry(resilience.RetryConfig{MaxAttempts: 1})
}

func TestGetProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/product/123":
			json.NewEncoder(w).Encode(map[string]any{
				"status": 1,
				"product": map[string]any{
					"code":            "123",
					"categories_tags": []string{"en:fish"},
					"quantity":        "500 g",
				},
			})
		case "/api/v2/product/404":
			w.WriteHeader(http.StatusNotFound)
		case "/api/v2/product/deleted":
			json.NewEncoder(w).Encode(map[string]any{"status": 0})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, noRetry())
	ctx := context.Background()

	p, err := c.GetProduct(ctx, "123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "123", p.Barcode)
	assert.Equal(t, []string{"en:fish"}, p.Categories)
	assert.Equal(t, "500 g", p.Quantity)

	p, err = c.GetProduct(ctx, "404")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = c.GetProduct(ctx, "deleted")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = c.GetProduct(ctx, "boom")
	assert.Error(t, err)
}

func TestGetProductRetriesTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":  1,
			"product": map[string]any{"code": "123"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}))
	p, err := c.GetProduct(context.Background(), "123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, calls)
}

func TestUpdateProduct(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cgi/product_jqm2.pl", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": 1})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithUserAgent("curator-test"))
	err := c.UpdateProduct(context.Background(), "123",
		map[string]string{"add_categories": "en:salmons"}, "[curator] add category en:salmons")
	require.NoError(t, err)

	assert.Equal(t, "123", gotForm["code"])
	assert.Equal(t, "en:salmons", gotForm["add_categories"])
	assert.Contains(t, gotForm["comment"], "en:salmons")
}

func TestUpdateProductRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": 0})
	}))
	defer srv.Close()

	err := NewClient(srv.URL).UpdateProduct(context.Background(), "123", nil, "noop")
	assert.Error(t, err)
}

func TestSnapshotLookup(t *testing.T) {
	now := time.Now().UTC()
	snap := NewSnapshot([]model.Product{
		{Barcode: "123", Quantity: "500 g"},
		{Barcode: "456"},
	}, now)

	p, err := snap.GetProduct(context.Background(), "123")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "500 g", p.Quantity)

	p, err = snap.GetProduct(context.Background(), "999")
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Equal(t, now, snap.GeneratedAt())
	assert.Equal(t, 2, snap.Len())
}

func TestSnapshotHolderRefresh(t *testing.T) {
	h := NewSnapshotHolder(nil)
	ctx := context.Background()

	require.NoError(t, h.Refresh(ctx, func(context.Context) ([]model.Product, error) {
		return []model.Product{{Barcode: "123"}}, nil
	}))
	p, err := h.GetProduct(ctx, "123")
	require.NoError(t, err)
	require.NotNil(t, p)

	// A failed refresh keeps serving the previous snapshot.
	before := h.GeneratedAt()
	err = h.Refresh(ctx, func(context.Context) ([]model.Product, error) {
		return nil, fmt.Errorf("dump unavailable")
	})
	require.Error(t, err)
	p, err = h.GetProduct(ctx, "123")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, before, h.GeneratedAt())
}

func TestDownloadDump(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/data/products.jsonl", r.URL.Path)
		fmt.Fprintln(w, `{"code":"123","categories_tags":["en:fish"]}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"code":"456","unique_scans_n":9}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL).(*httpClient)
	products, err := c.DownloadDump(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "123", products[0].Barcode)
	assert.Equal(t, 9, products[1].UniqueScans)
}
