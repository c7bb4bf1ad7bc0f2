package taxonomy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfdata/curator/internal/model"
)

const categoriesSnapshot = `{
	"en:fish": {"name": {"en": "Fish"}, "parents": []},
	"en:salmons": {"name": {"en": "Salmons"}, "parents": ["en:fish"]}
}`

func TestParse(t *testing.T) {
	tx, err := Parse([]byte(categoriesSnapshot))
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Len())
	assert.True(t, tx.IsAncestorOf("en:fish", "en:salmons"))
}

func TestParseInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{`))
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "categories.json")
	require.NoError(t, os.WriteFile(path, []byte(categoriesSnapshot), 0644))

	tx, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Len())
}

func TestLoaderHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/categories.json", r.URL.Path)
		w.Write([]byte(categoriesSnapshot))
	}))
	t.Cleanup(srv.Close)

	loader := NewLoader(srv.URL, "")
	tx, err := loader.Load(context.Background(), "categories")
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Len())
}

func TestLoaderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	loader := NewLoader(srv.URL, "")
	_, err := loader.Load(context.Background(), "categories")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHolderSwapAndForType(t *testing.T) {
	tx, err := Parse([]byte(categoriesSnapshot))
	require.NoError(t, err)

	holder := NewHolder(NewSet(map[string]*Taxonomy{"categories": tx}))

	set := holder.Current()
	require.NotNil(t, set.ForType(model.TypeCategory))
	assert.Nil(t, set.ForType(model.TypeBrand))

	empty, err := New(nil)
	require.NoError(t, err)
	holder.Swap(NewSet(map[string]*Taxonomy{"categories": empty}))
	assert.Equal(t, 0, holder.Current().ForType(model.TypeCategory).Len())
}

func TestCacheGetOrRefresh(t *testing.T) {
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	// Empty cache fetches.
	c := Cache[int]{TTL: time.Hour}
	val, c, err := GetOrRefresh(ctx, c, fetch)
	require.NoError(t, err)
	assert.Equal(t, 10, val)
	assert.Equal(t, 1, calls)

	// Fresh cache does not fetch again.
	val, c, err = GetOrRefresh(ctx, c, fetch)
	require.NoError(t, err)
	assert.Equal(t, 10, val)
	assert.Equal(t, 1, calls)

	// Expired cache refetches.
	c.FetchedAt = time.Now().Add(-2 * time.Hour)
	val, c, err = GetOrRefresh(ctx, c, fetch)
	require.NoError(t, err)
	assert.Equal(t, 20, val)
	assert.Equal(t, 2, calls)
	assert.True(t, c.Fresh(time.Now()))
}

func TestCacheGetOrRefreshKeepsStaleOnError(t *testing.T) {
	ctx := context.Background()
	c := NewCache(42, time.Now().Add(-2*time.Hour), time.Hour)

	val, c2, err := GetOrRefresh(ctx, c, func(ctx context.Context) (int, error) {
		return 0, eris.New("fetch failed")
	})
	require.Error(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, c, c2)
}
