package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/shelfdata/curator/internal/model"
)

// Name of the taxonomy serving each hierarchical insight type.
var taxonomyNames = map[model.InsightType]string{
	model.TypeCategory: "categories",
	model.TypeLabel:    "labels",
}

// snapshotNode is the wire shape of one node in a taxonomy snapshot
// document: {"en:fish": {"name": {...}, "synonyms": {...}, "parents": [...]}}.
type snapshotNode struct {
	Name     map[string]string   `json:"name"`
	Synonyms map[string][]string `json:"synonyms"`
	Parents  []string            `json:"parents"`
}

// Parse decodes a versioned taxonomy snapshot document.
func Parse(data []byte) (*Taxonomy, error) {
	var raw map[string]snapshotNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "taxonomy: decode snapshot")
	}

	nodes := make([]Node, 0, len(raw))
	for id, sn := range raw {
		nodes = append(nodes, Node{
			ID:        id,
			Names:     sn.Name,
			Synonyms:  sn.Synonyms,
			ParentIDs: sn.Parents,
		})
	}
	return New(nodes)
}

// LoadFile builds a taxonomy from a snapshot file on disk.
func LoadFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Loader fetches taxonomy snapshots over HTTP, throttled so refresh
// bursts do not hammer the static file host.
type Loader struct {
	baseURL  string
	localDir string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewLoader creates a Loader. When localDir is non-empty, snapshots are
// read from <localDir>/<name>.json instead of the network.
func NewLoader(baseURL, localDir string) *Loader {
	return &Loader{
		baseURL:  baseURL,
		localDir: localDir,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiter:  rate.NewLimiter(1, 2),
	}
}

// Load fetches and builds the named taxonomy.
func (l *Loader) Load(ctx context.Context, name string) (*Taxonomy, error) {
	if l.localDir != "" {
		return LoadFile(filepath.Join(l.localDir, name+".json"))
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "taxonomy: rate limit")
	}

	url := fmt.Sprintf("%s/%s.json", l.baseURL, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: build request %s", url)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: fetch %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("taxonomy: fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read body %s", url)
	}
	return Parse(data)
}

// Set is an immutable collection of taxonomies keyed by name.
type Set struct {
	byName map[string]*Taxonomy
}

// NewSet builds a Set from named taxonomies.
func NewSet(byName map[string]*Taxonomy) *Set {
	copied := make(map[string]*Taxonomy, len(byName))
	for k, v := range byName {
		copied[k] = v
	}
	return &Set{byName: copied}
}

// ByName returns the named taxonomy, or nil.
func (s *Set) ByName(name string) *Taxonomy {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// ForType returns the taxonomy serving the given insight type, or nil
// for non-hierarchical types.
func (s *Set) ForType(t model.InsightType) *Taxonomy {
	name, ok := taxonomyNames[t]
	if !ok {
		return nil
	}
	return s.ByName(name)
}

// Holder publishes the current Set to concurrent readers. Refresh
// builds a complete new Set and swaps the pointer, so readers never
// observe a half-built graph.
type Holder struct {
	current atomic.Pointer[Set]
}

// NewHolder returns a Holder publishing the given initial set.
func NewHolder(initial *Set) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Current returns the currently published set.
func (h *Holder) Current() *Set {
	return h.current.Load()
}

// Swap publishes a new set wholesale.
func (h *Holder) Swap(s *Set) {
	h.current.Store(s)
}

// RefreshAll loads every known taxonomy and publishes the result. A
// failure on any single taxonomy aborts the refresh and leaves the
// previous set in place.
func (h *Holder) RefreshAll(ctx context.Context, loader *Loader) error {
	byName := make(map[string]*Taxonomy, len(taxonomyNames))
	for _, name := range taxonomyNames {
		tx, err := loader.Load(ctx, name)
		if err != nil {
			return eris.Wrapf(err, "taxonomy: refresh %s", name)
		}
		byName[name] = tx
	}
	h.Swap(NewSet(byName))
	return nil
}
