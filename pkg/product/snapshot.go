package product

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfdata/curator/internal/model"
)

// Snapshot is a point-in-time product dataset. Lookups are local, so a
// validation pass over many insights does not hammer the live service.
type Snapshot struct {
	products    map[string]*model.Product
	generatedAt time.Time
}

// NewSnapshot builds a snapshot from a product list.
func NewSnapshot(products []model.Product, generatedAt time.Time) *Snapshot {
	byBarcode := make(map[string]*model.Product, len(products))
	for i := range products {
		byBarcode[products[i].Barcode] = &products[i]
	}
	return &Snapshot{products: byBarcode, generatedAt: generatedAt}
}

// GetProduct looks up one product; (nil, nil) when absent.
func (s *Snapshot) GetProduct(_ context.Context, barcode string) (*model.Product, error) {
	return s.products[barcode], nil
}

// GeneratedAt is the snapshot build time.
func (s *Snapshot) GeneratedAt() time.Time { return s.generatedAt }

// Len is the number of products in the snapshot.
func (s *Snapshot) Len() int { return len(s.products) }

// SnapshotHolder publishes the current snapshot to concurrent readers
// and swaps it wholesale on dataset refresh.
type SnapshotHolder struct {
	current atomic.Pointer[Snapshot]
}

func NewSnapshotHolder(initial *Snapshot) *SnapshotHolder {
	h := &SnapshotHolder{}
	if initial == nil {
		initial = NewSnapshot(nil, time.Time{})
	}
	h.current.Store(initial)
	return h
}

func (h *SnapshotHolder) Current() *Snapshot { return h.current.Load() }

// GetProduct serves from the current snapshot.
func (h *SnapshotHolder) GetProduct(ctx context.Context, barcode string) (*model.Product, error) {
	return h.Current().GetProduct(ctx, barcode)
}

// GeneratedAt is the current snapshot's build time.
func (h *SnapshotHolder) GeneratedAt() time.Time {
	return h.Current().GeneratedAt()
}

// Refresh fetches a new dataset and publishes it. A fetch failure
// leaves the previous snapshot in place.
func (h *SnapshotHolder) Refresh(ctx context.Context, fetch func(ctx context.Context) ([]model.Product, error)) error {
	products, err := fetch(ctx)
	if err != nil {
		return eris.Wrap(err, "product: refresh snapshot")
	}
	h.current.Store(NewSnapshot(products, time.Now().UTC()))
	return nil
}

// DownloadDump streams the product dump (one JSON document per line)
// from the service's export endpoint.
func (c *httpClient) DownloadDump(ctx context.Context) ([]model.Product, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "product: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/data/products.jsonl", nil)
	if err != nil {
		return nil, eris.Wrap(err, "product: build dump request")
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "product: fetch dump")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("product: fetch dump: status %d", resp.StatusCode)
	}

	var products []model.Product
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p model.Product
		if err := json.Unmarshal(line, &p); err != nil {
			return nil, eris.Wrap(err, "product: parse dump line")
		}
		products = append(products, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "product: read dump")
	}
	return products, nil
}

// DumpFetcher exposes the dump download on the Client interface
// implementations that support it.
type DumpFetcher interface {
	DownloadDump(ctx context.Context) ([]model.Product, error)
}
