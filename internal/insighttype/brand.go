package insighttype

import (
	"context"
	"strings"
	"sync"

	"github.com/shelfdata/curator/internal/model"
	"github.com/shelfdata/curator/internal/taxonomy"
)

// BrandData holds the reference tables the brand rule consults: brands
// that must never produce insights, and the brands observed per EAN-13
// company prefix.
type BrandData struct {
	Blacklist map[string]struct{}
	// Prefixes maps a 7-digit EAN-13 company prefix to the brand tags
	// observed under it. An empty map entry means the prefix is known
	// but unattributed.
	Prefixes map[string][]string
}

// BrandSource supplies BrandData with caching. Implementations refresh
// from the reference dataset on TTL expiry.
type BrandSource interface {
	Data(ctx context.Context) (BrandData, error)
}

// StaticBrandSource serves fixed BrandData. Used in tests and when the
// reference dataset is loaded once at startup.
type StaticBrandSource struct {
	data BrandData
}

func NewStaticBrandSource(data BrandData) *StaticBrandSource {
	return &StaticBrandSource{data: data}
}

func (s *StaticBrandSource) Data(ctx context.Context) (BrandData, error) {
	return s.data, nil
}

// CachedBrandSource wraps a fetch function with a TTL cache. Safe for
// concurrent use by importer workers.
type CachedBrandSource struct {
	fetch func(ctx context.Context) (BrandData, error)

	mu    sync.Mutex
	cache taxonomy.Cache[BrandData]
}

func NewCachedBrandSource(fetch func(ctx context.Context) (BrandData, error), cache taxonomy.Cache[BrandData]) *CachedBrandSource {
	return &CachedBrandSource{fetch: fetch, cache: cache}
}

func (s *CachedBrandSource) Data(ctx context.Context) (BrandData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, next, err := taxonomy.GetOrRefresh(ctx, s.cache, s.fetch)
	if err != nil {
		return data, err
	}
	s.cache = next
	return data, nil
}

// BarcodePrefix returns the 7-digit EAN-13 company prefix, or "" when
// the barcode is not a plain 13-digit EAN.
func BarcodePrefix(barcode string) string {
	if len(barcode) != 13 {
		return ""
	}
	for _, r := range barcode {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return barcode[:7]
}

// Brand insights propose a brand read off packaging or a logo.
type Brand struct {
	source BrandSource
}

func (b *Brand) Type() model.InsightType { return model.TypeBrand }
func (b *Brand) Hierarchical() bool      { return false }
func (b *Brand) AutoThreshold() float64  { return -1 }
func (b *Brand) PurgeOnImport() bool     { return false }
func (b *Brand) Singleton() bool         { return false }

func (b *Brand) Normalize(valueTag string) string {
	return strings.ToLower(strings.TrimSpace(valueTag))
}

func (b *Brand) SeenTags(product *model.Product) []string {
	return product.Brands
}

// Eligible rejects blacklisted brands and brands that contradict the
// barcode's known company prefix.
func (b *Brand) Eligible(ctx context.Context, product *model.Product, pred *model.Prediction) (bool, error) {
	tag := b.Normalize(pred.ValueTag)
	if tag == "" {
		return false, nil
	}
	if b.source == nil {
		return true, nil
	}

	data, err := b.source.Data(ctx)
	if err != nil {
		return false, err
	}
	if _, banned := data.Blacklist[tag]; banned {
		return false, nil
	}

	prefix := BarcodePrefix(product.Barcode)
	if prefix == "" {
		return true, nil
	}
	known, ok := data.Prefixes[prefix]
	if !ok || len(known) == 0 {
		return true, nil
	}
	for _, k := range known {
		if k == tag {
			return true, nil
		}
	}
	return false, nil
}

func (b *Brand) LatencyRule(product *model.Product, insight *model.Insight, _ *taxonomy.Taxonomy) Latency {
	if model.HasTag(product.Brands, insight.ValueTag) {
		return LatencyLatent
	}
	return LatencyKeep
}

func (b *Brand) AnnotateEffect(insight *model.Insight) (Effect, error) {
	value := insight.Value
	if value == "" {
		value = insight.ValueTag
	}
	return Effect{
		Patch:   map[string]string{"add_brands": value},
		Comment: "[curator] add brand " + value,
	}, nil
}
