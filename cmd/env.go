package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/annotator"
	"github.com/shelfdata/curator/internal/importer"
	"github.com/shelfdata/curator/internal/insighttype"
	"github.com/shelfdata/curator/internal/lock"
	"github.com/shelfdata/curator/internal/store"
	"github.com/shelfdata/curator/internal/taxonomy"
	"github.com/shelfdata/curator/internal/validator"
	"github.com/shelfdata/curator/pkg/notify"
	"github.com/shelfdata/curator/pkg/product"
)

// curatorEnv holds the initialized store, clients, and lifecycle
// components shared by the serve/scheduler/import commands.
type curatorEnv struct {
	Store      store.Store
	Registry   *insighttype.Registry
	Taxonomies *taxonomy.Holder
	Loader     *taxonomy.Loader
	Products   product.Client
	Snapshot   *product.SnapshotHolder
	Locker     lock.Locker
	Notifier   notify.Notifier
	Importer   *importer.Importer
	Validator  *validator.Validator
	Annotator  *annotator.Annotator

	redisClient *redis.Client
}

// Close releases resources held by the environment.
func (e *curatorEnv) Close() {
	if e.redisClient != nil {
		_ = e.redisClient.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "curator.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, clients, registry, and lifecycle
// components. Callers should defer env.Close().
func initEnv(ctx context.Context) (*curatorEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	products := product.NewClient(cfg.Product.BaseURL,
		product.WithRateLimit(cfg.Product.RateLimit),
		product.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Product.TimeoutSecs) * time.Second,
		}),
	)

	// Empty FetchedAt forces a fetch on first use; the TTL governs
	// refreshes after that.
	brandTTL := time.Duration(cfg.Taxonomy.RefreshTTLHours) * time.Hour
	brands := insighttype.NewCachedBrandSource(
		fetchBrandData(cfg.Taxonomy.BaseURL),
		taxonomy.Cache[insighttype.BrandData]{TTL: brandTTL},
	)

	registry := insighttype.NewRegistry(cfg.Importer, brands)
	if err := registry.Complete(); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "insight type registry")
	}

	loader := taxonomy.NewLoader(cfg.Taxonomy.BaseURL, cfg.Taxonomy.LocalDir)
	taxonomies := taxonomy.NewHolder(nil)
	if err := taxonomies.RefreshAll(ctx, loader); err != nil {
		// Hierarchy handling degrades gracefully without taxonomies;
		// the scheduler retries the load on its refresh cycle.
		zap.L().Warn("initial taxonomy load failed", zap.Error(err))
	}

	snapshot := product.NewSnapshotHolder(nil)

	var locker lock.Locker
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		locker = lock.NewRedisLocker(redisClient)
		zap.L().Info("using redis locker", zap.String("addr", cfg.Redis.Addr))
	} else {
		locker = lock.NewMemoryLocker()
		zap.L().Info("redis not configured, using in-process locker")
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL)
	}

	imp := importer.New(st, registry, taxonomies, products, cfg.Importer)
	val := validator.New(st, registry, taxonomies, snapshot, cfg.Scheduler.Workers)
	ann := annotator.New(st, registry, products, locker, notifier)

	return &curatorEnv{
		Store:       st,
		Registry:    registry,
		Taxonomies:  taxonomies,
		Loader:      loader,
		Products:    products,
		Snapshot:    snapshot,
		Locker:      locker,
		Notifier:    notifier,
		Importer:    imp,
		Validator:   val,
		Annotator:   ann,
		redisClient: redisClient,
	}, nil
}

// fetchBrandData downloads the brand curation data (blacklisted brand
// tags and known barcode-prefix ownership) published alongside the
// taxonomy snapshots.
func fetchBrandData(baseURL string) func(ctx context.Context) (insighttype.BrandData, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context) (insighttype.BrandData, error) {
		var data insighttype.BrandData

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/brands.json", nil)
		if err != nil {
			return data, eris.Wrap(err, "brand data: build request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return data, eris.Wrap(err, "brand data: fetch")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return data, eris.Errorf("brand data: status %d", resp.StatusCode)
		}

		var payload struct {
			Blacklist []string            `json:"blacklist"`
			Prefixes  map[string][]string `json:"prefixes"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return data, eris.Wrap(err, "brand data: decode")
		}

		data.Blacklist = make(map[string]struct{}, len(payload.Blacklist))
		for _, tag := range payload.Blacklist {
			data.Blacklist[tag] = struct{}{}
		}
		data.Prefixes = payload.Prefixes
		return data, nil
	}
}
