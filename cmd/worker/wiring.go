package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/adapter/arcgis"
	"github.com/mohammed-shakir/geocache-ingest/internal/adapter/ckan"
	"github.com/mohammed-shakir/geocache-ingest/internal/catalog"
	"github.com/mohammed-shakir/geocache-ingest/internal/changedetect"
	coreconfig "github.com/mohammed-shakir/geocache-ingest/internal/core/config"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/httpclient"
	"github.com/mohammed-shakir/geocache-ingest/internal/download"
	"github.com/mohammed-shakir/geocache-ingest/internal/export"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/orchestrator"
	"github.com/mohammed-shakir/geocache-ingest/internal/proxymgr"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/objectstore"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/policy"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/spatialdb"
)

// app bundles every long-lived component one worker process needs,
// assembled once at startup and shared by the three per-queue Workers.
type app struct {
	cfg          coreconfig.Config
	pool         *pgxpool.Pool
	store        *catalog.Store
	spatial      *spatialdb.Backend
	object       *objectstore.Backend
	queue        *orchestrator.RedisStreamsBackend
	cancelChecker *spatialdb.JobStatusChecker
	detector     *changedetect.Detector
	downloadSvc  *download.Service
	crawlOrch    *orchestrator.CrawlOrchestrator
	downloadOrch *orchestrator.DownloadOrchestrator
	exportOrch   *orchestrator.ExportOrchestrator
}

func buildApp(ctx context.Context, cfg coreconfig.Config, zlog *zerolog.Logger) (*app, error) {
	pool, err := spatialdb.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect catalog/spatial db: %w", err)
	}
	store := catalog.New(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	objectBackend, err := objectstore.New(ctx, objectstore.Config{
		Bucket:         cfg.S3Bucket,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3ForcePathStyle,
		TippecanoePath: cfg.TippecanoePath,
		MinZoom:        objectstore.DefaultMinZoom,
		MaxZoom:        objectstore.DefaultMaxZoom,
	}, zlog)
	if err != nil {
		return nil, fmt.Errorf("build object store backend: %w", err)
	}

	spatialBackend := spatialdb.New(pool, zlog)
	resolveBackend := backendResolver(spatialBackend, objectBackend)

	proxies := buildProxyManager(cfg)
	outbound := httpclient.NewOutbound(nil)
	resolveAdapter := adapterResolver(outbound, proxies, zlog)

	policyCfg := policy.Config{
		Backend:                     string(cfg.StorageBackend),
		MinFeaturesForObjectStorage: cfg.MinFeaturesForObjectStorage,
		UseObjectStorageForLarge:    cfg.UseObjectStorageForLarge,
	}
	downloadSvc := download.New(store, resolveAdapter, resolveBackend, policyCfg, 1000, zlog)

	detector, err := changedetect.New(store, resolveAdapter, 0, zlog)
	if err != nil {
		return nil, fmt.Errorf("build change detector: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queueBackend := orchestrator.NewRedisStreamsBackend(redisClient)
	cancelChecker := &spatialdb.JobStatusChecker{Pool: pool}

	exportCfg := export.Config{
		TippecanoePath: cfg.TippecanoePath,
		MinZoom:        objectstore.DefaultMinZoom,
		MaxZoom:        objectstore.DefaultMaxZoom,
	}

	return &app{
		cfg:           cfg,
		pool:          pool,
		store:         store,
		spatial:       spatialBackend,
		object:        objectBackend,
		queue:         queueBackend,
		cancelChecker: cancelChecker,
		detector:      detector,
		downloadSvc:   downloadSvc,
		crawlOrch:     orchestrator.NewCrawlOrchestrator(store, resolveAdapter, zlog),
		downloadOrch:  orchestrator.NewDownloadOrchestrator(store, resolveAdapter, downloadSvc, zlog),
		exportOrch:    orchestrator.NewExportOrchestrator(store, resolveBackend, objectBackend, exportCfg, zlog),
	}, nil
}

func (a *app) close() {
	a.pool.Close()
}

// Readiness implements internal/core/health.ReadinessReporter.
func (a *app) Readiness() (bool, map[string]string) {
	detail := map[string]string{}
	ready := true
	if err := a.pool.Ping(context.Background()); err != nil {
		ready = false
		detail["catalog_db"] = err.Error()
	}
	if err := a.queue.Health(context.Background()); err != nil {
		ready = false
		detail["queue"] = err.Error()
	}
	return ready, detail
}

func buildProxyManager(cfg coreconfig.Config) *proxymgr.Manager {
	var providers []proxymgr.Provider
	if pool := coreconfig.ParseStaticProxyPool(cfg.ProxyStaticPool); len(pool) > 0 {
		providers = append(providers, proxymgr.NewStaticProvider(pool))
	}
	if cfg.ProxyPaidAPIKey != "" {
		providers = append(providers, proxymgr.NewPaidProvider(cfg.ProxyPaidAPIKey, cfg.ProxyPaidEndpoint))
	}
	return proxymgr.New(providers...)
}

// adapterResolver maps a Server's ProviderKind to the matching Provider
// Adapter (spec.md §4.2). Only ArcGIS and CKAN are implemented in this
// build; other ProviderKind values are rejected with ErrConfiguration
// rather than silently no-opping.
func adapterResolver(httpClient *http.Client, proxies *proxymgr.Manager, zlog *zerolog.Logger) func(provider jobmodel.ProviderKind) (adapter.Interface, error) {
	arcgisAdapter := arcgis.New(httpClient, proxies, zlog)
	ckanAdapter := ckan.New(httpClient, proxies, zlog)
	return func(provider jobmodel.ProviderKind) (adapter.Interface, error) {
		switch provider {
		case jobmodel.ProviderArcGIS:
			return arcgisAdapter, nil
		case jobmodel.ProviderCKAN:
			return ckanAdapter, nil
		default:
			return nil, fmt.Errorf("%w: no adapter implemented for provider %q", jobmodel.ErrConfiguration, provider)
		}
	}
}

// backendResolver maps a Dataset's StorageMode to the matching Backend
// (spec.md §4.4 hybrid policy: mutually exclusive per dataset).
func backendResolver(spatial *spatialdb.Backend, object *objectstore.Backend) func(mode jobmodel.StorageMode) (storage.Backend, error) {
	return func(mode jobmodel.StorageMode) (storage.Backend, error) {
		switch mode {
		case jobmodel.StorageModeSpatialDB:
			return spatial, nil
		case jobmodel.StorageModeColumnar:
			return object, nil
		default:
			return nil, fmt.Errorf("%w: no backend for storage mode %q", jobmodel.ErrConfiguration, mode)
		}
	}
}
