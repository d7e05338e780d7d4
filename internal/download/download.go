// Package download implements the Download Service (spec.md §4.7): given
// a Dataset, it runs the right adapter, routes the result through the
// hybrid storage policy, and reports stage-labelled progress into the
// owning DownloadJob. It is invoked synchronously for small datasets and
// from a worker task for larger ones — this package knows nothing about
// queues, only about running one download to completion.
package download

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/policy"
)

// Store is the subset of the catalog the service reads/writes.
type Store interface {
	GetDataset(ctx context.Context, id string) (jobmodel.Dataset, error)
	GetServer(ctx context.Context, id string) (jobmodel.Server, error)
	RecordCacheState(ctx context.Context, datasetID string, cache jobmodel.CacheState) error
	UpdateDownloadJobProgress(ctx context.Context, id string, j jobmodel.DownloadJob) error
}

// AdapterResolver looks up the adapter implementation for a provider kind.
type AdapterResolver func(provider jobmodel.ProviderKind) (adapter.Interface, error)

// BackendResolver picks the storage.Backend for a storage mode.
type BackendResolver func(mode jobmodel.StorageMode) (storage.Backend, error)

// Service runs one DownloadJob to completion.
type Service struct {
	store       Store
	resolveAd   AdapterResolver
	resolveBe   BackendResolver
	policyCfg   policy.Config
	pageSize    int
	zlog        *zerolog.Logger
}

func New(store Store, resolveAd AdapterResolver, resolveBe BackendResolver, policyCfg policy.Config, pageSize int, zlog *zerolog.Logger) *Service {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Service{store: store, resolveAd: resolveAd, resolveBe: resolveBe, policyCfg: policyCfg, pageSize: pageSize, zlog: zlog}
}

// Result mirrors spec.md §4.7's returned summary.
type Result struct {
	Cancelled    bool
	Mode         jobmodel.StorageMode
	FeatureCount int
	SizeBytes    int64
}

func (s *Service) Run(ctx context.Context, job jobmodel.DownloadJob, cancel storage.CancelChecker) (Result, error) {
	start := time.Now()

	job.Stage = jobmodel.DownloadStageRouting
	if err := s.store.UpdateDownloadJobProgress(ctx, job.ID, job); err != nil {
		return Result{}, fmt.Errorf("%w: update routing stage: %v", jobmodel.ErrStorageFailure, err)
	}

	ds, err := s.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		return Result{}, fmt.Errorf("load dataset: %w", err)
	}
	srv, err := s.store.GetServer(ctx, ds.ServerID)
	if err != nil {
		return Result{}, fmt.Errorf("load server: %w", err)
	}
	ad, err := s.resolveAd(srv.Provider)
	if err != nil {
		return Result{}, fmt.Errorf("resolve adapter for provider %q: %w", srv.Provider, err)
	}

	if cancelled, _ := checkCancelled(ctx, cancel, job.ID); cancelled {
		return Result{Cancelled: true}, nil
	}

	tmp, err := os.CreateTemp("", "geocache-download-*.geojson")
	if err != nil {
		return Result{}, fmt.Errorf("%w: create temp file: %v", jobmodel.ErrStorageFailure, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	job.Stage = jobmodel.DownloadStageDownloading
	if err := s.store.UpdateDownloadJobProgress(ctx, job.ID, job); err != nil {
		return Result{}, fmt.Errorf("%w: update downloading stage: %v", jobmodel.ErrStorageFailure, err)
	}

	layer := adapter.LayerRef{URL: ds.AccessURL}
	var downloadErr error
	var dlResult adapter.DownloadResult

	progress := func(written, total int) {
		job.FeaturesDownloaded = written
		job.FeaturesTotal = total
		_ = s.store.UpdateDownloadJobProgress(ctx, job.ID, job)
	}

	switch job.Strategy {
	case jobmodel.StrategySimple:
		dlResult, downloadErr = ad.DownloadSimple(ctx, layer, tmpPath, nil)
	case jobmodel.StrategyPaged:
		dlResult, downloadErr = ad.DownloadPaged(ctx, layer, tmpPath, s.pageSize, nil, progress)
	case jobmodel.StrategyChunked, jobmodel.StrategyDistributed:
		// Chunked downloads are orchestrated at the task-queue level
		// (spec.md §4.8 process_download_job), which hands its merged file
		// to StoreAndFinalize rather than to Run; a chunked or distributed
		// job that reaches Run is downloaded through the paged path.
		dlResult, downloadErr = ad.DownloadPaged(ctx, layer, tmpPath, s.pageSize, nil, progress)
	default:
		return Result{}, fmt.Errorf("%w: unknown download strategy %q", jobmodel.ErrConfiguration, job.Strategy)
	}

	if downloadErr != nil {
		if cancelled, _ := checkCancelled(ctx, cancel, job.ID); cancelled {
			return Result{Cancelled: true}, nil
		}
		observability.ObserveJob("download", "failed", time.Since(start))
		return Result{}, fmt.Errorf("download dataset: %w", downloadErr)
	}
	if dlResult.FeatureCount <= 0 {
		observability.ObserveJob("download", "failed", time.Since(start))
		return Result{}, fmt.Errorf("%w: download produced zero features", jobmodel.ErrPolicyViolation)
	}

	if cancelled, _ := checkCancelled(ctx, cancel, job.ID); cancelled {
		return Result{Cancelled: true}, nil
	}

	return s.StoreAndFinalize(ctx, job, ds, tmpPath, dlResult.FeatureCount, cancel)
}

// StoreAndFinalize runs the storing → indexing → complete tail of
// spec.md §4.7 against an already-downloaded GeoJSON file at path. It is
// exported so the Job Orchestrator's chunked download path (which merges
// per-chunk landing files itself before this point) can reuse the same
// storage-routing and cache-state bookkeeping as the simple/paged path
// above, instead of duplicating it.
func (s *Service) StoreAndFinalize(ctx context.Context, job jobmodel.DownloadJob, ds jobmodel.Dataset, path string, featureCount int, cancel storage.CancelChecker) (Result, error) {
	log := logger.FromContext(ctx, s.zlog)
	start := time.Now()

	mode := policy.Select(s.policyCfg, featureCount, job.Strategy)
	backend, err := s.resolveBe(mode)
	if err != nil {
		return Result{}, fmt.Errorf("resolve storage backend for mode %q: %w", mode, err)
	}

	job.Stage = jobmodel.DownloadStageStoring
	job.FeaturesDownloaded = featureCount
	job.FeaturesTotal = featureCount
	if err := s.store.UpdateDownloadJobProgress(ctx, job.ID, job); err != nil {
		return Result{}, fmt.Errorf("%w: update storing stage: %v", jobmodel.ErrStorageFailure, err)
	}

	storeReq := storage.StoreRequest{
		DatasetID:   ds.ID,
		GeoJSONPath: path,
		JobID:       job.ID,
		TotalHint:   featureCount,
	}
	storeResult, err := backend.StoreDataset(ctx, storeReq, cancel, func(stored, total int) {
		job.FeaturesDownloaded = stored
		job.FeaturesTotal = total
		_ = s.store.UpdateDownloadJobProgress(ctx, job.ID, job)
	})
	if err != nil {
		observability.ObserveJob("download", "failed", time.Since(start))
		return Result{}, fmt.Errorf("store dataset: %w", err)
	}
	if storeResult.Cancelled {
		log.Info().Str("job_id", job.ID).Msg("download job cancelled during storage")
		return Result{Cancelled: true}, nil
	}

	job.Stage = jobmodel.DownloadStageIndexing
	if err := s.store.UpdateDownloadJobProgress(ctx, job.ID, job); err != nil {
		return Result{}, fmt.Errorf("%w: update indexing stage: %v", jobmodel.ErrStorageFailure, err)
	}

	now := time.Now()
	cache := jobmodel.CacheState{
		IsCached:       true,
		CachedAt:       &now,
		CacheTable:     storeResult.CacheTable,
		ObjectDataKey:  storeResult.ObjectDataKey,
		ObjectTilesKey: storeResult.ObjectTilesKey,
		StorageMode:    storeResult.Mode,
		SizeBytes:      storeResult.SizeBytes,
	}
	if err := s.store.RecordCacheState(ctx, ds.ID, cache); err != nil {
		return Result{}, fmt.Errorf("%w: record cache state: %v", jobmodel.ErrStorageFailure, err)
	}

	job.Stage = jobmodel.DownloadStageComplete
	job.FeaturesDownloaded = storeResult.FeatureCount
	job.FeaturesTotal = storeResult.FeatureCount
	if err := s.store.UpdateDownloadJobProgress(ctx, job.ID, job); err != nil {
		return Result{}, fmt.Errorf("%w: update complete stage: %v", jobmodel.ErrStorageFailure, err)
	}

	observability.ObserveJob("download", "completed", time.Since(start))
	log.Info().Str("job_id", job.ID).Str("dataset_id", ds.ID).Int("features", storeResult.FeatureCount).Msg("download completed")

	return Result{Mode: storeResult.Mode, FeatureCount: storeResult.FeatureCount, SizeBytes: storeResult.SizeBytes}, nil
}

func checkCancelled(ctx context.Context, cancel storage.CancelChecker, jobID string) (bool, error) {
	if cancel == nil || jobID == "" {
		return false, nil
	}
	return cancel.IsCancelled(ctx, jobID)
}
