package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
)

// CrawlStore is the subset of the catalog the crawl orchestration needs.
type CrawlStore interface {
	GetCrawlJob(ctx context.Context, id string) (jobmodel.CrawlJob, error)
	UpdateCrawlJobProgress(ctx context.Context, id string, j jobmodel.CrawlJob) error
	GetServer(ctx context.Context, id string) (jobmodel.Server, error)
	UpsertServer(ctx context.Context, srv jobmodel.Server) (string, error)
	UpsertDataset(ctx context.Context, d jobmodel.Dataset) (id string, isNew bool, err error)
	MarkDatasetsInactive(ctx context.Context, serverID string, seenAccessURLs []string) error
}

// crawlFanOut bounds the number of layers upserted concurrently, matching
// spec.md §5's "adapter tasks run in parallel groups of up to 10".
const crawlFanOut = 10

// CrawlOrchestrator runs process_crawl_job (spec.md §4.8).
type CrawlOrchestrator struct {
	store   CrawlStore
	resolve AdapterResolver
	zlog    *zerolog.Logger
}

// AdapterResolver looks up the adapter implementation for a provider kind.
type AdapterResolver func(provider jobmodel.ProviderKind) (adapter.Interface, error)

func NewCrawlOrchestrator(store CrawlStore, resolve AdapterResolver, zlog *zerolog.Logger) *CrawlOrchestrator {
	return &CrawlOrchestrator{store: store, resolve: resolve, zlog: zlog}
}

// ProcessCrawlJob discovers every dataset a Server exposes and upserts
// it into the catalog, then finalizes the Server's health and the
// CrawlJob's counters (spec.md §4.8 "Crawl orchestration"). Discovery
// itself is a single sequential walk per adapter.Interface's contract
// (DiscoverDatasets already walks root+folders/packages internally); the
// "parallel groups of up to 10" fan-out spec.md describes is applied here
// at the upsert stage, since that is the boundary at which this build's
// adapter.Interface yields independent units of work.
func (o *CrawlOrchestrator) ProcessCrawlJob(ctx context.Context, jobID string) error {
	log := logger.FromContext(ctx, o.zlog)
	start := time.Now()

	job, err := o.store.GetCrawlJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load crawl job: %w", err)
	}
	job.Status = jobmodel.JobRunning
	job.Stage = jobmodel.CrawlStageDiscovering
	now := time.Now()
	job.StartedAt = &now
	if err := o.store.UpdateCrawlJobProgress(ctx, jobID, job); err != nil {
		return fmt.Errorf("mark crawl running: %w", err)
	}

	srv, err := o.store.GetServer(ctx, job.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}
	ad, err := o.resolve(srv.Provider)
	if err != nil {
		return fmt.Errorf("resolve adapter for provider %q: %w", srv.Provider, err)
	}

	job.Stage = jobmodel.CrawlStageProcessing
	if err := o.store.UpdateCrawlJobProgress(ctx, jobID, job); err != nil {
		return fmt.Errorf("mark crawl processing: %w", err)
	}

	var mu sync.Mutex
	sem := make(chan struct{}, crawlFanOut)
	var wg sync.WaitGroup
	var firstErr error
	var seenAccessURLs []string

	flush := func() {
		mu.Lock()
		defer mu.Unlock()
		_ = o.store.UpdateCrawlJobProgress(ctx, jobID, job)
	}

	failedServices, discoverErr := ad.DiscoverDatasets(ctx, srv, func(ds jobmodel.Dataset) error {
		mu.Lock()
		if firstErr != nil {
			mu.Unlock()
			return firstErr
		}
		mu.Unlock()

		ds.ServerID = srv.ID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			_, isNew, err := o.store.UpsertDataset(ctx, ds)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			seenAccessURLs = append(seenAccessURLs, ds.AccessURL)
			job.DatasetsDiscovered++
			if isNew {
				job.DatasetsNew++
			} else {
				job.DatasetsUpdated++
			}
		}()
		return nil
	})
	wg.Wait()
	flush()

	if discoverErr != nil {
		// failedServices is still 0 here whenever discovery died reaching the
		// root catalog itself (before any per-service fetch is attempted),
		// so this is the "cannot reach the root catalog at all" case the
		// health rollup rule calls Offline.
		if failedServices == 0 {
			srv.Health = jobmodel.HealthOffline
			_, _ = o.store.UpsertServer(ctx, srv)
		}
		o.fail(ctx, jobID, job, discoverErr)
		observability.ObserveJob("crawl", "failed", time.Since(start))
		return fmt.Errorf("discover datasets: %w", discoverErr)
	}
	if firstErr != nil {
		o.fail(ctx, jobID, job, firstErr)
		observability.ObserveJob("crawl", "failed", time.Since(start))
		return fmt.Errorf("upsert dataset: %w", firstErr)
	}

	job.ServicesProcessed = 1
	job.TotalServices = 1
	job.Stage = jobmodel.CrawlStageFinalizing
	if err := o.store.UpdateCrawlJobProgress(ctx, jobID, job); err != nil {
		return fmt.Errorf("mark crawl finalizing: %w", err)
	}

	if err := o.store.MarkDatasetsInactive(ctx, srv.ID, seenAccessURLs); err != nil {
		return fmt.Errorf("mark stale datasets inactive: %w", err)
	}

	// Health rollup rule: zero service-fetch errors -> Healthy, some (but we
	// got this far, so not all) failing -> Degraded; the root-catalog-
	// unreachable / Offline case was handled above on the discoverErr path.
	if failedServices == 0 {
		srv.Health = jobmodel.HealthHealthy
	} else {
		srv.Health = jobmodel.HealthDegraded
	}
	if _, err := o.store.UpsertServer(ctx, srv); err != nil {
		return fmt.Errorf("mark server health: %w", err)
	}

	job.Status = jobmodel.JobCompleted
	job.Stage = jobmodel.CrawlStageComplete
	completed := time.Now()
	job.CompletedAt = &completed
	if err := o.store.UpdateCrawlJobProgress(ctx, jobID, job); err != nil {
		return fmt.Errorf("mark crawl completed: %w", err)
	}

	observability.ObserveJob("crawl", "completed", time.Since(start))
	log.Info().Str("job_id", jobID).Str("server_id", srv.ID).
		Int("datasets_discovered", job.DatasetsDiscovered).
		Int("datasets_new", job.DatasetsNew).
		Int("datasets_updated", job.DatasetsUpdated).
		Msg("crawl completed")
	return nil
}

func (o *CrawlOrchestrator) fail(ctx context.Context, jobID string, job jobmodel.CrawlJob, cause error) {
	if jobmodel.IsCancelled(cause) {
		job.Status = jobmodel.JobCancelled
	} else {
		job.Status = jobmodel.JobFailed
		job.Error = cause.Error()
	}
	now := time.Now()
	job.CompletedAt = &now
	_ = o.store.UpdateCrawlJobProgress(ctx, jobID, job)
}
