package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/geocache-ingest/internal/core/health"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/orchestrator"
)

// Version is stamped at build time via -ldflags, mirroring the teacher's
// baseline-server convention.
var Version = "dev"

func main() {
	cfg := loadConfig()
	zlog := logger.Build(logger.Config{Level: cfg.LogLevel, Console: false, Component: "worker"}, os.Stdout)
	zlog.Info().Str("version", Version).Msg("starting geocache-ingest worker")

	registry := prometheus.NewRegistry()
	observability.Init(registry, true)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, &zlog)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to build worker application")
	}
	defer a.close()

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", health.Liveness())
	mux.Handle("GET /readyz", health.Readiness(a))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		zlog.Info().Str("addr", cfg.MetricsAddr).Msg("serving health/metrics")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error().Err(err).Msg("health/metrics server error")
		}
	}()

	id := hostname()
	workers := []*orchestrator.Worker{
		orchestrator.NewWorker(a.queue, orchestrator.WorkerConfig{
			Queue:         orchestrator.QueueCrawls,
			ConsumerGroup: "crawls-workers",
			ConsumerID:    id,
			MaxTasks:      cfg.WorkerMaxTasksPerLifetime,
			HardTimeLimit: cfg.TaskHardTimeLimit,
			SoftTimeLimit: cfg.TaskSoftTimeLimit,
		}, crawlHandler(a), nil, &zlog),
		orchestrator.NewWorker(a.queue, orchestrator.WorkerConfig{
			Queue:         orchestrator.QueueDownloads,
			ConsumerGroup: "downloads-workers",
			ConsumerID:    id,
			MaxTasks:      cfg.WorkerMaxTasksPerLifetime,
			HardTimeLimit: cfg.TaskHardTimeLimit,
			SoftTimeLimit: cfg.TaskSoftTimeLimit,
		}, downloadHandler(a), a.cancelChecker, &zlog),
		orchestrator.NewWorker(a.queue, orchestrator.WorkerConfig{
			Queue:         orchestrator.QueueExports,
			ConsumerGroup: "exports-workers",
			ConsumerID:    id,
			MaxTasks:      cfg.WorkerMaxTasksPerLifetime,
			HardTimeLimit: cfg.TaskHardTimeLimit,
			SoftTimeLimit: cfg.TaskSoftTimeLimit,
		}, exportHandler(a), nil, &zlog),
	}

	for _, w := range workers {
		wg.Add(1)
		go func(w *orchestrator.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				zlog.Error().Err(err).Msg("worker loop exited with error")
			}
		}(w)
	}

	<-ctx.Done()
	zlog.Info().Msg("shutdown signal received, draining workers")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	wg.Wait()
	zlog.Info().Msg("worker stopped")
}

// crawlHandler adapts CrawlOrchestrator.ProcessCrawlJob to orchestrator.Handler.
func crawlHandler(a *app) orchestrator.Handler {
	return func(ctx context.Context, task *orchestrator.Task) error {
		ctx = logger.WithJobID(ctx, task.JobID)
		ctx = logger.WithJobKind(ctx, string(jobmodel.JobCrawl))
		return a.crawlOrch.ProcessCrawlJob(ctx, task.JobID)
	}
}

// downloadHandler adapts DownloadOrchestrator.ProcessDownloadJob, passing
// the shared JobStatusChecker through as the download's cooperative-cancel
// poll (spec.md §4.8).
func downloadHandler(a *app) orchestrator.Handler {
	return func(ctx context.Context, task *orchestrator.Task) error {
		ctx = logger.WithJobID(ctx, task.JobID)
		ctx = logger.WithJobKind(ctx, string(jobmodel.JobDownload))
		return a.downloadOrch.ProcessDownloadJob(ctx, task.JobID, a.cancelChecker)
	}
}

// exportHandler adapts ExportOrchestrator.ProcessExportJob.
func exportHandler(a *app) orchestrator.Handler {
	return func(ctx context.Context, task *orchestrator.Task) error {
		ctx = logger.WithJobID(ctx, task.JobID)
		ctx = logger.WithJobKind(ctx, string(jobmodel.JobExport))
		return a.exportOrch.ProcessExportJob(ctx, task.JobID)
	}
}
