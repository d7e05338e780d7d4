// Command crawlcli is a one-shot operator tool: register (or look up) a
// Server and enqueue a crawl task for it, mirroring the teacher's
// flag-driven cmd/baseline-loadgen rather than a long-running process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/catalog"
	coreconfig "github.com/mohammed-shakir/geocache-ingest/internal/core/config"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/orchestrator"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/spatialdb"

	"github.com/redis/go-redis/v9"
)

// Config mirrors cmd/baseline-loadgen's flag.*Var convention: one struct,
// one loadConfig, no subcommand framework.
type Config struct {
	ServerID    string
	Name        string
	BaseURL     string
	Provider    string
	CountryHint string
	Wait        bool
	WaitTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.ServerID, "server-id", "", "Existing server ID to crawl (skip -name/-base-url/-provider)")
	flag.StringVar(&cfg.Name, "name", "", "Server display name, for a new server registration")
	flag.StringVar(&cfg.BaseURL, "base-url", "", "Server base URL, for a new server registration")
	flag.StringVar(&cfg.Provider, "provider", "", "Provider kind: arcgis|ckan|wfs|wcs|opendatasoft|s3listing|atom|direct|gee")
	flag.StringVar(&cfg.CountryHint, "country-hint", "", "Comma-separated ISO country codes for proxy selection")
	flag.BoolVar(&cfg.Wait, "wait", false, "Block and poll the crawl job until it reaches a terminal state")
	flag.DurationVar(&cfg.WaitTimeout, "wait-timeout", 5*time.Minute, "Max time to poll with -wait")
	flag.Parse()
	return cfg
}

func main() {
	cfg := loadConfig()
	zlog := logger.Build(logger.Config{Level: "info", Console: true, Component: "crawlcli"}, os.Stdout)

	if cfg.ServerID == "" && (cfg.BaseURL == "" || cfg.Provider == "") {
		fmt.Fprintln(os.Stderr, "crawlcli: either -server-id, or both -base-url and -provider, are required")
		flag.Usage()
		os.Exit(2)
	}

	appCfg := coreconfig.FromEnv()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := spatialdb.Connect(ctx, appCfg.DatabaseURL)
	if err != nil {
		zlog.Fatal().Err(err).Msg("connect catalog db")
	}
	defer pool.Close()
	store := catalog.New(pool)

	serverID := cfg.ServerID
	if serverID == "" {
		serverID, err = registerServer(ctx, store, cfg)
		if err != nil {
			zlog.Fatal().Err(err).Msg("register server")
		}
		fmt.Printf("registered server %s\n", serverID)
	}

	jobID, err := store.CreateCrawlJob(ctx, serverID)
	if err != nil {
		zlog.Fatal().Err(err).Msg("create crawl job")
	}
	fmt.Printf("created crawl job %s for server %s\n", jobID, serverID)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})
	defer redisClient.Close()
	queue := orchestrator.NewRedisStreamsBackend(redisClient)

	if err := queue.Enqueue(ctx, orchestrator.QueueCrawls, jobID, map[string]any{"server_id": serverID}); err != nil {
		zlog.Fatal().Err(err).Msg("enqueue crawl task")
	}
	fmt.Printf("enqueued job %s on queue %q\n", jobID, orchestrator.QueueCrawls)

	if !cfg.Wait {
		return
	}
	waitCtx, cancelWait := context.WithTimeout(context.Background(), cfg.WaitTimeout)
	defer cancelWait()
	if err := waitForTerminal(waitCtx, store, jobID, cfg.WaitTimeout, &zlog); err != nil {
		zlog.Fatal().Err(err).Msg("wait for crawl job")
	}
}

func registerServer(ctx context.Context, store *catalog.Store, cfg Config) (string, error) {
	srv := jobmodel.Server{
		Name:     cfg.Name,
		BaseURL:  cfg.BaseURL,
		Provider: jobmodel.ProviderKind(cfg.Provider),
		Connection: jobmodel.ConnectionInfo{
			CountryHint: cfg.CountryHint,
		},
		CountryHint: cfg.CountryHint,
	}
	if srv.Name == "" {
		srv.Name = srv.BaseURL
	}
	return store.UpsertServer(ctx, srv)
}

// waitForTerminal polls the crawl job's own status row rather than the
// queue, since a crawl that's already been dequeued and is running no
// longer has a queue-level delivery handle for this process to watch.
func waitForTerminal(ctx context.Context, store *catalog.Store, jobID string, timeout time.Duration, zlog *zerolog.Logger) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		job, err := store.GetCrawlJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("poll crawl job: %w", err)
		}
		zlog.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Str("stage", string(job.Stage)).Msg("polling crawl job")
		switch job.Status {
		case jobmodel.JobCompleted:
			summary, _ := json.Marshal(job)
			fmt.Printf("crawl job %s completed: %s\n", jobID, summary)
			return nil
		case jobmodel.JobFailed:
			return fmt.Errorf("crawl job %s failed: %s", jobID, job.Error)
		case jobmodel.JobCancelled:
			return fmt.Errorf("crawl job %s was cancelled", jobID)
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for crawl job to reach a terminal state")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
