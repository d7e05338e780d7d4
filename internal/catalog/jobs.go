package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// CreateCrawlJob inserts a pending CrawlJob for a server and returns its ID.
func (s *Store) CreateCrawlJob(ctx context.Context, serverID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crawl_jobs (server_id) VALUES ($1) RETURNING id`, serverID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: create crawl job: %v", jobmodel.ErrStorageFailure, err)
	}
	return id, nil
}

// GetCrawlJob reads a CrawlJob by ID.
func (s *Store) GetCrawlJob(ctx context.Context, id string) (jobmodel.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, stage, total_services, services_processed, datasets_discovered,
			datasets_new, datasets_updated, error, retry_count, worker_task_id,
			created_at, started_at, completed_at, server_id
		FROM crawl_jobs WHERE id = $1`, id)

	var j jobmodel.CrawlJob
	err := row.Scan(&j.ID, &j.Status, &j.Stage, &j.TotalServices, &j.ServicesProcessed,
		&j.DatasetsDiscovered, &j.DatasetsNew, &j.DatasetsUpdated, &j.Error, &j.RetryCount,
		&j.WorkerTaskID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ServerID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.CrawlJob{}, fmt.Errorf("%w: crawl job not found", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.CrawlJob{}, fmt.Errorf("%w: scan crawl job: %v", jobmodel.ErrStorageFailure, err)
	}
	j.Kind = jobmodel.JobCrawl
	return j, nil
}

// UpdateCrawlJobProgress bumps the running counters the orchestrator reports
// as it walks a server's services (spec.md §4.8), and persists the job's
// status/started_at/completed_at alongside them so the in-memory state the
// orchestrator mutates (CrawlJob.Status/StartedAt/CompletedAt) actually
// lands in the row rather than leaving it stuck at its 'pending' default.
func (s *Store) UpdateCrawlJobProgress(ctx context.Context, id string, j jobmodel.CrawlJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE crawl_jobs SET stage = $2, total_services = $3, services_processed = $4,
			datasets_discovered = $5, datasets_new = $6, datasets_updated = $7,
			status = $8, error = NULLIF($9, ''),
			started_at = CASE WHEN status = 'pending' AND $8 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $10 THEN now() ELSE completed_at END
		WHERE id = $1`,
		id, string(j.Stage), j.TotalServices, j.ServicesProcessed,
		j.DatasetsDiscovered, j.DatasetsNew, j.DatasetsUpdated,
		string(j.Status), j.Error, j.Status.IsTerminal())
	if err != nil {
		return fmt.Errorf("%w: update crawl job progress: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// UpdateJobStatus is shared across all three job kinds: it transitions
// status, stamps started_at on the pending->running transition and
// completed_at on terminal states, and sets the error column from errMsg
// (NULL when errMsg is empty).
func (s *Store) UpdateJobStatus(ctx context.Context, kind jobmodel.JobKind, id string, status jobmodel.JobStatus, errMsg string) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET status = $2, error = NULLIF($3, ''),
			started_at = CASE WHEN status = 'pending' AND $2 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END
		WHERE id = $1`, table)
	_, err = s.pool.Exec(ctx, query, id, string(status), errMsg, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("%w: update %s job status: %v", jobmodel.ErrStorageFailure, kind, err)
	}
	return nil
}

// IncrementRetryCount bumps a job's retry_count, used by the orchestrator's
// backoff-and-requeue path (spec.md §4.8 retry policy).
func (s *Store) IncrementRetryCount(ctx context.Context, kind jobmodel.JobKind, id string) (int, error) {
	table, err := jobTable(kind)
	if err != nil {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`UPDATE %s SET retry_count = retry_count + 1 WHERE id = $1 RETURNING retry_count`, table)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: increment retry count: %v", jobmodel.ErrStorageFailure, err)
	}
	return count, nil
}

func jobTable(kind jobmodel.JobKind) (string, error) {
	switch kind {
	case jobmodel.JobCrawl:
		return "crawl_jobs", nil
	case jobmodel.JobDownload:
		return "download_jobs", nil
	case jobmodel.JobExport:
		return "export_jobs", nil
	default:
		return "", fmt.Errorf("%w: unknown job kind %q", jobmodel.ErrPolicyViolation, kind)
	}
}

// CreateDownloadJob inserts a pending DownloadJob for a dataset.
func (s *Store) CreateDownloadJob(ctx context.Context, datasetID string, strategy jobmodel.DownloadStrategy) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO download_jobs (dataset_id, strategy) VALUES ($1, $2) RETURNING id`,
		datasetID, string(strategy),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: create download job: %v", jobmodel.ErrStorageFailure, err)
	}
	return id, nil
}

// GetDownloadJob reads a DownloadJob by ID.
func (s *Store) GetDownloadJob(ctx context.Context, id string) (jobmodel.DownloadJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, stage, strategy, total_chunks, chunks_completed,
			features_downloaded, features_total, output_path, error, retry_count,
			worker_task_id, created_at, started_at, completed_at, dataset_id
		FROM download_jobs WHERE id = $1`, id)

	var j jobmodel.DownloadJob
	var outputPath *string
	err := row.Scan(&j.ID, &j.Status, &j.Stage, &j.Strategy, &j.TotalChunks, &j.ChunksCompleted,
		&j.FeaturesDownloaded, &j.FeaturesTotal, &outputPath, &j.Error, &j.RetryCount,
		&j.WorkerTaskID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.DatasetID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.DownloadJob{}, fmt.Errorf("%w: download job not found", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.DownloadJob{}, fmt.Errorf("%w: scan download job: %v", jobmodel.ErrStorageFailure, err)
	}
	j.Kind = jobmodel.JobDownload
	if outputPath != nil {
		j.OutputPath = *outputPath
	}
	return j, nil
}

// UpdateDownloadJobProgress reports stage and chunk/feature counters as the
// Download Service moves through routing -> downloading -> storing ->
// indexing -> complete (spec.md §4.7), and persists status/started_at/
// completed_at alongside them for the same reason UpdateCrawlJobProgress
// does: the orchestrator only ever mutates the in-memory DownloadJob, this
// is the call that needs to carry it to the row.
func (s *Store) UpdateDownloadJobProgress(ctx context.Context, id string, j jobmodel.DownloadJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE download_jobs SET stage = $2, total_chunks = $3, chunks_completed = $4,
			features_downloaded = $5, features_total = $6, output_path = $7,
			status = $8, error = NULLIF($9, ''),
			started_at = CASE WHEN status = 'pending' AND $8 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $10 THEN now() ELSE completed_at END
		WHERE id = $1`,
		id, string(j.Stage), j.TotalChunks, j.ChunksCompleted,
		j.FeaturesDownloaded, j.FeaturesTotal, nullIfEmpty(j.OutputPath),
		string(j.Status), j.Error, j.Status.IsTerminal())
	if err != nil {
		return fmt.Errorf("%w: update download job progress: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// CreateExportJob inserts a pending ExportJob for one or more datasets.
func (s *Store) CreateExportJob(ctx context.Context, j jobmodel.ExportJob) (string, error) {
	var minX, minY, maxX, maxY *float64
	if j.ClipPolygon != nil {
		minX, minY, maxX, maxY = &j.ClipPolygon.MinX, &j.ClipPolygon.MinY, &j.ClipPolygon.MaxX, &j.ClipPolygon.MaxY
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO export_jobs (dataset_ids, format, clip_min_x, clip_min_y, clip_max_x, clip_max_y,
			expires_at, params, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		j.DatasetIDs, string(j.Format), minX, minY, maxX, maxY, j.ExpiresAt, j.Params, j.UserID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("%w: create export job: %v", jobmodel.ErrStorageFailure, err)
	}
	return id, nil
}

// GetExportJob reads an ExportJob by ID.
func (s *Store) GetExportJob(ctx context.Context, id string) (jobmodel.ExportJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, format, clip_min_x, clip_min_y, clip_max_x, clip_max_y,
			expires_at, output_key, params, user_id, error, retry_count, worker_task_id,
			created_at, started_at, completed_at, dataset_ids
		FROM export_jobs WHERE id = $1`, id)

	var j jobmodel.ExportJob
	var minX, minY, maxX, maxY *float64
	var outputKey *string
	err := row.Scan(&j.ID, &j.Status, &j.Format, &minX, &minY, &maxX, &maxY,
		&j.ExpiresAt, &outputKey, &j.Params, &j.UserID, &j.Error, &j.RetryCount,
		&j.WorkerTaskID, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.DatasetIDs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.ExportJob{}, fmt.Errorf("%w: export job not found", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.ExportJob{}, fmt.Errorf("%w: scan export job: %v", jobmodel.ErrStorageFailure, err)
	}
	j.Kind = jobmodel.JobExport
	if minX != nil {
		j.ClipPolygon = &jobmodel.BBox{MinX: *minX, MinY: *minY, MaxX: *maxX, MaxY: *maxY}
	}
	if outputKey != nil {
		j.OutputKey = *outputKey
	}
	return j, nil
}

// CompleteExportJob records the finished output key alongside the terminal
// status transition handled by UpdateJobStatus.
func (s *Store) CompleteExportJob(ctx context.Context, id, outputKey string) error {
	_, err := s.pool.Exec(ctx, `UPDATE export_jobs SET output_key = $2 WHERE id = $1`, id, outputKey)
	if err != nil {
		return fmt.Errorf("%w: complete export job: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
