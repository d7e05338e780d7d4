package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// InsertDownloadChunks bulk-inserts the partition plan for a chunked or
// distributed DownloadJob (spec.md §4.7's parallel-download fan-out).
func (s *Store) InsertDownloadChunks(ctx context.Context, chunks []jobmodel.DownloadChunk) error {
	batch := &pgx.Batch{}
	for _, c := range chunks {
		params, err := json.Marshal(c.Params)
		if err != nil {
			return fmt.Errorf("marshal chunk params: %w", err)
		}
		batch.Queue(`
			INSERT INTO download_chunks (job_id, ordinal, strategy, params, status)
			VALUES ($1, $2, $3, $4, $5)`,
			c.JobID, c.Ordinal, string(c.Strategy), params, string(jobmodel.JobPending))
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("%w: insert download chunks: %v", jobmodel.ErrStorageFailure, err)
		}
	}
	return nil
}

// UpdateChunkStatus records one chunk's terminal or in-flight state, along
// with its output path and counters once it finishes.
func (s *Store) UpdateChunkStatus(ctx context.Context, jobID string, ordinal int, c jobmodel.DownloadChunk) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE download_chunks SET status = $3, output_path = $4, feature_count = $5,
			size_bytes = $6, error = NULLIF($7, ''),
			started_at = CASE WHEN $3 = 'running' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $8 THEN now() ELSE completed_at END
		WHERE job_id = $1 AND ordinal = $2`,
		jobID, ordinal, string(c.Status), c.OutputPath, c.FeatureCount, c.SizeBytes,
		c.Error, c.Status.IsTerminal())
	if err != nil {
		return fmt.Errorf("%w: update chunk status: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// ListChunksForJob returns every chunk of a DownloadJob ordered by ordinal,
// for the Download Service's completion-check and reassembly steps.
func (s *Store) ListChunksForJob(ctx context.Context, jobID string) ([]jobmodel.DownloadChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, ordinal, strategy, params, status, output_path, feature_count,
			size_bytes, error, started_at, completed_at
		FROM download_chunks WHERE job_id = $1 ORDER BY ordinal`, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks for job: %v", jobmodel.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []jobmodel.DownloadChunk
	for rows.Next() {
		var c jobmodel.DownloadChunk
		var params []byte
		var outputPath *string
		if err := rows.Scan(&c.JobID, &c.Ordinal, &c.Strategy, &params, &c.Status, &outputPath,
			&c.FeatureCount, &c.SizeBytes, &c.Error, &c.StartedAt, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("%w: scan download chunk: %v", jobmodel.ErrStorageFailure, err)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &c.Params)
		}
		if outputPath != nil {
			c.OutputPath = *outputPath
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksComplete reports whether every chunk of jobID has reached a
// terminal state, and how many succeeded.
func (s *Store) ChunksComplete(ctx context.Context, jobID string) (done bool, succeeded int, err error) {
	var total, terminal, ok int
	row := s.pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status IN ('completed', 'failed', 'cancelled')),
			count(*) FILTER (WHERE status = 'completed')
		FROM download_chunks WHERE job_id = $1`, jobID)
	if err := row.Scan(&total, &terminal, &ok); err != nil {
		return false, 0, fmt.Errorf("%w: check chunks complete: %v", jobmodel.ErrStorageFailure, err)
	}
	return total > 0 && total == terminal, ok, nil
}
