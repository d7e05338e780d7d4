// Package catalog is the Catalog Store (spec.md §4.3): the single
// source of truth for Servers, Datasets, Jobs, DownloadChunks and
// ChangeChecks, backed by Postgres via pgx/v5.
package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// Store wraps a pgxpool.Pool with the catalog's CRUD surface. Callers own
// the pool's lifecycle (see spatialdb.Connect, which this shares).
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the catalog schema if it doesn't already exist. A real
// deployment would run this through a migration tool (the teacher's pack
// shows alembic for the Python original); this keeps the worker
// self-sufficient for local/dev use the way the teacher's redis-backed
// components self-initialize on first connect.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name TEXT NOT NULL,
			base_url TEXT NOT NULL,
			provider TEXT NOT NULL,
			auth JSONB,
			capabilities JSONB,
			health TEXT NOT NULL DEFAULT 'unknown',
			crawl_cadence_seconds INTEGER NOT NULL DEFAULT 86400,
			rate_limit_rps DOUBLE PRECISION NOT NULL DEFAULT 5,
			rate_limit_burst INTEGER NOT NULL DEFAULT 10,
			connection JSONB,
			country_hint TEXT,
			discovered INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			keywords TEXT[],
			themes TEXT[],
			bbox_min_x DOUBLE PRECISION,
			bbox_min_y DOUBLE PRECISION,
			bbox_max_x DOUBLE PRECISION,
			bbox_max_y DOUBLE PRECISION,
			feature_count INTEGER,
			access_url TEXT NOT NULL,
			service_item_id TEXT,
			geometry_type TEXT,
			source_crs TEXT,
			upstream_page_size INTEGER,
			last_edit_date TIMESTAMPTZ,
			cached_etag TEXT,
			cached_last_modified TIMESTAMPTZ,
			source_updated_at TIMESTAMPTZ,
			last_change_check TIMESTAMPTZ,
			change_pending BOOLEAN NOT NULL DEFAULT false,
			is_cached BOOLEAN NOT NULL DEFAULT false,
			cached_at TIMESTAMPTZ,
			cache_table TEXT,
			object_data_key TEXT,
			object_tiles_key TEXT,
			storage_mode TEXT,
			tile_built BOOLEAN NOT NULL DEFAULT false,
			tile_size_bytes BIGINT,
			size_bytes BIGINT,
			strategy TEXT NOT NULL DEFAULT 'simple',
			license TEXT,
			attribution TEXT,
			active BOOLEAN NOT NULL DEFAULT true,
			source_metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (server_id, access_url)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_datasets_server_active ON datasets (server_id, active)`,
		`CREATE INDEX IF NOT EXISTS ix_datasets_themes ON datasets USING GIN (themes)`,
		`CREATE TABLE IF NOT EXISTS crawl_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			server_id UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			stage TEXT NOT NULL DEFAULT 'discovering',
			total_services INTEGER NOT NULL DEFAULT 0,
			services_processed INTEGER NOT NULL DEFAULT 0,
			datasets_discovered INTEGER NOT NULL DEFAULT 0,
			datasets_new INTEGER NOT NULL DEFAULT 0,
			datasets_updated INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			worker_task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS download_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			stage TEXT NOT NULL DEFAULT 'routing',
			strategy TEXT NOT NULL DEFAULT 'simple',
			total_chunks INTEGER NOT NULL DEFAULT 0,
			chunks_completed INTEGER NOT NULL DEFAULT 0,
			features_downloaded INTEGER NOT NULL DEFAULT 0,
			features_total INTEGER NOT NULL DEFAULT 0,
			output_path TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			worker_task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ix_download_jobs_status ON download_jobs (dataset_id, status)`,
		`CREATE TABLE IF NOT EXISTS export_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			dataset_ids UUID[] NOT NULL,
			format TEXT NOT NULL,
			clip_min_x DOUBLE PRECISION,
			clip_min_y DOUBLE PRECISION,
			clip_max_x DOUBLE PRECISION,
			clip_max_y DOUBLE PRECISION,
			status TEXT NOT NULL DEFAULT 'pending',
			expires_at TIMESTAMPTZ,
			output_key TEXT,
			params JSONB,
			user_id TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			worker_task_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS download_chunks (
			job_id UUID NOT NULL REFERENCES download_jobs(id) ON DELETE CASCADE,
			ordinal INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			params JSONB,
			status TEXT NOT NULL DEFAULT 'pending',
			output_path TEXT,
			feature_count INTEGER NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (job_id, ordinal)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_download_chunks_job_status ON download_chunks (job_id, status)`,
		`CREATE TABLE IF NOT EXISTS change_checks (
			id BIGSERIAL PRIMARY KEY,
			dataset_id UUID NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			probed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			method TEXT NOT NULL,
			changed BOOLEAN NOT NULL,
			conclusive BOOLEAN NOT NULL,
			elapsed_ms BIGINT NOT NULL,
			triggered_download BOOLEAN NOT NULL DEFAULT false,
			details JSONB,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS ix_change_checks_dataset_time ON change_checks (dataset_id, probed_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate catalog schema: %v", jobmodel.ErrStorageFailure, err)
		}
	}
	return nil
}
