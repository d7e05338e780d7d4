// Package spatialdb implements the Spatial-DB Backend (spec.md §4.4): a
// PostGIS-backed cache table per dataset, loaded by streaming the GeoJSON
// feature-by-feature rather than parsing the whole file into memory.
package spatialdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// batchSize mirrors the original streaming backend's insert batch size.
const batchSize = 1000

// SRID is the storage projection used for the cache tables (Web Mercator,
// matching the tile-serving layer's expectations).
const SRID = 3857

// Backend is a PostGIS-backed implementation of storage.Backend.
type Backend struct {
	pool *pgxpool.Pool
	zlog *zerolog.Logger
}

// New wraps an already-connected pool. Callers own the pool's lifecycle.
func New(pool *pgxpool.Pool, zlog *zerolog.Logger) *Backend {
	return &Backend{pool: pool, zlog: zlog}
}

// CacheTableName returns the deterministic cache_<hex32> table name for a
// dataset ID, matching spec.md §4.4's naming convention.
func CacheTableName(datasetID string) (string, error) {
	id, err := uuid.Parse(datasetID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid dataset id %q", jobmodel.ErrConfiguration, datasetID)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "cache_" + hex, nil
}

// StoreDataset streams req.GeoJSONPath's features into a fresh cache table,
// committing every batchSize rows, and builds a GIST index once loaded.
func (b *Backend) StoreDataset(ctx context.Context, req storage.StoreRequest, cancel storage.CancelChecker, progress storage.ProgressFunc) (storage.StorageResult, error) {
	log := logger.FromContext(ctx, b.zlog)
	table, err := CacheTableName(req.DatasetID)
	if err != nil {
		return storage.StorageResult{}, err
	}

	if _, err := b.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: drop existing cache table: %v", jobmodel.ErrStorageFailure, err)
	}
	createSQL := fmt.Sprintf(`CREATE TABLE %s (
		id SERIAL PRIMARY KEY,
		geom GEOMETRY(Geometry, %d),
		properties JSONB
	)`, table, SRID)
	if _, err := b.pool.Exec(ctx, createSQL); err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: create cache table: %v", jobmodel.ErrStorageFailure, err)
	}

	f, err := os.Open(req.GeoJSONPath)
	if err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: open geojson: %v", jobmodel.ErrStorageFailure, err)
	}
	defer f.Close()

	stat, _ := f.Stat()

	var batch [][2]string
	count := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := b.insertBatch(ctx, table, batch); err != nil {
			return err
		}
		var batchBytes int64
		for _, row := range batch {
			batchBytes += int64(len(row[0]) + len(row[1]))
		}
		observability.ObserveStorageBatch("spatialdb", batchBytes)
		batch = batch[:0]
		return nil
	}

	err = geojsonstream.DecodeFeatures(f, func(raw json.RawMessage) error {
		if count%batchSize == 0 && req.JobID != "" && cancel != nil {
			cancelled, cErr := cancel.IsCancelled(ctx, req.JobID)
			if cErr == nil && cancelled {
				return errCancelled
			}
		}

		var feature struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(raw, &feature); err != nil {
			return fmt.Errorf("%w: decode feature: %v", jobmodel.ErrStorageFailure, err)
		}
		props := feature.Properties
		if len(props) == 0 {
			props = []byte("{}")
		}
		batch = append(batch, [2]string{string(feature.Geometry), string(props)})
		count++

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
			if progress != nil {
				progress(count, req.TotalHint)
			}
		}
		return nil
	})

	if err == errCancelled {
		b.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table))
		log.Info().Str("table", table).Msg("storage cancelled, dropped partial cache table")
		return storage.StorageResult{Cancelled: true}, nil
	}
	if err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: stream features: %v", jobmodel.ErrStorageFailure, err)
	}
	if err := flush(); err != nil {
		return storage.StorageResult{}, err
	}

	idxSQL := fmt.Sprintf("CREATE INDEX %s_geom_idx ON %s USING GIST (geom)", table, table)
	if _, err := b.pool.Exec(ctx, idxSQL); err != nil {
		return storage.StorageResult{}, fmt.Errorf("%w: create spatial index: %v", jobmodel.ErrStorageFailure, err)
	}

	var size int64
	if stat != nil {
		size = stat.Size()
	}
	log.Info().Str("table", table).Int("features", count).Msg("stored dataset in spatial db")

	return storage.StorageResult{
		Mode:         jobmodel.StorageModeSpatialDB,
		CacheTable:   table,
		FeatureCount: count,
		SizeBytes:    size,
	}, nil
}

var errCancelled = fmt.Errorf("%w: storage cancelled mid-stream", jobmodel.ErrCancelled)

func (b *Backend) insertBatch(ctx context.Context, table string, batch [][2]string) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin batch tx: %v", jobmodel.ErrStorageFailure, err)
	}
	defer tx.Rollback(ctx)

	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (geom, properties) VALUES (ST_Transform(ST_GeomFromGeoJSON($1), %d), $2::jsonb)",
		table, SRID,
	)
	for _, row := range batch {
		if _, err := tx.Exec(ctx, insertSQL, row[0], row[1]); err != nil {
			return fmt.Errorf("%w: insert feature batch: %v", jobmodel.ErrStorageFailure, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit batch tx: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// RetrieveDataset reconstitutes a FeatureCollection from a dataset's cache
// table, optionally filtered to a bbox, and writes it to a temp file.
func (b *Backend) RetrieveDataset(ctx context.Context, datasetID string, bbox *jobmodel.BBox) (string, error) {
	table, err := CacheTableName(datasetID)
	if err != nil {
		return "", err
	}

	var query string
	var args []any
	if bbox != nil {
		wkt := fmt.Sprintf("POLYGON((%f %f, %f %f, %f %f, %f %f, %f %f))",
			bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MinY, bbox.MaxX, bbox.MaxY, bbox.MinX, bbox.MaxY, bbox.MinX, bbox.MinY)
		query = fmt.Sprintf(`SELECT jsonb_build_object(
			'type', 'FeatureCollection',
			'features', COALESCE(jsonb_agg(
				jsonb_build_object('type', 'Feature', 'geometry', ST_AsGeoJSON(ST_Transform(geom, 4326))::jsonb, 'properties', properties)
			), '[]'::jsonb)
		) FROM %s WHERE ST_Intersects(ST_Transform(geom, 4326), ST_GeomFromText($1, 4326))`, table)
		args = []any{wkt}
	} else {
		query = fmt.Sprintf(`SELECT jsonb_build_object(
			'type', 'FeatureCollection',
			'features', COALESCE(jsonb_agg(
				jsonb_build_object('type', 'Feature', 'geometry', ST_AsGeoJSON(ST_Transform(geom, 4326))::jsonb, 'properties', properties)
			), '[]'::jsonb)
		) FROM %s`, table)
	}

	var result []byte
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&result); err != nil {
		return "", fmt.Errorf("%w: retrieve dataset %s: %v", jobmodel.ErrStorageFailure, datasetID, err)
	}

	tmp, err := os.CreateTemp("", "geocache-retrieve-*.geojson")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", jobmodel.ErrStorageFailure, err)
	}
	defer tmp.Close()
	if _, err := tmp.Write(result); err != nil {
		return "", fmt.Errorf("%w: write temp file: %v", jobmodel.ErrStorageFailure, err)
	}
	return tmp.Name(), nil
}

// IsCancelled implements storage.CancelChecker by re-reading a job's status
// from the catalog store's jobs table.
type JobStatusChecker struct {
	Pool *pgxpool.Pool
}

func (c *JobStatusChecker) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status string
	err := c.Pool.QueryRow(ctx, "SELECT status FROM download_jobs WHERE id = $1", jobID).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("check job status: %w", err)
	}
	return status == string(jobmodel.JobCancelled), nil
}

// Connect opens a pgxpool using the standard 5s connect timeout the rest
// of the worker's outbound clients use.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to spatial db: %v", jobmodel.ErrConfiguration, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping spatial db: %v", jobmodel.ErrConfiguration, err)
	}
	return pool, nil
}
