package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// UpsertDataset inserts or updates a Dataset keyed by (server_id,
// access_url), per spec.md §4.8's crawl-orchestration upsert rule. Returns
// the dataset ID and whether this was a new row (for DatasetsNew/Updated
// counters on the owning CrawlJob).
func (s *Store) UpsertDataset(ctx context.Context, d jobmodel.Dataset) (id string, isNew bool, err error) {
	meta, err := json.Marshal(d.SourceMetadata)
	if err != nil {
		return "", false, fmt.Errorf("marshal source metadata: %w", err)
	}
	var minX, minY, maxX, maxY *float64
	if d.BBox != nil {
		minX, minY, maxX, maxY = &d.BBox.MinX, &d.BBox.MinY, &d.BBox.MaxX, &d.BBox.MaxY
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO datasets (
			server_id, external_id, name, description, keywords, themes,
			bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y, feature_count, access_url,
			service_item_id, geometry_type, source_crs, upstream_page_size, last_edit_date,
			license, attribution, strategy, source_metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (server_id, access_url) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			keywords = EXCLUDED.keywords,
			themes = EXCLUDED.themes,
			bbox_min_x = EXCLUDED.bbox_min_x, bbox_min_y = EXCLUDED.bbox_min_y,
			bbox_max_x = EXCLUDED.bbox_max_x, bbox_max_y = EXCLUDED.bbox_max_y,
			feature_count = EXCLUDED.feature_count,
			service_item_id = EXCLUDED.service_item_id,
			geometry_type = EXCLUDED.geometry_type,
			source_crs = EXCLUDED.source_crs,
			upstream_page_size = EXCLUDED.upstream_page_size,
			last_edit_date = EXCLUDED.last_edit_date,
			license = EXCLUDED.license,
			attribution = EXCLUDED.attribution,
			source_metadata = EXCLUDED.source_metadata,
			active = true
		RETURNING id, (xmax = 0) AS inserted`,
		d.ServerID, d.ExternalID, d.Name, d.Description, d.Keywords, d.Themes,
		minX, minY, maxX, maxY, d.FeatureCount, d.AccessURL,
		d.Metadata.ServiceItemID, string(d.Metadata.GeometryKind), d.Metadata.SourceCRS,
		d.Metadata.UpstreamPageSize, d.Metadata.LastEditDate, d.License, d.Attribution,
		string(d.Strategy), meta,
	).Scan(&id, &isNew)
	if err != nil {
		return "", false, fmt.Errorf("%w: upsert dataset: %v", jobmodel.ErrStorageFailure, err)
	}
	return id, isNew, nil
}

// MarkDatasetsInactive flips active=false for any dataset of serverID whose
// access_url isn't in seenAccessURLs (spec.md §4.8: "disappeared from a
// server during crawl" handling, ported from the original's is_active flag).
func (s *Store) MarkDatasetsInactive(ctx context.Context, serverID string, seenAccessURLs []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE datasets SET active = false
		WHERE server_id = $1 AND NOT (access_url = ANY($2))`,
		serverID, seenAccessURLs)
	if err != nil {
		return fmt.Errorf("%w: mark datasets inactive: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// GetDataset reads a single dataset by ID.
func (s *Store) GetDataset(ctx context.Context, id string) (jobmodel.Dataset, error) {
	row := s.pool.QueryRow(ctx, datasetSelectSQL+" WHERE id = $1", id)
	return scanDataset(row)
}

// SearchDatasets supports the catalog's text/theme/bbox facets (spec.md
// §4.3). Empty text/themes/bbox are treated as unfiltered.
type SearchParams struct {
	Text   string
	Themes []string
	BBox   *jobmodel.BBox
	Limit  int
	Offset int
}

func (s *Store) SearchDatasets(ctx context.Context, p SearchParams) ([]jobmodel.Dataset, error) {
	query := datasetSelectSQL + " WHERE active = true"
	args := []any{}
	argN := func() int { args = append(args, nil); return len(args) }

	if p.Text != "" {
		n := argN()
		args[n-1] = "%" + p.Text + "%"
		query += fmt.Sprintf(" AND (name ILIKE $%d OR description ILIKE $%d)", n, n)
	}
	if len(p.Themes) > 0 {
		n := argN()
		args[n-1] = p.Themes
		query += fmt.Sprintf(" AND themes && $%d", n)
	}
	if p.BBox != nil {
		n1, n2, n3, n4 := argN(), argN(), argN(), argN()
		args[n1-1], args[n2-1], args[n3-1], args[n4-1] = p.BBox.MinX, p.BBox.MinY, p.BBox.MaxX, p.BBox.MaxY
		query += fmt.Sprintf(` AND bbox_min_x <= $%d AND bbox_max_x >= $%d
			AND bbox_min_y <= $%d AND bbox_max_y >= $%d`, n3, n1, n4, n2)
	}

	limit := p.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	nLimit, nOffset := argN(), argN()
	args[nLimit-1], args[nOffset-1] = limit, p.Offset
	query += fmt.Sprintf(" ORDER BY name LIMIT $%d OFFSET $%d", nLimit, nOffset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search datasets: %v", jobmodel.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []jobmodel.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ThemeFacetCounts returns the number of active datasets per theme code,
// for catalog browse UIs.
func (s *Store) ThemeFacetCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.theme, COUNT(*) FROM datasets d, unnest(d.themes) AS t(theme)
		WHERE d.active = true GROUP BY t.theme`)
	if err != nil {
		return nil, fmt.Errorf("%w: theme facet counts: %v", jobmodel.ErrStorageFailure, err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var theme string
		var count int
		if err := rows.Scan(&theme, &count); err != nil {
			return nil, fmt.Errorf("%w: scan facet count: %v", jobmodel.ErrStorageFailure, err)
		}
		out[theme] = count
	}
	return out, rows.Err()
}

// RecordCacheState persists what the Download Service stored for a dataset
// (spec.md §4.7's final "complete" stage write-back).
func (s *Store) RecordCacheState(ctx context.Context, datasetID string, cache jobmodel.CacheState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE datasets SET
			is_cached = $2, cached_at = $3, cache_table = $4,
			object_data_key = $5, object_tiles_key = $6, storage_mode = $7,
			tile_built = $8, tile_size_bytes = $9, size_bytes = $10
		WHERE id = $1`,
		datasetID, cache.IsCached, cache.CachedAt, cache.CacheTable,
		cache.ObjectDataKey, cache.ObjectTilesKey, string(cache.StorageMode),
		cache.TileBuilt, cache.TileSizeBytes, cache.SizeBytes)
	if err != nil {
		return fmt.Errorf("%w: record cache state: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// RecordChangeState persists the Change Detector's findings for a dataset.
func (s *Store) RecordChangeState(ctx context.Context, datasetID string, change jobmodel.ChangeDetectionState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE datasets SET
			cached_etag = $2, cached_last_modified = $3, source_updated_at = $4,
			last_change_check = $5, change_pending = $6
		WHERE id = $1`,
		datasetID, change.CachedETag, change.CachedLastModified, change.SourceUpdatedAt,
		change.LastChangeCheck, change.ChangePending)
	if err != nil {
		return fmt.Errorf("%w: record change state: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

const datasetSelectSQL = `
	SELECT id, server_id, external_id, name, description, keywords, themes,
		bbox_min_x, bbox_min_y, bbox_max_x, bbox_max_y, feature_count, access_url,
		service_item_id, geometry_type, source_crs, upstream_page_size, last_edit_date,
		cached_etag, cached_last_modified, source_updated_at, last_change_check, change_pending,
		is_cached, cached_at, cache_table, object_data_key, object_tiles_key, storage_mode,
		tile_built, tile_size_bytes, size_bytes, strategy, license, attribution, active, source_metadata
	FROM datasets`

func scanDataset(row rowScanner) (jobmodel.Dataset, error) {
	var d jobmodel.Dataset
	var minX, minY, maxX, maxY *float64
	var geometryKind, storageMode string
	var meta []byte

	err := row.Scan(
		&d.ID, &d.ServerID, &d.ExternalID, &d.Name, &d.Description, &d.Keywords, &d.Themes,
		&minX, &minY, &maxX, &maxY, &d.FeatureCount, &d.AccessURL,
		&d.Metadata.ServiceItemID, &geometryKind, &d.Metadata.SourceCRS, &d.Metadata.UpstreamPageSize, &d.Metadata.LastEditDate,
		&d.Change.CachedETag, &d.Change.CachedLastModified, &d.Change.SourceUpdatedAt, &d.Change.LastChangeCheck, &d.Change.ChangePending,
		&d.Cache.IsCached, &d.Cache.CachedAt, &d.Cache.CacheTable, &d.Cache.ObjectDataKey, &d.Cache.ObjectTilesKey, &storageMode,
		&d.Cache.TileBuilt, &d.Cache.TileSizeBytes, &d.Cache.SizeBytes, &d.Strategy, &d.License, &d.Attribution, &d.Active, &meta,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.Dataset{}, fmt.Errorf("%w: dataset not found", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.Dataset{}, fmt.Errorf("%w: scan dataset: %v", jobmodel.ErrStorageFailure, err)
	}

	d.Metadata.GeometryKind = jobmodel.GeometryKind(geometryKind)
	d.Cache.StorageMode = jobmodel.StorageMode(storageMode)
	if minX != nil {
		d.BBox = &jobmodel.BBox{MinX: *minX, MinY: *minY, MaxX: *maxX, MaxY: *maxY}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &d.SourceMetadata)
	}
	return d, nil
}
