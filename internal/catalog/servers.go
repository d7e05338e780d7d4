package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// UpsertServer inserts a new server or, if srv.ID is set, updates capability
// probe / health fields on an existing one.
func (s *Store) UpsertServer(ctx context.Context, srv jobmodel.Server) (string, error) {
	auth, err := json.Marshal(srv.Auth)
	if err != nil {
		return "", fmt.Errorf("marshal auth: %w", err)
	}
	caps, err := json.Marshal(srv.Capabilities)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}
	conn, err := json.Marshal(srv.Connection)
	if err != nil {
		return "", fmt.Errorf("marshal connection: %w", err)
	}

	if srv.ID == "" {
		var id string
		err := s.pool.QueryRow(ctx, `
			INSERT INTO servers (name, base_url, provider, auth, capabilities, health,
				crawl_cadence_seconds, rate_limit_rps, rate_limit_burst, connection, country_hint)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			srv.Name, srv.BaseURL, string(srv.Provider), auth, caps, string(srv.Health),
			int(srv.CrawlCadence.Seconds()), srv.RateLimit.RequestsPerSecond, srv.RateLimit.Burst,
			conn, srv.CountryHint,
		).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("%w: insert server: %v", jobmodel.ErrStorageFailure, err)
		}
		return id, nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE servers SET name=$2, base_url=$3, provider=$4, auth=$5, capabilities=$6,
			health=$7, crawl_cadence_seconds=$8, rate_limit_rps=$9, rate_limit_burst=$10,
			connection=$11, country_hint=$12
		WHERE id=$1`,
		srv.ID, srv.Name, srv.BaseURL, string(srv.Provider), auth, caps, string(srv.Health),
		int(srv.CrawlCadence.Seconds()), srv.RateLimit.RequestsPerSecond, srv.RateLimit.Burst,
		conn, srv.CountryHint,
	)
	if err != nil {
		return "", fmt.Errorf("%w: update server: %v", jobmodel.ErrStorageFailure, err)
	}
	return srv.ID, nil
}

// GetServer reads a single server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (jobmodel.Server, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, base_url, provider, auth, capabilities, health,
			crawl_cadence_seconds, rate_limit_rps, rate_limit_burst, connection,
			country_hint, discovered, active
		FROM servers WHERE id=$1`, id)
	return scanServer(row)
}

// ListServersDueForCrawl returns active servers whose crawl cadence has
// elapsed, ordered oldest-crawled first (spec.md §4.8 crawl scheduling).
func (s *Store) ListServersDueForCrawl(ctx context.Context) ([]jobmodel.Server, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.name, s.base_url, s.provider, s.auth, s.capabilities, s.health,
			s.crawl_cadence_seconds, s.rate_limit_rps, s.rate_limit_burst, s.connection,
			s.country_hint, s.discovered, s.active
		FROM servers s
		LEFT JOIN LATERAL (
			SELECT MAX(created_at) AS last_crawled FROM crawl_jobs WHERE server_id = s.id
		) lc ON true
		WHERE lc.last_crawled IS NULL
			OR lc.last_crawled < now() - (s.crawl_cadence_seconds || ' seconds')::interval
		ORDER BY lc.last_crawled ASC NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("%w: list servers due for crawl: %v", jobmodel.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []jobmodel.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (jobmodel.Server, error) {
	var srv jobmodel.Server
	var auth, caps, conn []byte
	var cadenceSeconds int
	err := row.Scan(&srv.ID, &srv.Name, &srv.BaseURL, &srv.Provider, &auth, &caps, &srv.Health,
		&cadenceSeconds, &srv.RateLimit.RequestsPerSecond, &srv.RateLimit.Burst, &conn,
		&srv.CountryHint, &srv.Discovered, &srv.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.Server{}, fmt.Errorf("%w: server not found", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.Server{}, fmt.Errorf("%w: scan server: %v", jobmodel.ErrStorageFailure, err)
	}
	srv.CrawlCadence = secondsToDuration(cadenceSeconds)
	if len(auth) > 0 {
		_ = json.Unmarshal(auth, &srv.Auth)
	}
	if len(caps) > 0 {
		_ = json.Unmarshal(caps, &srv.Capabilities)
	}
	if len(conn) > 0 {
		_ = json.Unmarshal(conn, &srv.Connection)
	}
	return srv, nil
}
