package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// InsertChangeCheck records one Change Detector probe (spec.md §4.6).
func (s *Store) InsertChangeCheck(ctx context.Context, c jobmodel.ChangeCheck) error {
	details, err := json.Marshal(c.Details)
	if err != nil {
		return fmt.Errorf("marshal change check details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO change_checks (dataset_id, probed_at, method, changed, conclusive,
			elapsed_ms, triggered_download, details, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))`,
		c.DatasetID, c.ProbedAt, string(c.Method), c.Changed, c.Conclusive,
		c.ElapsedMS, c.TriggeredDownload, details, c.Error)
	if err != nil {
		return fmt.Errorf("%w: insert change check: %v", jobmodel.ErrStorageFailure, err)
	}
	return nil
}

// GetLatestChangeCheck returns the most recent probe for a dataset, used to
// decide whether another check is due (spec.md §4.6 dedup window).
func (s *Store) GetLatestChangeCheck(ctx context.Context, datasetID string) (jobmodel.ChangeCheck, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT dataset_id, probed_at, method, changed, conclusive, elapsed_ms,
			triggered_download, details, error
		FROM change_checks WHERE dataset_id = $1 ORDER BY probed_at DESC LIMIT 1`, datasetID)

	var c jobmodel.ChangeCheck
	var details []byte
	err := row.Scan(&c.DatasetID, &c.ProbedAt, &c.Method, &c.Changed, &c.Conclusive,
		&c.ElapsedMS, &c.TriggeredDownload, &details, &c.Error)
	if err != nil {
		if err == pgx.ErrNoRows {
			return jobmodel.ChangeCheck{}, fmt.Errorf("%w: no change checks recorded", jobmodel.ErrPolicyViolation)
		}
		return jobmodel.ChangeCheck{}, fmt.Errorf("%w: scan change check: %v", jobmodel.ErrStorageFailure, err)
	}
	if len(details) > 0 {
		_ = json.Unmarshal(details, &c.Details)
	}
	return c, nil
}
