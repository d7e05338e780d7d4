package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/export"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/logger"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/objectstore"
)

// exportFanOut bounds parallel fetch_dataset_for_export tasks per spec.md §5.
const exportFanOut = 10

// ExportStore is the subset of the catalog generate_export needs.
type ExportStore interface {
	GetExportJob(ctx context.Context, id string) (jobmodel.ExportJob, error)
	GetDataset(ctx context.Context, id string) (jobmodel.Dataset, error)
	UpdateJobStatus(ctx context.Context, kind jobmodel.JobKind, id string, status jobmodel.JobStatus, errMsg string) error
	CompleteExportJob(ctx context.Context, id, outputKey string) error
}

// BackendResolver is shared with internal/download's but named here to
// avoid importing that package just for the type.
type BackendResolver func(mode jobmodel.StorageMode) (storage.Backend, error)

// ExportOrchestrator runs generate_export (spec.md §4.8): fan out
// fetch_dataset_for_export per requested Dataset, merge_and_convert the
// results to the requested format, then upload to the exports area.
type ExportOrchestrator struct {
	store       ExportStore
	resolveBe   BackendResolver
	objectStore *objectstore.Backend
	cfg         export.Config
	zlog        *zerolog.Logger
}

func NewExportOrchestrator(store ExportStore, resolveBe BackendResolver, objectStore *objectstore.Backend, cfg export.Config, zlog *zerolog.Logger) *ExportOrchestrator {
	return &ExportOrchestrator{store: store, resolveBe: resolveBe, objectStore: objectStore, cfg: cfg, zlog: zlog}
}

func (o *ExportOrchestrator) ProcessExportJob(ctx context.Context, jobID string) error {
	start := time.Now()
	log := logger.FromContext(ctx, o.zlog)

	job, err := o.store.GetExportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	if err := o.store.UpdateJobStatus(ctx, jobmodel.JobExport, jobID, jobmodel.JobRunning, ""); err != nil {
		return fmt.Errorf("mark export job running: %w", err)
	}

	mergedPath, err := o.fetchAndMerge(ctx, job)
	if err != nil {
		_ = o.store.UpdateJobStatus(ctx, jobmodel.JobExport, jobID, jobmodel.JobFailed, err.Error())
		observability.ObserveJob("export", "failed", time.Since(start))
		return fmt.Errorf("fetch datasets for export: %w", err)
	}
	defer os.Remove(mergedPath)

	outPath, err := o.convert(ctx, job, mergedPath)
	if err != nil {
		_ = o.store.UpdateJobStatus(ctx, jobmodel.JobExport, jobID, jobmodel.JobFailed, err.Error())
		observability.ObserveJob("export", "failed", time.Since(start))
		return fmt.Errorf("convert export: %w", err)
	}
	defer os.Remove(outPath)

	outputKey := fmt.Sprintf("exports/%s/%s%s", job.ID, job.ID, filepath.Ext(outPath))
	expiresIn := time.Until(job.ExpiresAt)
	metadata := map[string]string{"expires_at": job.ExpiresAt.UTC().Format(time.RFC3339)}
	if err := o.objectStore.UploadExport(ctx, outPath, outputKey, metadata); err != nil {
		_ = o.store.UpdateJobStatus(ctx, jobmodel.JobExport, jobID, jobmodel.JobFailed, err.Error())
		observability.ObserveJob("export", "failed", time.Since(start))
		return fmt.Errorf("upload export: %w", err)
	}

	if err := o.store.CompleteExportJob(ctx, jobID, outputKey); err != nil {
		return fmt.Errorf("record export output key: %w", err)
	}
	if err := o.store.UpdateJobStatus(ctx, jobmodel.JobExport, jobID, jobmodel.JobCompleted, ""); err != nil {
		return fmt.Errorf("mark export job completed: %w", err)
	}

	observability.ObserveJob("export", "completed", time.Since(start))
	log.Info().Str("job_id", jobID).Str("output_key", outputKey).
		Dur("expires_in", expiresIn).Msg("export completed")
	return nil
}

// fetchAndMerge runs fetch_dataset_for_export for each of the job's
// Datasets (bounded to exportFanOut concurrent retrievals) and concatenates
// the resulting GeoJSON FeatureCollections into one merged temp file, the
// input merge_and_convert then consumes.
func (o *ExportOrchestrator) fetchAndMerge(ctx context.Context, job jobmodel.ExportJob) (string, error) {
	paths := make([]string, len(job.DatasetIDs))
	sem := make(chan struct{}, exportFanOut)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, datasetID := range job.DatasetIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, datasetID string) {
			defer wg.Done()
			defer func() { <-sem }()

			ds, err := o.store.GetDataset(ctx, datasetID)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("load dataset %s: %w", datasetID, err)
				}
				mu.Unlock()
				return
			}
			mode := ds.Cache.StorageMode
			if mode == "" {
				mode = jobmodel.StorageModeSpatialDB
			}
			backend, err := o.resolveBe(mode)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("resolve backend for dataset %s: %w", datasetID, err)
				}
				mu.Unlock()
				return
			}

			path, err := backend.RetrieveDataset(ctx, datasetID, job.ClipPolygon)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("retrieve dataset %s: %w", datasetID, err)
				}
				mu.Unlock()
				return
			}
			paths[i] = path
		}(i, datasetID)
	}
	wg.Wait()

	defer func() {
		for _, p := range paths {
			if p != "" {
				os.Remove(p)
			}
		}
	}()

	if firstErr != nil {
		return "", firstErr
	}

	out, err := os.CreateTemp("", "geocache-export-merge-*.geojson")
	if err != nil {
		return "", fmt.Errorf("%w: create export merge output: %v", jobmodel.ErrStorageFailure, err)
	}
	defer out.Close()

	if _, err := out.WriteString(`{"type":"FeatureCollection","features":[`); err != nil {
		return "", fmt.Errorf("%w: write export merge header: %v", jobmodel.ErrStorageFailure, err)
	}
	first := true
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("%w: open retrieved dataset: %v", jobmodel.ErrStorageFailure, err)
		}
		_, err = copyFeatures(out, f, &first)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("%w: merge retrieved dataset: %v", jobmodel.ErrStorageFailure, err)
		}
	}
	if _, err := out.WriteString(`]}`); err != nil {
		return "", fmt.Errorf("%w: write export merge footer: %v", jobmodel.ErrStorageFailure, err)
	}
	return out.Name(), nil
}

// convert dispatches to the requested export format. The bbox clip already
// happened per-Dataset inside RetrieveDataset above, so merge_and_convert's
// own Convert call only handles format conversion, not clipping again.
func (o *ExportOrchestrator) convert(ctx context.Context, job jobmodel.ExportJob, mergedPath string) (string, error) {
	outPath := mergedPath + "." + string(job.Format)
	result, err := export.Convert(ctx, o.cfg, job.Format, mergedPath, outPath, nil)
	if err != nil {
		return "", err
	}
	return result.Path, nil
}

