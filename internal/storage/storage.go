// Package storage defines the common contract both cache sinks implement
// (spec.md §4.4): Spatial-DB Backend and Object-Store Backend. Both must
// consume input by streaming; the GeoJSON can be multi-gigabyte.
package storage

import (
	"context"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// CancelChecker is polled between batch boundaries so a backend can stop
// cooperatively when the owning DownloadJob has been marked Cancelled
// (spec.md §4.4, §5).
type CancelChecker interface {
	// IsCancelled re-reads the owning job's status from the Catalog Store.
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// ProgressFunc reports (featuresStored, total) after each batch commit.
type ProgressFunc func(featuresStored, total int)

// StoreRequest carries everything store_dataset needs; jobID is optional
// (synchronous small-dataset stores from the Download Service have no
// owning job to poll for cancellation).
type StoreRequest struct {
	DatasetID  string
	GeoJSONPath string
	JobID      string
	TotalHint  int // best-effort count for progress reporting
}

// StorageResult mirrors spec.md §4.4's store_dataset return shape.
type StorageResult struct {
	Mode           jobmodel.StorageMode
	CacheTable     string
	ObjectDataKey  string
	ObjectTilesKey string
	FeatureCount   int
	SizeBytes      int64
	Cancelled      bool
}

// Backend is the common contract. Both implementations must reject input
// that isn't streamed through, per spec.md's "non-negotiable" streaming
// requirement.
type Backend interface {
	StoreDataset(ctx context.Context, req StoreRequest, cancel CancelChecker, progress ProgressFunc) (StorageResult, error)
	// RetrieveDataset returns a path to a temporary GeoJSON file; bbox is
	// optional (nil means no spatial filter).
	RetrieveDataset(ctx context.Context, datasetID string, bbox *jobmodel.BBox) (string, error)
}
