// Package adapter defines the Provider Adapter contract (spec.md §4.2)
// that every remote-protocol implementation (ArcGIS, CKAN, ...) satisfies.
package adapter

import (
	"context"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// LayerRef identifies a single remote layer/table to an adapter. Fields
// beyond URL are adapter-specific and carried in Extra.
type LayerRef struct {
	URL   string
	Extra map[string]string
}

// Filter is an optional spatial/attribute filter; nil means unfiltered.
type Filter struct {
	BBox  *jobmodel.BBox
	Where string
}

// DownloadResult mirrors spec.md §4.2's download_* return shape.
type DownloadResult struct {
	FeatureCount int
	BytesWritten int64
	Path         string
}

// ProgressFunc reports (featuresWritten, total) after each page/chunk.
type ProgressFunc func(featuresWritten, total int)

// CachedHints is what the Change Detector already knows about a dataset,
// passed into check_changed so the adapter can pick its cheapest signal.
type CachedHints struct {
	ETag            string
	LastModified    *jobmodel.EnrichedMetadata // unused by most adapters
	SourceUpdatedAt *jobmodel.EnrichedMetadata
}

// ChangeCheckInfo mirrors spec.md §3's ChangeCheck essentials, returned
// directly by check_changed (always returns a result, never an error for
// "don't know" — that's the Inconclusive case).
type ChangeCheckInfo struct {
	Changed    bool
	Conclusive bool
	Method     jobmodel.ChangeCheckMethod
	ElapsedMS  int64
	Err        error
}

// Interface is the capability set every adapter implements (spec.md §4.2).
type Interface interface {
	ProbeCapabilities(ctx context.Context, server jobmodel.Server) (jobmodel.Capabilities, error)
	HealthCheck(ctx context.Context, server jobmodel.Server) bool

	// DiscoverDatasets returns a finite, non-restartable lazy sequence of
	// metadata, delivered by calling yield for each discovered layer.
	// Iteration stops at the first error yield returns. failedServices
	// counts per-service/per-package fetches that were skipped rather than
	// failing discovery outright, so the caller can roll that count up into
	// the server's Health (spec.md's Healthy/Degraded/Offline rule).
	DiscoverDatasets(ctx context.Context, server jobmodel.Server, yield func(jobmodel.Dataset) error) (failedServices int, err error)

	CheckChanged(ctx context.Context, dataset jobmodel.Dataset) ChangeCheckInfo

	DownloadSimple(ctx context.Context, layer LayerRef, outPath string, filter *Filter) (DownloadResult, error)
	DownloadPaged(ctx context.Context, layer LayerRef, outPath string, pageSize int, filter *Filter, progress ProgressFunc) (DownloadResult, error)
	DownloadParallel(ctx context.Context, layer LayerRef, outPath string, workerCount int) (DownloadResult, error)

	GetPreview(ctx context.Context, layer LayerRef, limit int) ([]byte, error)
	GetFeatureCount(ctx context.Context, layer LayerRef) (*int, error)
}

// SelectStrategy implements spec.md §4.2's caller-side strategy selection:
// n<5000 -> paged; n>=5000 and parallel allowed -> parallel; else paged.
func SelectStrategy(featureCount int, parallelAllowed bool) jobmodel.DownloadStrategy {
	if featureCount < 5000 {
		return jobmodel.StrategyPaged
	}
	if parallelAllowed {
		return jobmodel.StrategyChunked
	}
	return jobmodel.StrategyPaged
}
