// Package policy implements the host-wide Hybrid storage-mode selector
// described in spec.md §4.4 and resolved as Open Question (i) in §9:
// storage mode is mutually exclusive per dataset (SpatialDB xor Columnar);
// "hybrid" is this selector policy, not a dual-write mode.
package policy

import "github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"

// Config mirrors the relevant §6 environment variables.
type Config struct {
	// Backend forces a single backend when set to postgis or object_storage;
	// "hybrid" (the default) defers to feature-count/strategy auto-selection.
	Backend                     string
	MinFeaturesForObjectStorage int
	UseObjectStorageForLarge    bool
}

// DefaultMinFeatures matches MIN_FEATURES_FOR_OBJECT_STORAGE's documented
// default (spec.md §6).
const DefaultMinFeatures = 10000

// Select returns which single backend should hold a dataset with the given
// feature count and chosen download strategy. Above the threshold, or for
// Chunked/Distributed strategies, object storage is selected (spec.md
// §4.4 "Hybrid mode"); otherwise spatial DB.
func Select(cfg Config, featureCount int, strategy jobmodel.DownloadStrategy) jobmodel.StorageMode {
	switch cfg.Backend {
	case "postgis":
		return jobmodel.StorageModeSpatialDB
	case "object_storage":
		return jobmodel.StorageModeColumnar
	}

	threshold := cfg.MinFeaturesForObjectStorage
	if threshold <= 0 {
		threshold = DefaultMinFeatures
	}

	large := cfg.UseObjectStorageForLarge && featureCount > threshold
	chunkedOrDistributed := strategy == jobmodel.StrategyChunked || strategy == jobmodel.StrategyDistributed

	if large || chunkedOrDistributed {
		return jobmodel.StorageModeColumnar
	}
	return jobmodel.StorageModeSpatialDB
}
