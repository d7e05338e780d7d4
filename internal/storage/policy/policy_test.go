package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

func TestSelect_ForcedBackend(t *testing.T) {
	cfg := Config{Backend: "postgis", UseObjectStorageForLarge: true, MinFeaturesForObjectStorage: 10}
	assert.Equal(t, jobmodel.StorageModeSpatialDB, Select(cfg, 1_000_000, jobmodel.StrategyChunked))

	cfg.Backend = "object_storage"
	assert.Equal(t, jobmodel.StorageModeColumnar, Select(cfg, 1, jobmodel.StrategySimple))
}

func TestSelect_HybridByThreshold(t *testing.T) {
	cfg := Config{Backend: "hybrid", UseObjectStorageForLarge: true, MinFeaturesForObjectStorage: 10000}
	assert.Equal(t, jobmodel.StorageModeSpatialDB, Select(cfg, 500, jobmodel.StrategyPaged))
	assert.Equal(t, jobmodel.StorageModeColumnar, Select(cfg, 20000, jobmodel.StrategyPaged))
}

func TestSelect_HybridByStrategy(t *testing.T) {
	cfg := Config{Backend: "hybrid", UseObjectStorageForLarge: true, MinFeaturesForObjectStorage: 10000}
	assert.Equal(t, jobmodel.StorageModeColumnar, Select(cfg, 50, jobmodel.StrategyChunked))
	assert.Equal(t, jobmodel.StorageModeColumnar, Select(cfg, 50, jobmodel.StrategyDistributed))
}

func TestSelect_DefaultsThresholdWhenUnset(t *testing.T) {
	cfg := Config{Backend: "hybrid", UseObjectStorageForLarge: true}
	assert.Equal(t, jobmodel.StorageModeSpatialDB, Select(cfg, 9999, jobmodel.StrategyPaged))
	assert.Equal(t, jobmodel.StorageModeColumnar, Select(cfg, 10001, jobmodel.StrategyPaged))
}
