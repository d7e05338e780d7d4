package download

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage"
	"github.com/mohammed-shakir/geocache-ingest/internal/storage/policy"
)

type fakeStore struct {
	dataset  jobmodel.Dataset
	server   jobmodel.Server
	progress []jobmodel.DownloadJob
	cache    jobmodel.CacheState
}

func (s *fakeStore) GetDataset(ctx context.Context, id string) (jobmodel.Dataset, error) { return s.dataset, nil }
func (s *fakeStore) GetServer(ctx context.Context, id string) (jobmodel.Server, error)   { return s.server, nil }
func (s *fakeStore) RecordCacheState(ctx context.Context, datasetID string, cache jobmodel.CacheState) error {
	s.cache = cache
	return nil
}
func (s *fakeStore) UpdateDownloadJobProgress(ctx context.Context, id string, j jobmodel.DownloadJob) error {
	s.progress = append(s.progress, j)
	return nil
}

type fakeAdapter struct{ featureCount int }

func (f *fakeAdapter) ProbeCapabilities(ctx context.Context, server jobmodel.Server) (jobmodel.Capabilities, error) {
	return jobmodel.Capabilities{}, nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context, server jobmodel.Server) bool { return true }
func (f *fakeAdapter) DiscoverDatasets(ctx context.Context, server jobmodel.Server, yield func(jobmodel.Dataset) error) (int, error) {
	return 0, nil
}
func (f *fakeAdapter) CheckChanged(ctx context.Context, dataset jobmodel.Dataset) adapter.ChangeCheckInfo {
	return adapter.ChangeCheckInfo{}
}
func (f *fakeAdapter) DownloadSimple(ctx context.Context, layer adapter.LayerRef, outPath string, filter *adapter.Filter) (adapter.DownloadResult, error) {
	os.WriteFile(outPath, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644)
	return adapter.DownloadResult{FeatureCount: f.featureCount, Path: outPath}, nil
}
func (f *fakeAdapter) DownloadPaged(ctx context.Context, layer adapter.LayerRef, outPath string, pageSize int, filter *adapter.Filter, progress adapter.ProgressFunc) (adapter.DownloadResult, error) {
	os.WriteFile(outPath, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644)
	if progress != nil {
		progress(f.featureCount, f.featureCount)
	}
	return adapter.DownloadResult{FeatureCount: f.featureCount, Path: outPath}, nil
}
func (f *fakeAdapter) DownloadParallel(ctx context.Context, layer adapter.LayerRef, outPath string, workerCount int) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{FeatureCount: f.featureCount, Path: outPath}, nil
}
func (f *fakeAdapter) GetPreview(ctx context.Context, layer adapter.LayerRef, limit int) ([]byte, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFeatureCount(ctx context.Context, layer adapter.LayerRef) (*int, error) {
	return nil, nil
}

var _ adapter.Interface = (*fakeAdapter)(nil)

type fakeBackend struct{ result storage.StorageResult }

func (b *fakeBackend) StoreDataset(ctx context.Context, req storage.StoreRequest, cancel storage.CancelChecker, progress storage.ProgressFunc) (storage.StorageResult, error) {
	if progress != nil {
		progress(b.result.FeatureCount, req.TotalHint)
	}
	return b.result, nil
}
func (b *fakeBackend) RetrieveDataset(ctx context.Context, datasetID string, bbox *jobmodel.BBox) (string, error) {
	return "", nil
}

var _ storage.Backend = (*fakeBackend)(nil)

func TestRun_CompletesAndRecordsCacheState(t *testing.T) {
	fs := &fakeStore{dataset: jobmodel.Dataset{ID: "ds1", ServerID: "srv1", AccessURL: "https://example.org/layer"}}
	ad := &fakeAdapter{featureCount: 42}
	be := &fakeBackend{result: storage.StorageResult{Mode: jobmodel.StorageModeSpatialDB, CacheTable: "cache_abc", FeatureCount: 42, SizeBytes: 1024}}

	svc := New(fs,
		func(jobmodel.ProviderKind) (adapter.Interface, error) { return ad, nil },
		func(jobmodel.StorageMode) (storage.Backend, error) { return be, nil },
		policy.Config{}, 500, nil)

	job := jobmodel.DownloadJob{JobBase: jobmodel.JobBase{ID: "job1"}, DatasetID: "ds1", Strategy: jobmodel.StrategyPaged}
	result, err := svc.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.False(t, result.Cancelled)
	assert.Equal(t, 42, result.FeatureCount)
	assert.True(t, fs.cache.IsCached)
	assert.Equal(t, "cache_abc", fs.cache.CacheTable)

	var sawComplete bool
	for _, p := range fs.progress {
		if p.Stage == jobmodel.DownloadStageComplete {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestRun_ZeroFeaturesFails(t *testing.T) {
	fs := &fakeStore{dataset: jobmodel.Dataset{ID: "ds1", ServerID: "srv1", AccessURL: "https://example.org/layer"}}
	ad := &fakeAdapter{featureCount: 0}
	be := &fakeBackend{}

	svc := New(fs,
		func(jobmodel.ProviderKind) (adapter.Interface, error) { return ad, nil },
		func(jobmodel.StorageMode) (storage.Backend, error) { return be, nil },
		policy.Config{}, 500, nil)

	job := jobmodel.DownloadJob{JobBase: jobmodel.JobBase{ID: "job2"}, DatasetID: "ds1", Strategy: jobmodel.StrategySimple}
	_, err := svc.Run(context.Background(), job, nil)
	assert.Error(t, err)
}

type cancelledChecker struct{}

func (cancelledChecker) IsCancelled(ctx context.Context, jobID string) (bool, error) { return true, nil }

func TestRun_CancelledBeforeDownloadStopsEarly(t *testing.T) {
	fs := &fakeStore{dataset: jobmodel.Dataset{ID: "ds1", ServerID: "srv1", AccessURL: "https://example.org/layer"}}
	ad := &fakeAdapter{featureCount: 10}
	be := &fakeBackend{}

	svc := New(fs,
		func(jobmodel.ProviderKind) (adapter.Interface, error) { return ad, nil },
		func(jobmodel.StorageMode) (storage.Backend, error) { return be, nil },
		policy.Config{}, 500, nil)

	job := jobmodel.DownloadJob{JobBase: jobmodel.JobBase{ID: "job3"}, DatasetID: "ds1", Strategy: jobmodel.StrategySimple}
	result, err := svc.Run(context.Background(), job, cancelledChecker{})
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
}
