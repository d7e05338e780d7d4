package changedetect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

type fakeStore struct {
	checks []jobmodel.ChangeCheck
	states map[string]jobmodel.ChangeDetectionState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string]jobmodel.ChangeDetectionState{}}
}

func (s *fakeStore) InsertChangeCheck(ctx context.Context, c jobmodel.ChangeCheck) error {
	s.checks = append(s.checks, c)
	return nil
}

func (s *fakeStore) RecordChangeState(ctx context.Context, datasetID string, change jobmodel.ChangeDetectionState) error {
	s.states[datasetID] = change
	return nil
}

type fakeAdapter struct {
	info adapter.ChangeCheckInfo
}

func (f *fakeAdapter) ProbeCapabilities(ctx context.Context, server jobmodel.Server) (jobmodel.Capabilities, error) {
	return jobmodel.Capabilities{}, nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context, server jobmodel.Server) bool { return true }
func (f *fakeAdapter) DiscoverDatasets(ctx context.Context, server jobmodel.Server, yield func(jobmodel.Dataset) error) (int, error) {
	return 0, nil
}
func (f *fakeAdapter) CheckChanged(ctx context.Context, dataset jobmodel.Dataset) adapter.ChangeCheckInfo {
	return f.info
}
func (f *fakeAdapter) DownloadSimple(ctx context.Context, layer adapter.LayerRef, outPath string, filter *adapter.Filter) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (f *fakeAdapter) DownloadPaged(ctx context.Context, layer adapter.LayerRef, outPath string, pageSize int, filter *adapter.Filter, progress adapter.ProgressFunc) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (f *fakeAdapter) DownloadParallel(ctx context.Context, layer adapter.LayerRef, outPath string, workerCount int) (adapter.DownloadResult, error) {
	return adapter.DownloadResult{}, nil
}
func (f *fakeAdapter) GetPreview(ctx context.Context, layer adapter.LayerRef, limit int) ([]byte, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFeatureCount(ctx context.Context, layer adapter.LayerRef) (*int, error) {
	return nil, nil
}

var _ adapter.Interface = (*fakeAdapter)(nil)

func TestProbe_RecordsCheckAndFlipsPendingOnChange(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{info: adapter.ChangeCheckInfo{Changed: true, Conclusive: true, Method: jobmodel.MethodProviderEditDate}}
	det, err := New(store, func(jobmodel.ProviderKind) (adapter.Interface, error) { return fa, nil }, time.Minute, nil)
	require.NoError(t, err)

	ds := jobmodel.Dataset{ID: "d1"}
	srv := jobmodel.Server{Provider: jobmodel.ProviderArcGIS}

	res, err := det.Probe(context.Background(), ds, srv)
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.True(t, res.Changed)
	require.Len(t, store.checks, 1)
	assert.Equal(t, "d1", store.checks[0].DatasetID)
	assert.True(t, store.states["d1"].ChangePending)
}

func TestProbe_InconclusiveDoesNotWriteState(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{info: adapter.ChangeCheckInfo{Conclusive: false, Method: jobmodel.MethodCKANModified}}
	det, err := New(store, func(jobmodel.ProviderKind) (adapter.Interface, error) { return fa, nil }, time.Minute, nil)
	require.NoError(t, err)

	res, err := det.Probe(context.Background(), jobmodel.Dataset{ID: "d2"}, jobmodel.Server{Provider: jobmodel.ProviderCKAN})
	require.NoError(t, err)
	assert.True(t, res.Ran)
	assert.False(t, res.Conclusive)
	_, recorded := store.states["d2"]
	assert.False(t, recorded)
}

func TestProbe_DedupWindowSkipsRepeatedProbe(t *testing.T) {
	store := newFakeStore()
	fa := &fakeAdapter{info: adapter.ChangeCheckInfo{Changed: true, Conclusive: true}}
	det, err := New(store, func(jobmodel.ProviderKind) (adapter.Interface, error) { return fa, nil }, time.Hour, nil)
	require.NoError(t, err)

	ds := jobmodel.Dataset{ID: "d3", Change: jobmodel.ChangeDetectionState{ChangePending: false}}
	srv := jobmodel.Server{Provider: jobmodel.ProviderArcGIS}

	first, err := det.Probe(context.Background(), ds, srv)
	require.NoError(t, err)
	assert.True(t, first.Ran)

	second, err := det.Probe(context.Background(), ds, srv)
	require.NoError(t, err)
	assert.False(t, second.Ran)
	assert.Len(t, store.checks, 1)
}
