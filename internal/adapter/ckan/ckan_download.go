package ckan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// CheckChanged uses package_show's metadata_modified timestamp, CKAN's
// cheapest available change signal (spec.md §3 MethodCKANModified).
func (a *Adapter) CheckChanged(ctx context.Context, ds jobmodel.Dataset) adapter.ChangeCheckInfo {
	start := time.Now()
	pkgName, _ := ds.SourceMetadata["ckan_package"].(string)
	if pkgName == "" {
		return adapter.ChangeCheckInfo{
			Conclusive: false,
			Method:     jobmodel.MethodCKANModified,
			ElapsedMS:  time.Since(start).Milliseconds(),
			Err:        fmt.Errorf("%w: dataset has no recorded ckan package name", jobmodel.ErrPolicyViolation),
		}
	}

	srv := jobmodel.Server{BaseURL: ds.AccessURL}
	raw, err := a.action(ctx, srv, "package_show", url.Values{"id": {pkgName}})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.ChangeCheckInfo{Conclusive: false, Method: jobmodel.MethodCKANModified, ElapsedMS: elapsed, Err: err}
	}

	var pkg ckanPackage
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return adapter.ChangeCheckInfo{Conclusive: false, Method: jobmodel.MethodCKANModified, ElapsedMS: elapsed, Err: err}
	}
	if pkg.MetadataModified == "" || ds.Change.SourceUpdatedAt == nil {
		return adapter.ChangeCheckInfo{Changed: true, Conclusive: pkg.MetadataModified != "", Method: jobmodel.MethodCKANModified, ElapsedMS: elapsed}
	}

	modified, err := time.Parse("2006-01-02T15:04:05.999999", pkg.MetadataModified)
	if err != nil {
		return adapter.ChangeCheckInfo{Conclusive: false, Method: jobmodel.MethodCKANModified, ElapsedMS: elapsed, Err: err}
	}
	return adapter.ChangeCheckInfo{
		Changed:    modified.After(*ds.Change.SourceUpdatedAt),
		Conclusive: true,
		Method:     jobmodel.MethodCKANModified,
		ElapsedMS:  elapsed,
	}
}

// DownloadSimple fetches a CKAN resource's file directly. CKAN resources
// are already-materialized files on the portal, not a query endpoint, so
// there is nothing to page through — DownloadPaged and DownloadParallel
// both delegate here.
func (a *Adapter) DownloadSimple(ctx context.Context, layer adapter.LayerRef, outPath string, filter *adapter.Filter) (adapter.DownloadResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layer.URL, nil)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: build request: %v", jobmodel.ErrPermanentUpstream, err)
	}

	resp, err := a.httpClient.Do(req)
	dur := time.Since(start).Seconds()
	if err != nil {
		observability.ObserveAdapterRequest("ckan", err, dur)
		return adapter.DownloadResult{}, fmt.Errorf("%w: %v", jobmodel.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		observability.ObserveAdapterRequest("ckan", fmt.Errorf("http %d", resp.StatusCode), dur)
		return adapter.DownloadResult{}, fmt.Errorf("%w: http %d downloading resource %s", jobmodel.ErrPermanentUpstream, resp.StatusCode, layer.URL)
	}
	observability.ObserveAdapterRequest("ckan", nil, dur)

	f, err := os.Create(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: create output file: %v", jobmodel.ErrStorageFailure, err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: write output file: %v", jobmodel.ErrStorageFailure, err)
	}

	featureCount := 0
	if f2, err := os.Open(outPath); err == nil {
		_ = geojsonstream.DecodeFeatures(f2, func(_ json.RawMessage) error {
			featureCount++
			return nil
		})
		f2.Close()
	}

	return adapter.DownloadResult{FeatureCount: featureCount, BytesWritten: n, Path: outPath}, nil
}

func (a *Adapter) DownloadPaged(ctx context.Context, layer adapter.LayerRef, outPath string, pageSize int, filter *adapter.Filter, progress adapter.ProgressFunc) (adapter.DownloadResult, error) {
	result, err := a.DownloadSimple(ctx, layer, outPath, filter)
	if err == nil && progress != nil {
		progress(result.FeatureCount, result.FeatureCount)
	}
	return result, err
}

func (a *Adapter) DownloadParallel(ctx context.Context, layer adapter.LayerRef, outPath string, workerCount int) (adapter.DownloadResult, error) {
	return a.DownloadSimple(ctx, layer, outPath, nil)
}

// GetPreview downloads the resource into memory and returns up to limit
// GeoJSON features; non-GeoJSON resources are returned as raw bytes.
func (a *Adapter) GetPreview(ctx context.Context, layer adapter.LayerRef, limit int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layer.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", jobmodel.ErrPermanentUpstream, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobmodel.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: http %d previewing resource %s", jobmodel.ErrPermanentUpstream, resp.StatusCode, layer.URL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read resource body: %v", jobmodel.ErrTransientUpstream, err)
	}

	if limit <= 0 {
		limit = 100
	}
	var buf bytes.Buffer
	writer := geojsonstream.NewWriter(&buf)
	count := 0
	err = geojsonstream.DecodeFeatures(bytes.NewReader(body), func(raw json.RawMessage) error {
		if count >= limit {
			return io.EOF
		}
		count++
		return writer.WriteFeature(raw)
	})
	if err != nil && err != io.EOF {
		// Not GeoJSON (e.g. CSV/shapefile resource): return raw bytes as-is.
		return body, nil
	}
	if closeErr := writer.Close(); closeErr != nil {
		return nil, fmt.Errorf("%w: close preview writer: %v", jobmodel.ErrStorageFailure, closeErr)
	}
	return buf.Bytes(), nil
}

func (a *Adapter) GetFeatureCount(ctx context.Context, layer adapter.LayerRef) (*int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, layer.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", jobmodel.ErrPermanentUpstream, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobmodel.ErrTransientUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, nil
	}

	count := 0
	if err := geojsonstream.DecodeFeatures(resp.Body, func(_ json.RawMessage) error {
		count++
		return nil
	}); err != nil {
		return nil, nil
	}
	return &count, nil
}
