package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/pkg/geojsonstream"
)

// minPagedPageSize is the floor DownloadPaged's consecutive-remote-close
// backoff halves down to and never below (spec.md §8).
const minPagedPageSize = 100

// isRemoteCloseErr reports whether err looks like the connection was closed
// mid-response (reset, unexpected EOF) rather than a clean HTTP error
// status — the condition spec.md §8 calls a "remote-close error".
func isRemoteCloseErr(err error) bool {
	if err == nil {
		return false
	}
	if !jobmodel.IsTransient(err) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "reset by peer")
}

// DownloadSimple fetches every feature of a layer in one request; only
// appropriate for small layers (spec.md §4.2 strategy selection keeps
// n<5000 on DownloadPaged instead, but some adapters/tests call this
// directly for layers already known to be tiny).
func (a *Adapter) DownloadSimple(ctx context.Context, layer adapter.LayerRef, outPath string, filter *adapter.Filter) (adapter.DownloadResult, error) {
	params := url.Values{
		"where":         {whereClause(filter)},
		"outFields":     {"*"},
		"returnGeometry": {"true"},
		"outSR":         {"4326"},
		"f":             {"geojson"},
	}
	srv := jobmodel.Server{BaseURL: layer.URL}
	body, err := a.request(ctx, srv, layer.URL+"/query", params)
	if err != nil {
		return adapter.DownloadResult{}, err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: create output file: %v", jobmodel.ErrStorageFailure, err)
	}
	defer f.Close()

	raw, err := json.Marshal(body)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: marshal geojson: %v", jobmodel.ErrPermanentUpstream, err)
	}
	n, err := f.Write(raw)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: write output file: %v", jobmodel.ErrStorageFailure, err)
	}

	features, _ := body["features"].([]any)
	return adapter.DownloadResult{FeatureCount: len(features), BytesWritten: int64(n), Path: outPath}, nil
}

// DownloadPaged streams a layer via resultOffset/resultRecordCount
// pagination, writing features incrementally so memory use stays bounded
// regardless of dataset size (ported from the original's streaming
// offset-pagination loop).
func (a *Adapter) DownloadPaged(ctx context.Context, layer adapter.LayerRef, outPath string, pageSize int, filter *adapter.Filter, progress adapter.ProgressFunc) (adapter.DownloadResult, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	srv := jobmodel.Server{BaseURL: layer.URL}
	queryURL := layer.URL + "/query"

	countResult, err := a.request(ctx, srv, queryURL, url.Values{
		"where":           {whereClause(filter)},
		"returnCountOnly": {"true"},
	})
	if err != nil {
		return adapter.DownloadResult{}, err
	}
	totalCount := 0
	if c, ok := countResult["count"].(float64); ok {
		totalCount = int(c)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: create output file: %v", jobmodel.ErrStorageFailure, err)
	}
	defer f.Close()
	writer := geojsonstream.NewWriter(f)

	offset := 0
	closeErrOffset := -1
	consecutiveCloseErrs := 0
	for offset < totalCount {
		if err := ctx.Err(); err != nil {
			return adapter.DownloadResult{}, fmt.Errorf("%w: %v", jobmodel.ErrCancelled, err)
		}

		page, err := a.request(ctx, srv, queryURL, url.Values{
			"where":          {whereClause(filter)},
			"outFields":      {"*"},
			"returnGeometry": {"true"},
			"outSR":          {"4326"},
			"resultOffset":   {fmt.Sprintf("%d", offset)},
			"resultRecordCount": {fmt.Sprintf("%d", pageSize)},
			"f":              {"geojson"},
		})
		if err != nil {
			if !isRemoteCloseErr(err) {
				return adapter.DownloadResult{}, err
			}
			if offset == closeErrOffset {
				consecutiveCloseErrs++
			} else {
				closeErrOffset = offset
				consecutiveCloseErrs = 1
			}
			if consecutiveCloseErrs < 2 {
				continue
			}
			if pageSize <= minPagedPageSize {
				return adapter.DownloadResult{}, err
			}
			halved := pageSize / 2
			if halved < minPagedPageSize {
				halved = minPagedPageSize
			}
			a.zlog.Warn().Int("offset", offset).Int("old_page_size", pageSize).
				Int("new_page_size", halved).Msg("two consecutive remote-close errors, halving page size")
			pageSize = halved
			consecutiveCloseErrs = 0
			continue
		}
		closeErrOffset = -1
		consecutiveCloseErrs = 0

		features, _ := page["features"].([]any)
		if len(features) == 0 {
			break
		}
		for _, feat := range features {
			raw, err := json.Marshal(feat)
			if err != nil {
				return adapter.DownloadResult{}, fmt.Errorf("%w: marshal feature: %v", jobmodel.ErrPermanentUpstream, err)
			}
			if err := writer.WriteFeature(raw); err != nil {
				return adapter.DownloadResult{}, fmt.Errorf("%w: write feature: %v", jobmodel.ErrStorageFailure, err)
			}
		}
		offset += len(features)
		if progress != nil {
			progress(writer.FeaturesWritten(), totalCount)
		}
	}

	if err := writer.Close(); err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: close geojson writer: %v", jobmodel.ErrStorageFailure, err)
	}
	info, err := f.Stat()
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: stat output file: %v", jobmodel.ErrStorageFailure, err)
	}

	return adapter.DownloadResult{FeatureCount: writer.FeaturesWritten(), BytesWritten: info.Size(), Path: outPath}, nil
}

// DownloadParallel splits the layer's OBJECTID range into workerCount
// contiguous chunks and fetches them concurrently (ported from the
// original's get_oid_range + fetch_by_oid_range + asyncio.gather). Falls
// back to DownloadPaged when the layer has no usable OID field.
func (a *Adapter) DownloadParallel(ctx context.Context, layer adapter.LayerRef, outPath string, workerCount int) (adapter.DownloadResult, error) {
	srv := jobmodel.Server{BaseURL: layer.URL}

	layerInfo, err := a.request(ctx, srv, layer.URL, nil)
	if err != nil {
		return adapter.DownloadResult{}, err
	}
	oidField := oidFieldName(layerInfo)

	minOID, maxOID, ok := a.oidRange(ctx, srv, layer.URL, oidField)
	if !ok {
		return a.DownloadPaged(ctx, layer, outPath, 0, nil, nil)
	}

	if workerCount <= 0 {
		workerCount = 4
	}
	chunks := splitOIDRange(minOID, maxOID, workerCount)

	var (
		mu           sync.Mutex
		allFeatures  []json.RawMessage
		firstErr     error
	)
	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		go func(minOID, maxOID int) {
			defer wg.Done()
			features, err := a.fetchByOIDRange(ctx, srv, layer.URL, oidField, minOID, maxOID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			allFeatures = append(allFeatures, features...)
		}(c[0], c[1])
	}
	wg.Wait()
	if firstErr != nil {
		return adapter.DownloadResult{}, firstErr
	}

	f, err := os.Create(outPath)
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: create output file: %v", jobmodel.ErrStorageFailure, err)
	}
	defer f.Close()
	writer := geojsonstream.NewWriter(f)
	if err := writer.WriteFeatures(allFeatures); err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: write features: %v", jobmodel.ErrStorageFailure, err)
	}
	if err := writer.Close(); err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: close geojson writer: %v", jobmodel.ErrStorageFailure, err)
	}
	info, err := f.Stat()
	if err != nil {
		return adapter.DownloadResult{}, fmt.Errorf("%w: stat output file: %v", jobmodel.ErrStorageFailure, err)
	}

	return adapter.DownloadResult{FeatureCount: writer.FeaturesWritten(), BytesWritten: info.Size(), Path: outPath}, nil
}

func (a *Adapter) oidRange(ctx context.Context, srv jobmodel.Server, layerURL, oidField string) (min, max int, ok bool) {
	stats := fmt.Sprintf(`[{"statisticType":"min","onStatisticField":"%s","outStatisticFieldName":"MIN_OID"},{"statisticType":"max","onStatisticField":"%s","outStatisticFieldName":"MAX_OID"}]`, oidField, oidField)
	result, err := a.request(ctx, srv, layerURL+"/query", url.Values{"outStatistics": {stats}})
	if err != nil {
		return 0, 0, false
	}
	features, _ := result["features"].([]any)
	if len(features) == 0 {
		return 0, 0, false
	}
	feat, ok := features[0].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	attrs, ok := feat["attributes"].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	minF, okMin := attrs["MIN_OID"].(float64)
	maxF, okMax := attrs["MAX_OID"].(float64)
	if !okMin || !okMax {
		return 0, 0, false
	}
	return int(minF), int(maxF), true
}

func (a *Adapter) fetchByOIDRange(ctx context.Context, srv jobmodel.Server, layerURL, oidField string, minOID, maxOID int) ([]json.RawMessage, error) {
	result, err := a.request(ctx, srv, layerURL+"/query", url.Values{
		"where":          {fmt.Sprintf("%s >= %d AND %s <= %d", oidField, minOID, oidField, maxOID)},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
		"outSR":          {"4326"},
		"f":              {"geojson"},
	})
	if err != nil {
		return nil, err
	}
	features, _ := result["features"].([]any)
	out := make([]json.RawMessage, 0, len(features))
	for _, feat := range features {
		raw, err := json.Marshal(feat)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal feature: %v", jobmodel.ErrPermanentUpstream, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (a *Adapter) GetPreview(ctx context.Context, layer adapter.LayerRef, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = 100
	}
	srv := jobmodel.Server{BaseURL: layer.URL}
	body, err := a.request(ctx, srv, layer.URL+"/query", url.Values{
		"where":             {"1=1"},
		"outFields":         {"*"},
		"returnGeometry":    {"true"},
		"outSR":             {"4326"},
		"resultRecordCount": {fmt.Sprintf("%d", limit)},
		"f":                 {"geojson"},
	})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal preview: %v", jobmodel.ErrPermanentUpstream, err)
	}
	return raw, nil
}

func (a *Adapter) GetFeatureCount(ctx context.Context, layer adapter.LayerRef) (*int, error) {
	srv := jobmodel.Server{BaseURL: layer.URL}
	result, err := a.request(ctx, srv, layer.URL+"/query", url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
	})
	if err != nil {
		return nil, err
	}
	c, ok := result["count"].(float64)
	if !ok {
		return nil, nil
	}
	n := int(c)
	return &n, nil
}

func whereClause(filter *adapter.Filter) string {
	if filter == nil || filter.Where == "" {
		return "1=1"
	}
	return filter.Where
}

func oidFieldName(layerInfo map[string]any) string {
	fields, _ := layerInfo["fields"].([]any)
	for _, raw := range fields {
		field, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if field["type"] == "esriFieldTypeOID" {
			if name, ok := field["name"].(string); ok {
				return name
			}
		}
	}
	return "OBJECTID"
}

// splitOIDRange divides [minOID, maxOID] into up to n contiguous,
// non-overlapping chunks.
func splitOIDRange(minOID, maxOID, n int) [][2]int {
	total := maxOID - minOID + 1
	if total <= 0 || n <= 0 {
		return nil
	}
	chunkSize := total / n
	if chunkSize < 1 {
		chunkSize = 1
	}
	var chunks [][2]int
	for i := 0; i < n; i++ {
		chunkMin := minOID + i*chunkSize
		if chunkMin > maxOID {
			break
		}
		chunkMax := minOID + (i+1)*chunkSize - 1
		if chunkMax > maxOID || i == n-1 {
			chunkMax = maxOID
		}
		chunks = append(chunks, [2]int{chunkMin, chunkMax})
		if chunkMax == maxOID {
			break
		}
	}
	return chunks
}
