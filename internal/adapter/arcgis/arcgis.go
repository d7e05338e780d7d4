// Package arcgis implements the Provider Adapter contract (spec.md §4.2)
// against ArcGIS REST FeatureServers and MapServers, grounded on the
// original Python adapter's discovery/paging/OID-range strategy.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
	"github.com/mohammed-shakir/geocache-ingest/internal/proxymgr"
	"github.com/mohammed-shakir/geocache-ingest/internal/theme"
)

func observeAdapterRequest(err error, durationSeconds float64) {
	observability.ObserveAdapterRequest("arcgis", err, durationSeconds)
}

// browserHeaders mimics a real browser to avoid WAF blocking on public
// ArcGIS portals that gate on User-Agent/Accept; ported from the original
// adapter's header set (minus brotli, which this client doesn't negotiate,
// and minus Accept-Encoding: net/http's Transport only auto-decompresses
// gzip responses when it sets that header itself, so a caller-set value
// here would silently hand callers compressed bytes instead).
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.5",
	"Connection":      "keep-alive",
}

// Adapter talks to one ArcGIS server. A fresh Adapter is created per call
// site (cheap: it wraps a shared *http.Client) since Server carries the
// per-request proxy/country hint that selects the outbound route.
type Adapter struct {
	httpClient *http.Client
	proxies    *proxymgr.Manager
	zlog       *zerolog.Logger
}

func New(httpClient *http.Client, proxies *proxymgr.Manager, zlog *zerolog.Logger) *Adapter {
	return &Adapter{httpClient: httpClient, proxies: proxies, zlog: zlog}
}

var _ adapter.Interface = (*Adapter)(nil)

// request performs a single GET against an ArcGIS REST endpoint with up to
// 5 attempts and exponential backoff (ported from the original's
// tenacity stop_after_attempt(5)/wait_exponential(min=1,max=10)). 4xx
// responses other than 429 fail fast; 5xx and 429 retry.
func (a *Adapter) request(ctx context.Context, srv jobmodel.Server, endpoint string, params url.Values) (map[string]any, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("f", "pjson")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 10 * time.Second
	boCtx := backoff.WithMaxRetries(bo, 4)

	var body map[string]any
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", jobmodel.ErrPermanentUpstream, err))
		}
		for k, v := range browserHeaders {
			req.Header.Set(k, v)
		}
		proxyURL := a.proxies.Resolve(srv.Connection.ProxyURL, firstNonEmpty(srv.Connection.CountryHint, srv.CountryHint))
		client := a.httpClient
		if proxyURL != "" {
			client = withProxy(a.httpClient, proxyURL)
		}

		resp, err := client.Do(req)
		dur := time.Since(start).Seconds()
		if err != nil {
			observeAdapterRequest(err, dur)
			return fmt.Errorf("%w: %v", jobmodel.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode != 429 && resp.StatusCode < 500 {
			observeAdapterRequest(fmt.Errorf("http %d", resp.StatusCode), dur)
			return backoff.Permanent(fmt.Errorf("%w: http %d from %s", jobmodel.ErrPermanentUpstream, resp.StatusCode, endpoint))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			observeAdapterRequest(fmt.Errorf("http %d", resp.StatusCode), dur)
			return fmt.Errorf("%w: retryable http %d from %s", jobmodel.ErrTransientUpstream, resp.StatusCode, endpoint)
		}

		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			observeAdapterRequest(readErr, dur)
			return fmt.Errorf("%w: read response from %s: %v", jobmodel.ErrTransientUpstream, endpoint, readErr)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			observeAdapterRequest(err, dur)
			snippet := raw
			if len(snippet) > 200 {
				snippet = snippet[:200]
			}
			return backoff.Permanent(fmt.Errorf("%w: decode json from %s: %v (body: %q)",
				jobmodel.ErrPermanentUpstream, endpoint, err, snippet))
		}
		observeAdapterRequest(nil, dur)
		return nil
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		return nil, err
	}
	return body, nil
}

func (a *Adapter) ProbeCapabilities(ctx context.Context, srv jobmodel.Server) (jobmodel.Capabilities, error) {
	info, err := a.request(ctx, srv, srv.BaseURL, nil)
	if err != nil {
		return jobmodel.DefaultCapabilities(), nil
	}
	caps := jobmodel.Capabilities{
		MaxFeaturesPerRequest: 1000,
		SupportsPagination:    true,
		SupportsOIDQuery:      true,
		OIDFieldName:          "OBJECTID",
		OutputFormats:         []string{"geojson", "json"},
	}

	services, _ := info["services"].([]any)
	for _, raw := range services {
		svc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if svc["type"] != "FeatureServer" {
			continue
		}
		name, _ := svc["name"].(string)
		serviceURL := fmt.Sprintf("%s/%s/FeatureServer", srv.BaseURL, name)
		svcInfo, err := a.request(ctx, srv, serviceURL, nil)
		if err == nil {
			if maxRC, ok := svcInfo["maxRecordCount"].(float64); ok {
				caps.MaxFeaturesPerRequest = int(maxRC)
			}
		}
		break
	}
	return caps, nil
}

func (a *Adapter) HealthCheck(ctx context.Context, srv jobmodel.Server) bool {
	_, err := a.request(ctx, srv, srv.BaseURL, nil)
	return err == nil
}

// DiscoverDatasets walks the server's root catalog, then each folder's
// catalog, processing every FeatureServer/MapServer service it finds.
// failedServices counts every folder/service/layer fetch it had to skip,
// which the caller rolls up into the server's Health.
func (a *Adapter) DiscoverDatasets(ctx context.Context, srv jobmodel.Server, yield func(jobmodel.Dataset) error) (int, error) {
	root, err := a.request(ctx, srv, srv.BaseURL, nil)
	if err != nil {
		return 0, fmt.Errorf("discover root catalog: %w", err)
	}

	var failed int
	if err := a.walkServices(ctx, srv, root, yield, &failed); err != nil {
		return failed, err
	}

	folders, _ := root["folders"].([]any)
	for _, raw := range folders {
		folder, ok := raw.(string)
		if !ok {
			continue
		}
		folderURL := fmt.Sprintf("%s/%s", srv.BaseURL, folder)
		folderCatalog, err := a.request(ctx, srv, folderURL, nil)
		if err != nil {
			a.zlog.Warn().Str("folder", folder).Err(err).Msg("skipping unreachable arcgis folder")
			failed++
			continue
		}
		if err := a.walkServices(ctx, srv, folderCatalog, yield, &failed); err != nil {
			return failed, err
		}
	}
	return failed, nil
}

func (a *Adapter) walkServices(ctx context.Context, srv jobmodel.Server, catalog map[string]any, yield func(jobmodel.Dataset) error, failed *int) error {
	services, _ := catalog["services"].([]any)
	for _, raw := range services {
		svc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := a.processService(ctx, srv, svc, yield, failed); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) processService(ctx context.Context, srv jobmodel.Server, svc map[string]any, yield func(jobmodel.Dataset) error, failed *int) error {
	serviceName, _ := svc["name"].(string)
	serviceType, _ := svc["type"].(string)
	if serviceType != "FeatureServer" && serviceType != "MapServer" {
		return nil
	}

	serviceURL := fmt.Sprintf("%s/%s/%s", srv.BaseURL, serviceName, serviceType)
	mapName := serviceName
	if idx := strings.LastIndex(serviceName, "/"); idx >= 0 {
		mapName = serviceName[idx+1:]
	}

	serviceInfo, err := a.request(ctx, srv, serviceURL, nil)
	if err != nil {
		a.zlog.Warn().Str("service", serviceName).Err(err).Msg("skipping unreachable arcgis service")
		*failed++
		return nil
	}
	serviceItemID, _ := serviceInfo["serviceItemId"].(string)

	layers, _ := serviceInfo["layers"].([]any)
	for _, raw := range layers {
		layer, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		layerID := int(layer["id"].(float64))
		layerURL := fmt.Sprintf("%s/%d", serviceURL, layerID)

		layerInfo, err := a.request(ctx, srv, layerURL, nil)
		if err != nil {
			a.zlog.Warn().Str("layer", layerURL).Err(err).Msg("skipping unreachable arcgis layer")
			*failed++
			continue
		}
		featureCount := a.featureCount(ctx, srv, layerURL)

		ds := extractMetadata(layerInfo, layerURL, mapName, serviceItemID, featureCount)
		if err := yield(ds); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) featureCount(ctx context.Context, srv jobmodel.Server, layerURL string) *int {
	result, err := a.request(ctx, srv, layerURL+"/query", url.Values{
		"where":           {"1=1"},
		"returnCountOnly": {"true"},
	})
	if err != nil {
		return nil
	}
	if c, ok := result["count"].(float64); ok {
		n := int(c)
		return &n
	}
	return nil
}

func extractMetadata(layerInfo map[string]any, layerURL, mapName, serviceItemID string, featureCount *int) jobmodel.Dataset {
	var bbox *jobmodel.BBox
	var sourceCRS string
	if extent, ok := layerInfo["extent"].(map[string]any); ok {
		if sr, ok := extent["spatialReference"].(map[string]any); ok {
			if wkid, ok := sr["wkid"].(float64); ok {
				sourceCRS = fmt.Sprintf("EPSG:%d", int(wkid))
			} else if wkid, ok := sr["latestWkid"].(float64); ok {
				sourceCRS = fmt.Sprintf("EPSG:%d", int(wkid))
			}
		}
		xmin, xok := extent["xmin"].(float64)
		ymin, yok := extent["ymin"].(float64)
		xmax, xmok := extent["xmax"].(float64)
		ymax, ymok := extent["ymax"].(float64)
		if xok && yok && xmok && ymok {
			// Reprojection to EPSG:4326 is the storage backend's job on
			// write (ST_Transform); the catalog stores whatever extent the
			// server reports here and the adapter leaves it untransformed
			// when source_crs isn't already 4326, matching the original's
			// fallback-to-raw-bbox behavior on projection failure.
			bbox = &jobmodel.BBox{MinX: xmin, MinY: ymin, MaxX: xmax, MaxY: ymax}
		}
	}

	geometryKind := jobmodel.GeometryUnknown
	if gt, ok := layerInfo["geometryType"].(string); ok {
		switch strings.TrimPrefix(gt, "esriGeometry") {
		case "Point", "MultiPoint":
			geometryKind = jobmodel.GeometryKind(strings.TrimPrefix(gt, "esriGeometry"))
		case "Polyline":
			geometryKind = jobmodel.GeometryLineString
		case "Polygon":
			geometryKind = jobmodel.GeometryPolygon
		}
	}

	description, _ := layerInfo["description"].(string)
	var keywords []string
	if description != "" {
		words := strings.Fields(description)
		if len(words) > 10 {
			words = words[:10]
		}
		keywords = words
	}

	layerName, _ := layerInfo["name"].(string)
	if layerName == "" {
		layerName = "Unnamed Layer"
	}
	name := layerName
	if mapName != "" {
		name = mapName + " - " + layerName
	}

	var idStr string
	if id, ok := layerInfo["id"].(float64); ok {
		idStr = strconv.Itoa(int(id))
	}

	attribution, _ := layerInfo["copyrightText"].(string)
	var maxRecordCount int
	if mrc, ok := layerInfo["maxRecordCount"].(float64); ok {
		maxRecordCount = int(mrc)
	}

	return jobmodel.Dataset{
		ExternalID:  idStr,
		Name:        name,
		Description: description,
		Keywords:    keywords,
		Themes:      theme.Classify(name, description),
		BBox:        bbox,
		FeatureCount: featureCount,
		AccessURL:   layerURL,
		Attribution: attribution,
		Metadata: jobmodel.EnrichedMetadata{
			ServiceItemID:    serviceItemID,
			GeometryKind:     geometryKind,
			SourceCRS:        sourceCRS,
			UpstreamPageSize: maxRecordCount,
			LastEditDate:     parseEditDate(layerInfo),
		},
		SourceMetadata: layerInfo,
	}
}

func parseEditDate(layerInfo map[string]any) *time.Time {
	editingInfo, ok := layerInfo["editingInfo"].(map[string]any)
	if !ok {
		return nil
	}
	ms, ok := editingInfo["lastEditDate"].(float64)
	if !ok {
		return nil
	}
	t := time.UnixMilli(int64(ms))
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func withProxy(base *http.Client, proxyURL string) *http.Client {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return base
	}
	transport, ok := base.Transport.(*http.Transport)
	if !ok {
		return base
	}
	clone := transport.Clone()
	clone.Proxy = http.ProxyURL(parsed)
	return &http.Client{Transport: clone, Timeout: base.Timeout}
}
