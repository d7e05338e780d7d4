// Package ckan is a minimal Provider Adapter (spec.md §4.2, Open
// Question (iii)) for CKAN-based open-data portals. CKAN exposes
// flat downloadable resources rather than a paged query API, so this
// adapter discovers datasets via the Action API and downloads a
// resource's file directly — there is no server-side paging or
// OID-range concept to port, unlike internal/adapter/arcgis.
package ckan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

// Adapter talks to one CKAN portal via its Action API
// (https://docs.ckan.org/en/latest/api/).
type Adapter struct {
	httpClient *http.Client
	proxies    *proxymgr.Manager
	zlog       *zerolog.Logger
}

func New(httpClient *http.Client, proxies *proxymgr.Manager, zlog *zerolog.Logger) *Adapter {
	return &Adapter{httpClient: httpClient, proxies: proxies, zlog: zlog}
}

var _ adapter.Interface = (*Adapter)(nil)

type actionResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

func (a *Adapter) action(ctx context.Context, srv jobmodel.Server, name string, params url.Values) (json.RawMessage, error) {
	endpoint := strings.TrimRight(srv.BaseURL, "/") + "/api/3/action/" + name
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 8 * time.Second
	boCtx := backoff.WithMaxRetries(bo, 3)

	var result json.RawMessage
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", jobmodel.ErrPermanentUpstream, err))
		}

		proxyURL := a.proxies.Resolve(srv.Connection.ProxyURL, firstNonEmpty(srv.Connection.CountryHint, srv.CountryHint))
		client := a.httpClient
		if proxyURL != "" {
			if parsed, err := url.Parse(proxyURL); err == nil {
				if transport, ok := client.Transport.(*http.Transport); ok {
					clone := transport.Clone()
					clone.Proxy = http.ProxyURL(parsed)
					client = &http.Client{Transport: clone, Timeout: client.Timeout}
				}
			}
		}

		resp, err := client.Do(req)
		dur := time.Since(start).Seconds()
		if err != nil {
			observability.ObserveAdapterRequest("ckan", err, dur)
			return fmt.Errorf("%w: %v", jobmodel.ErrTransientUpstream, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode != 429 && resp.StatusCode < 500 {
			observability.ObserveAdapterRequest("ckan", fmt.Errorf("http %d", resp.StatusCode), dur)
			return backoff.Permanent(fmt.Errorf("%w: http %d from %s", jobmodel.ErrPermanentUpstream, resp.StatusCode, endpoint))
		}
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			observability.ObserveAdapterRequest("ckan", fmt.Errorf("http %d", resp.StatusCode), dur)
			return fmt.Errorf("%w: retryable http %d from %s", jobmodel.ErrTransientUpstream, resp.StatusCode, endpoint)
		}

		var action actionResponse
		if err := json.NewDecoder(resp.Body).Decode(&action); err != nil {
			observability.ObserveAdapterRequest("ckan", err, dur)
			return backoff.Permanent(fmt.Errorf("%w: decode json: %v", jobmodel.ErrPermanentUpstream, err))
		}
		if !action.Success {
			observability.ObserveAdapterRequest("ckan", fmt.Errorf("action error"), dur)
			return backoff.Permanent(fmt.Errorf("%w: ckan action %q failed: %s", jobmodel.ErrPermanentUpstream, name, action.Error))
		}
		observability.ObserveAdapterRequest("ckan", nil, dur)
		result = action.Result
		return nil
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Adapter) ProbeCapabilities(ctx context.Context, srv jobmodel.Server) (jobmodel.Capabilities, error) {
	// CKAN has no page-size/OID concept: every dataset is a flat resource
	// download, so pagination and OID queries are switched off on top of
	// the default capabilities.
	caps := jobmodel.DefaultCapabilities()
	caps.SupportsPagination = false
	caps.SupportsOIDQuery = false
	caps.OIDFieldName = ""
	return caps, nil
}

func (a *Adapter) HealthCheck(ctx context.Context, srv jobmodel.Server) bool {
	_, err := a.action(ctx, srv, "site_read", nil)
	return err == nil
}

type ckanPackage struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
	License   string `json:"license_title"`
	Author    string `json:"author"`
	Tags      []struct {
		Name string `json:"name"`
	} `json:"tags"`
	MetadataModified string `json:"metadata_modified"`
	Resources        []struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Format string `json:"format"`
		Name   string `json:"name"`
	} `json:"resources"`
}

// DiscoverDatasets lists every package on the portal and yields one
// Dataset per downloadable resource (a CKAN package commonly bundles
// several resource files, each a distinct downloadable layer).
// failedServices counts every package fetch/decode it had to skip, which
// the caller rolls up into the server's Health.
func (a *Adapter) DiscoverDatasets(ctx context.Context, srv jobmodel.Server, yield func(jobmodel.Dataset) error) (int, error) {
	raw, err := a.action(ctx, srv, "package_list", nil)
	if err != nil {
		return 0, fmt.Errorf("list packages: %w", err)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return 0, fmt.Errorf("%w: decode package list: %v", jobmodel.ErrPermanentUpstream, err)
	}

	var failed int
	for _, name := range names {
		pkgRaw, err := a.action(ctx, srv, "package_show", url.Values{"id": {name}})
		if err != nil {
			a.zlog.Warn().Str("package", name).Err(err).Msg("skipping unreachable ckan package")
			failed++
			continue
		}
		var pkg ckanPackage
		if err := json.Unmarshal(pkgRaw, &pkg); err != nil {
			a.zlog.Warn().Str("package", name).Err(err).Msg("skipping malformed ckan package")
			failed++
			continue
		}

		tags := make([]string, 0, len(pkg.Tags))
		for _, t := range pkg.Tags {
			tags = append(tags, t.Name)
		}

		for _, res := range pkg.Resources {
			if res.URL == "" {
				continue
			}
			ds := jobmodel.Dataset{
				ExternalID:  res.ID,
				Name:        pkg.Title + " - " + firstNonEmpty(res.Name, res.Format),
				Description: pkg.Notes,
				Keywords:    tags,
				Themes:      theme.Classify(pkg.Title, pkg.Notes),
				AccessURL:   res.URL,
				License:     pkg.License,
				Attribution: pkg.Author,
				Metadata: jobmodel.EnrichedMetadata{
					GeometryKind: jobmodel.GeometryUnknown,
				},
				SourceMetadata: map[string]any{"ckan_package": pkg.Name, "format": res.Format},
			}
			if err := yield(ds); err != nil {
				return failed, err
			}
		}
	}
	return failed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
