package arcgis

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// CheckChanged compares the server's editingInfo.lastEditDate against the
// cached SourceUpdatedAt. This is the cheapest possible signal ArcGIS
// offers: one metadata fetch, no feature scan (ported from the original
// adapter's check_changed).
func (a *Adapter) CheckChanged(ctx context.Context, ds jobmodel.Dataset) adapter.ChangeCheckInfo {
	start := time.Now()
	info, err := a.request(ctx, jobmodel.Server{BaseURL: ds.AccessURL}, ds.AccessURL, nil)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return adapter.ChangeCheckInfo{
			Conclusive: false,
			Method:     jobmodel.MethodProviderEditDate,
			ElapsedMS:  elapsed,
			Err:        fmt.Errorf("fetch layer info: %w", err),
		}
	}

	current := parseEditDate(info)
	if current == nil {
		return adapter.ChangeCheckInfo{
			Conclusive: false,
			Method:     jobmodel.MethodProviderEditDate,
			ElapsedMS:  elapsed,
		}
	}

	if ds.Change.SourceUpdatedAt != nil {
		changed := current.After(*ds.Change.SourceUpdatedAt)
		return adapter.ChangeCheckInfo{
			Changed:    changed,
			Conclusive: true,
			Method:     jobmodel.MethodProviderEditDate,
			ElapsedMS:  elapsed,
		}
	}

	// No prior recorded edit date: treat as changed so the first download
	// always runs (mirrors the original's "assume changed" fallback).
	return adapter.ChangeCheckInfo{
		Changed:    true,
		Conclusive: true,
		Method:     jobmodel.MethodProviderEditDate,
		ElapsedMS:  elapsed,
	}
}
