// Package changedetect is the Change Detector (spec.md §4.6): a thin
// layer above the provider adapters that probes one Dataset, records the
// probe, and flips the Dataset's change-pending flag. Whether a detected
// change enqueues a DownloadJob is the caller's policy decision, not
// this package's — mirroring spec.md §4.6's explicit "policy decision by
// caller, not the detector."
package changedetect

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/geocache-ingest/internal/adapter"
	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
	"github.com/mohammed-shakir/geocache-ingest/internal/jobmodel"
)

// Store is the subset of the catalog the detector reads/writes.
type Store interface {
	InsertChangeCheck(ctx context.Context, c jobmodel.ChangeCheck) error
	RecordChangeState(ctx context.Context, datasetID string, change jobmodel.ChangeDetectionState) error
}

// AdapterResolver looks up the adapter implementation for a provider kind.
type AdapterResolver func(provider jobmodel.ProviderKind) (adapter.Interface, error)

const defaultDedupCacheSize = 4096

// Detector probes Datasets for upstream changes. dedup is a small
// recent-probe cache keyed by dataset ID, so a burst of redundant
// schedule triggers for the same dataset within minGap collapses to one
// probe; it is purely an optimization, not a correctness boundary.
type Detector struct {
	store   Store
	resolve AdapterResolver
	dedup   *lru.Cache[string, time.Time]
	minGap  time.Duration
	zlog    *zerolog.Logger
}

func New(store Store, resolve AdapterResolver, minGap time.Duration, zlog *zerolog.Logger) (*Detector, error) {
	cache, err := lru.New[string, time.Time](defaultDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: create dedup cache: %v", jobmodel.ErrConfiguration, err)
	}
	return &Detector{store: store, resolve: resolve, dedup: cache, minGap: minGap, zlog: zlog}, nil
}

// Result is what the caller needs to decide whether to enqueue a
// DownloadJob: the probe outcome plus whether it actually ran (a
// dedup-window skip still reports the dataset's prior ChangePending
// state so the caller can act on it without forcing a network probe).
type Result struct {
	Ran        bool
	Changed    bool
	Conclusive bool
}

// Probe runs check_changed for one Dataset against its owning Server,
// unless a probe already ran for it within minGap (spec.md §4.6 names no
// explicit dedup window; this is a supplemental guard against scheduler
// storms re-probing the same dataset).
func (d *Detector) Probe(ctx context.Context, ds jobmodel.Dataset, srv jobmodel.Server) (Result, error) {
	if last, ok := d.dedup.Get(ds.ID); ok && time.Since(last) < d.minGap {
		return Result{Ran: false, Changed: ds.Change.ChangePending}, nil
	}

	ad, err := d.resolve(srv.Provider)
	if err != nil {
		return Result{}, fmt.Errorf("resolve adapter for provider %q: %w", srv.Provider, err)
	}

	info := ad.CheckChanged(ctx, ds)
	d.dedup.Add(ds.ID, time.Now())
	observability.ObserveChangeCheck(string(info.Method), info.Changed)

	check := jobmodel.ChangeCheck{
		DatasetID:  ds.ID,
		ProbedAt:   time.Now(),
		Method:     info.Method,
		Changed:    info.Changed,
		Conclusive: info.Conclusive,
		ElapsedMS:  info.ElapsedMS,
	}
	if info.Err != nil {
		check.Error = info.Err.Error()
	}
	if err := d.store.InsertChangeCheck(ctx, check); err != nil {
		return Result{}, fmt.Errorf("record change check: %w", err)
	}

	if info.Conclusive {
		now := time.Now()
		state := jobmodel.ChangeDetectionState{
			CachedETag:         ds.Change.CachedETag,
			CachedLastModified: ds.Change.CachedLastModified,
			SourceUpdatedAt:    ds.Change.SourceUpdatedAt,
			LastChangeCheck:    &now,
			ChangePending:      info.Changed,
		}
		if info.Changed {
			state.SourceUpdatedAt = &now
		}
		if err := d.store.RecordChangeState(ctx, ds.ID, state); err != nil {
			return Result{}, fmt.Errorf("record change state: %w", err)
		}
	}

	return Result{Ran: true, Changed: info.Changed, Conclusive: info.Conclusive}, nil
}
