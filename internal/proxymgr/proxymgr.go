// Package proxymgr implements the Proxy Manager of spec.md §4.1: a
// priority-ordered chain of proxy providers, merged per-request with a
// transient server-specific provider built from the server's connection
// blob (priority 1000). Failure of any one provider is swallowed and the
// chain continues. This is one of the two process-wide singletons spec.md
// §9 calls out (the other being the object-storage client); it is
// configured once at startup from environment and is lifecycle-tied to the
// worker process — no hot reconfiguration.
package proxymgr

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/geocache-ingest/internal/core/observability"
)

// Provider is one entry in the priority chain.
type Provider interface {
	Name() string
	Priority() int
	Enabled() bool
	// GetProxy returns a proxy URL for the given comma-separated country
	// hint (may be empty). An empty return means "no proxy available".
	GetProxy(countryHint string) string
}

// Manager merges registered providers with a per-request server-specific
// override and returns the first non-empty URL, highest priority first.
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
}

// New builds a Manager from a priority-ordered provider list (any order;
// Resolve sorts by priority descending on each call since provider sets are
// small and rarely change).
func New(providers ...Provider) *Manager {
	return &Manager{providers: providers}
}

// Resolve returns the first non-empty proxy URL from the server-specific
// override (priority 1000) merged with the registered chain, or "" if none
// applies. countryHint is a comma-separated list of ISO country codes;
// providers try those codes in order and fall back to any available proxy
// if none match.
func (m *Manager) Resolve(serverOverride string, countryHint string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if serverOverride != "" {
		observability.IncProxyResolution("server_override", true)
		return serverOverride
	}

	ordered := make([]Provider, len(m.providers))
	copy(ordered, m.providers)
	sortByPriorityDesc(ordered)

	for _, p := range ordered {
		if !p.Enabled() {
			continue
		}
		url := safeGetProxy(p, countryHint)
		if url != "" {
			observability.IncProxyResolution(p.Name(), true)
			return url
		}
		observability.IncProxyResolution(p.Name(), false)
	}
	return ""
}

func safeGetProxy(p Provider, countryHint string) (url string) {
	defer func() {
		if r := recover(); r != nil {
			url = ""
		}
	}()
	return p.GetProxy(countryHint)
}

func sortByPriorityDesc(ps []Provider) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j-1].Priority() < ps[j].Priority(); j-- {
			ps[j-1], ps[j] = ps[j], ps[j-1]
		}
	}
}

// countryCandidates splits a comma-separated hint into trimmed, non-empty
// codes, preserving order.
func countryCandidates(hint string) []string {
	if hint == "" {
		return nil
	}
	parts := strings.Split(hint, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StaticProvider serves from a fixed (url, country) pool, e.g. parsed from
// PROXY_STATIC_POOL. Priority is fixed low (10) — last resort in the chain.
type StaticProvider struct {
	pool [][2]string
}

func NewStaticProvider(pool [][2]string) *StaticProvider {
	return &StaticProvider{pool: pool}
}

func (s *StaticProvider) Name() string  { return "static_pool" }
func (s *StaticProvider) Priority() int { return 10 }
func (s *StaticProvider) Enabled() bool { return len(s.pool) > 0 }

func (s *StaticProvider) GetProxy(countryHint string) string {
	for _, code := range countryCandidates(countryHint) {
		for _, entry := range s.pool {
			if strings.EqualFold(entry[1], code) {
				return entry[0]
			}
		}
	}
	if len(s.pool) > 0 {
		return s.pool[0][0]
	}
	return ""
}

// FreePoolFetcher fetches a free-proxy list from an external source and
// exposes it to FreePoolProvider; tests substitute a fake.
type FreePoolFetcher interface {
	Fetch() ([][2]string, error) // (url, country)
}

// freePoolEntry pairs a cached proxy pool with the time it was fetched, so
// GetProxy can apply the 15-minute TTL itself (the hashicorp/golang-lru
// Cache type, used elsewhere in this corpus for the Kafka dedupe cache,
// has no built-in expiry).
type freePoolEntry struct {
	pool      [][2]string
	fetchedAt time.Time
}

// FreePoolProvider caches a fetched proxy list for 15 minutes, refreshing
// on demand (spec.md §4.1). Priority 50: ahead of the static pool, behind
// the paid provider.
type FreePoolProvider struct {
	fetcher FreePoolFetcher
	cache   *lru.Cache[string, freePoolEntry]
	enabled bool
}

const freePoolTTL = 15 * time.Minute
const freePoolCacheKey = "pool"

func NewFreePoolProvider(fetcher FreePoolFetcher, enabled bool) *FreePoolProvider {
	c, _ := lru.New[string, freePoolEntry](1)
	return &FreePoolProvider{fetcher: fetcher, cache: c, enabled: enabled}
}

func (f *FreePoolProvider) Name() string  { return "free_pool" }
func (f *FreePoolProvider) Priority() int { return 50 }
func (f *FreePoolProvider) Enabled() bool { return f.enabled }

func (f *FreePoolProvider) GetProxy(countryHint string) string {
	entry, ok := f.cache.Get(freePoolCacheKey)
	if !ok || time.Since(entry.fetchedAt) > freePoolTTL {
		fetched, err := f.fetcher.Fetch()
		if err != nil {
			if ok {
				// serve stale rather than nothing; provider failure is swallowed.
			} else {
				return ""
			}
		} else {
			entry = freePoolEntry{pool: fetched, fetchedAt: time.Now()}
			f.cache.Add(freePoolCacheKey, entry)
		}
	}
	for _, code := range countryCandidates(countryHint) {
		for _, e := range entry.pool {
			if strings.EqualFold(e[1], code) {
				return e[0]
			}
		}
	}
	if len(entry.pool) > 0 {
		return entry.pool[0][0]
	}
	return ""
}

// PaidProvider builds a proxy URL from an API key + endpoint, appending the
// first country code to the key when a hint is present (spec.md §4.1:
// "builds credentials by appending the country code to the API key").
// Priority 200: ahead of the free pool.
type PaidProvider struct {
	apiKey   string
	endpoint string
}

func NewPaidProvider(apiKey, endpoint string) *PaidProvider {
	return &PaidProvider{apiKey: apiKey, endpoint: endpoint}
}

func (p *PaidProvider) Name() string  { return "paid" }
func (p *PaidProvider) Priority() int { return 200 }
func (p *PaidProvider) Enabled() bool { return p.apiKey != "" && p.endpoint != "" }

func (p *PaidProvider) GetProxy(countryHint string) string {
	key := p.apiKey
	if codes := countryCandidates(countryHint); len(codes) > 0 {
		key = key + "-" + codes[0]
	}
	return "http://" + key + "@" + p.endpoint
}
