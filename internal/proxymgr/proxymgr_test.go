package proxymgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ServerOverrideWins(t *testing.T) {
	m := New(NewStaticProvider([][2]string{{"http://static:8080", "US"}}))
	got := m.Resolve("http://override:9999", "US")
	assert.Equal(t, "http://override:9999", got)
}

func TestManager_FallsThroughChainByPriority(t *testing.T) {
	paid := NewPaidProvider("key123", "paid.example.com")
	static := NewStaticProvider([][2]string{{"http://static:8080", "US"}})
	m := New(static, paid)

	got := m.Resolve("", "")
	require.NotEmpty(t, got)
	assert.Contains(t, got, "key123")
}

func TestManager_DisabledProviderSkipped(t *testing.T) {
	paid := NewPaidProvider("", "") // disabled: no key
	static := NewStaticProvider([][2]string{{"http://static:8080", "GB"}})
	m := New(static, paid)

	got := m.Resolve("", "GB")
	assert.Equal(t, "http://static:8080", got)
}

func TestManager_NoProvidersReturnsEmpty(t *testing.T) {
	m := New()
	assert.Equal(t, "", m.Resolve("", ""))
}

func TestStaticProvider_CountryFallback(t *testing.T) {
	p := NewStaticProvider([][2]string{{"http://fr:1", "FR"}, {"http://de:1", "DE"}})
	assert.Equal(t, "http://de:1", p.GetProxy("US,DE"))
	assert.Equal(t, "http://fr:1", p.GetProxy("ZZ")) // no match, falls back to first
}

func TestPaidProvider_AppendsCountryToKey(t *testing.T) {
	p := NewPaidProvider("abc", "proxy.example.com")
	assert.Equal(t, "http://abc-US@proxy.example.com", p.GetProxy("US,GB"))
	assert.Equal(t, "http://abc@proxy.example.com", p.GetProxy(""))
}

type fakeFetcher struct {
	pool [][2]string
	err  error
	n    int
}

func (f *fakeFetcher) Fetch() ([][2]string, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.pool, nil
}

func TestFreePoolProvider_CachesUntilTTL(t *testing.T) {
	f := &fakeFetcher{pool: [][2]string{{"http://free:1", "US"}}}
	p := NewFreePoolProvider(f, true)

	assert.Equal(t, "http://free:1", p.GetProxy("US"))
	assert.Equal(t, "http://free:1", p.GetProxy("US"))
	assert.Equal(t, 1, f.n, "second call should be served from cache")
}

func TestFreePoolProvider_SwallowsFetchFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("boom")}
	p := NewFreePoolProvider(f, true)
	assert.Equal(t, "", p.GetProxy("US"))
}
