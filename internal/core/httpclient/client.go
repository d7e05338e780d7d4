// Package httpclient configures the HTTP client used to call upstream
// provider servers.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"time"
)

// ProxyFunc resolves a proxy URL per outbound request, the shape the
// Proxy Manager (internal/proxymgr) implements.
type ProxyFunc func(*http.Request) (*url.URL, error)

// NewOutbound creates an outbound http client for provider adapters. proxyFn
// is consulted per-request instead of http.ProxyFromEnvironment; pass nil
// to fall back to environment proxy resolution (used by tests).
func NewOutbound(proxyFn ProxyFunc) *http.Client {
	proxy := http.ProxyFromEnvironment
	if proxyFn != nil {
		proxy = proxyFn
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}
