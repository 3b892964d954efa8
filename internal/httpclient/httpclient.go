// Package httpclient provides the shared HTTP transport for all Subsonic
// origins: a tuned client, a one-shot retry policy for 429/5xx responses
// and a per-origin concurrency limiter.
package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client used for Subsonic listing calls.
func Default() *http.Client {
	return defaultClient
}

// WithoutTimeout returns a client sharing the default transport but with no
// overall request timeout. Binary fetches (download, stream, cover art) can
// outlive any fixed deadline, so cancellation is left to the caller's context
// and to read errors.
func WithoutTimeout() *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{}
	}
	return &http.Client{Transport: t.Clone()}
}

// WithTimeout returns a client with the given timeout and the same transport
// as Default (or a copy).
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: t.Clone(),
	}
}
