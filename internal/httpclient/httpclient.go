package httpclient

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	// UserAgent is sent on every provider request. The provider serves the web player
	// API only to browser-like agents.
	UserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/604.5.6 (KHTML, like Gecko) Version/11.0.3 Safari/604.5.6"
)

var defaultTransport *http.Transport

var defaultClient *http.Client

func init() {
	defaultTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: otelhttp.NewTransport(defaultTransport),
	}
}

// Default returns the shared tuned HTTP client (no cookie jar).
func Default() *http.Client {
	return defaultClient
}

// WithJar returns a client sharing the default connection pool that reads and writes
// cookies through jar. Per-exchange clients are cheap: only the jar differs.
func WithJar(jar http.CookieJar, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultClient.Transport,
		Jar:       jar,
	}
}

// WithTimeout returns a client with the given timeout and a copy of the default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(defaultTransport.Clone()),
	}
}

// CloseIdle drops pooled connections. Called once at shutdown.
func CloseIdle() {
	defaultTransport.CloseIdleConnections()
}
