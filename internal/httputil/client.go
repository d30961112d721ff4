package httputil

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
	UserAgent      = "riverwatch/1.0 (+https://github.com/lox/riverwatch)"
)

// NewClient returns an HTTP client with standard timeout configuration.
// The cache bounds each fetch more tightly; this is a backstop for callers
// that use the client directly.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
