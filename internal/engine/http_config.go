package engine

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures HTTPEngine.
type HTTPConfig struct {
	// required
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	MaxRetries  int           // retries after the first attempt (default: 2)
	BaseBackoff time.Duration // initial backoff (default: 100ms)

	MaxIdleConnsPerHost int // default: 16

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.New("BaseURL must be an http(s) URL")
	}
	return nil
}

// WithDefaults returns a copy of HTTPConfig with defaults applied.
func (c *HTTPConfig) WithDefaults() HTTPConfig {
	cfg := *c

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	return cfg
}

// defaultTransport has no overall request timeout: the per-run deadline
// arrives through the context.
func defaultTransport(cfg HTTPConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
