// Package fetch implements the concrete network services behind the
// discovery strategies: feed fetching and autodiscovery, sitemap parsing,
// link scraping (raw and headless-rendered), full-content extraction, and
// subdomain probing.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
)

// DefaultUserAgent identifies outbound requests when no override is set.
const DefaultUserAgent = "sourcescout/1.0 (+https://github.com/sourcescout/sourcescout)"

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// Config carries the shared knobs for all fetch services.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// Client overrides the default transport, mostly for tests.
	Client *http.Client
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Client == nil {
		c.Client = newHTTPClient(c.Timeout)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          128,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// get performs a GET with the configured user agent and returns at most
// MaxBodyBytes of the body. Non-2xx responses become status errors.
func (c Config) get(ctx context.Context, op, rawURL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, op, rawURL, err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindOf(err), op, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fetcherr.Status(resp.StatusCode, op, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxBodyBytes))
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindOf(err), op, rawURL, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}
