// Package robots evaluates crawl policy (robots.txt) per host. Policies are
// fetched once, cached with a TTL, and consulted before link-scraping and
// rendering fetches. Fetch failures fail open: an unreachable or missing
// robots.txt never blocks a request.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/clock"
)

const maxRobotsBytes = 512 << 10

// Decision is the evaluator's answer for one URL.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
	Sitemaps   []string
	Reason     string
}

// Config controls an Evaluator. Zero values get defaults from New.
type Config struct {
	UserAgent    string
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	FailureTTL   time.Duration
	Client       *http.Client
	Clock        clock.Clock
	Logger       *zap.Logger
}

type cacheEntry struct {
	data     *robotstxt.RobotsData // nil means fail-open, no restrictions
	sitemaps []string
	fetched  time.Time
	ttl      time.Duration
}

// Evaluator caches one parsed policy per host.
type Evaluator struct {
	cfg    Config
	client *http.Client
	clk    clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// New constructs an Evaluator.
func New(cfg Config) *Evaluator {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sourcescout/1.0"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = 5 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		cfg:    cfg,
		client: client,
		clk:    clk,
		logger: logger,
		cache:  make(map[string]*cacheEntry),
	}
}

// IsAllowed reports whether rawURL may be fetched, along with the host's
// crawl-delay hint and robots-declared sitemaps.
func (e *Evaluator) IsAllowed(ctx context.Context, rawURL string) Decision {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || parsed.Scheme == "" {
		return Decision{Allowed: false, Reason: "invalid URL"}
	}

	entry := e.load(ctx, parsed)
	if entry.data == nil {
		return Decision{Allowed: true, Sitemaps: entry.sitemaps, Reason: "no policy"}
	}

	group := entry.data.FindGroup(e.cfg.UserAgent)
	if group == nil {
		return Decision{Allowed: true, Sitemaps: entry.sitemaps, Reason: "no matching rule"}
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	if !group.Test(path) {
		return Decision{
			Allowed:    false,
			CrawlDelay: group.CrawlDelay,
			Sitemaps:   entry.sitemaps,
			Reason:     fmt.Sprintf("disallowed by robots policy for %s", hostKey(parsed)),
		}
	}
	return Decision{
		Allowed:    true,
		CrawlDelay: group.CrawlDelay,
		Sitemaps:   entry.sitemaps,
		Reason:     "allowed",
	}
}

// Sitemaps returns the robots-declared sitemap URLs for siteURL's host.
func (e *Evaluator) Sitemaps(ctx context.Context, siteURL string) []string {
	parsed, err := url.Parse(siteURL)
	if err != nil || parsed.Host == "" {
		return nil
	}
	return e.load(ctx, parsed).sitemaps
}

func (e *Evaluator) load(ctx context.Context, parsed *url.URL) *cacheEntry {
	key := hostKey(parsed)
	now := e.clk.Now()

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && now.Sub(entry.fetched) < entry.ttl {
		e.mu.Unlock()
		return entry
	}
	e.mu.Unlock()

	entry := e.fetch(ctx, parsed)
	entry.fetched = now

	e.mu.Lock()
	e.cache[key] = entry
	e.mu.Unlock()
	return entry
}

func (e *Evaluator) fetch(ctx context.Context, parsed *url.URL) *cacheEntry {
	robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &cacheEntry{ttl: e.cfg.FailureTTL}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Debug("robots fetch failed, allowing all",
			zap.String("url", robotsURL), zap.Error(err))
		return &cacheEntry{ttl: e.cfg.FailureTTL}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Debug("robots returned non-2xx, allowing all",
			zap.String("url", robotsURL), zap.Int("status", resp.StatusCode))
		return &cacheEntry{ttl: e.cfg.FailureTTL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return &cacheEntry{ttl: e.cfg.FailureTTL}
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		e.logger.Warn("robots parse failed, allowing all",
			zap.String("url", robotsURL), zap.Error(err))
		return &cacheEntry{ttl: e.cfg.FailureTTL}
	}
	return &cacheEntry{
		data:     data,
		sitemaps: append([]string(nil), data.Sitemaps...),
		ttl:      e.cfg.CacheTTL,
	}
}

func hostKey(parsed *url.URL) string {
	return strings.ToLower(parsed.Host)
}

// cacheSize is used by tests to assert caching behavior.
func (e *Evaluator) cacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}
