// Package source implements the discovery cascade: given a site URL it tries
// feed, sitemap, HTML-scraping, and headless-render strategies in a fixed
// priority order, routing every outbound fetch through the host rate limiter
// and circuit breakers, and post-processing candidates uniformly.
package source

import (
	"time"

	"github.com/sourcescout/sourcescout/internal/breaker"
)

// Strategy names a discovery method.
type Strategy string

// Strategy values. StrategyDiscovery marks candidates found via the
// headless-render fallback.
const (
	StrategyAuto      Strategy = "auto"
	StrategyFeed      Strategy = "feed"
	StrategySitemap   Strategy = "sitemap"
	StrategyHTML      Strategy = "html"
	StrategyDiscovery Strategy = "discovery"
	StrategyUnknown   Strategy = "unknown"
)

// Candidate is one discovered content item. Confidence is monotonic: higher
// always means more likely to be genuine content.
type Candidate struct {
	URL              string         `json:"url"`
	Title            string         `json:"title"`
	PublishedAt      time.Time      `json:"published_at"`
	RawContent       string         `json:"raw_content,omitempty"`
	Excerpt          string         `json:"excerpt,omitempty"`
	DedupeKey        string         `json:"dedupe_key,omitempty"`
	Confidence       float64        `json:"confidence"`
	SourceStrategy   Strategy       `json:"source_strategy"`
	ExtractionMethod Strategy       `json:"extraction_method"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ScrapeConfig tunes the HTML and rendered link-extraction strategies. It is
// passed through to the extractors opaquely.
type ScrapeConfig struct {
	Selectors        []string `json:"selectors,omitempty"`
	ExcludeSelectors []string `json:"exclude_selectors,omitempty"`
	MaxPages         int      `json:"max_pages,omitempty"`
	MaxLinksPerPage  int      `json:"max_links_per_page,omitempty"`
}

// SessionConfig is the immutable input to one orchestration call.
type SessionConfig struct {
	// SourceType pins a single strategy, or StrategyAuto for the cascade.
	SourceType Strategy `json:"source_type"`
	AllowPaths []string `json:"allow_paths,omitempty"`
	DenyPaths  []string `json:"deny_paths,omitempty"`
	// MaxDepth bounds traversal depth, clamped to 1..5.
	MaxDepth   int          `json:"max_depth,omitempty"`
	DetectOnly bool         `json:"detect_only,omitempty"`
	Scrape     ScrapeConfig `json:"scrape,omitempty"`
	// Breaker optionally overrides the orchestrator's discovery breaker.
	Breaker *breaker.Breaker `json:"-"`
}

// Stats counts strategy and filtering outcomes for one session.
type Stats struct {
	Attempted  int `json:"attempted"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Filtered   int `json:"filtered"`
}

// Result is the outcome of one orchestration session. It is always returned,
// never an error: discovery failures accumulate in Errors.
type Result struct {
	SessionID          string        `json:"session_id"`
	Items              []Candidate   `json:"items"`
	DetectedType       Strategy      `json:"detected_type"`
	DiscoveredFeeds    []string      `json:"discovered_feeds,omitempty"`
	DiscoveredSitemaps []string      `json:"discovered_sitemaps,omitempty"`
	Stats              Stats         `json:"stats"`
	Elapsed            time.Duration `json:"elapsed"`
	Errors             []string      `json:"errors,omitempty"`
}
