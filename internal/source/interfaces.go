package source

import (
	"context"
	"time"
)

// FeedItem is one entry from a syndication feed.
type FeedItem struct {
	Title     string
	Link      string
	GUID      string
	Published time.Time
	Content   string
	Excerpt   string
}

// FeedRef points at a feed discovered from HTML link hints or common paths.
type FeedRef struct {
	URL        string
	Title      string
	Confidence float64
}

// FeedService fetches syndication feeds and discovers them from HTML pages.
type FeedService interface {
	Fetch(ctx context.Context, feedURL string) ([]FeedItem, error)
	Discover(ctx context.Context, pageURL string) ([]FeedRef, error)
}

// NewsInfo is the news-extension block of a sitemap entry.
type NewsInfo struct {
	Title       string
	PublishedAt time.Time
}

// SitemapEntry is one URL from a sitemap document.
type SitemapEntry struct {
	URL        string
	LastMod    time.Time
	ChangeFreq string
	Priority   float64
	News       *NewsInfo
}

// SitemapOptions tune sitemap parsing.
type SitemapOptions struct {
	MaxEntries  int
	IncludeNews bool
}

// SitemapService parses sitemap documents (including sitemap indexes) and
// discovers a site's sitemap locations.
type SitemapService interface {
	Parse(ctx context.Context, sitemapURL string, opts SitemapOptions) ([]SitemapEntry, error)
	Discover(ctx context.Context, siteURL string) ([]string, error)
}

// Link is a candidate article link pulled out of a rendered or raw page.
type Link struct {
	URL         string
	Title       string
	Description string
	PublishedAt time.Time
	Confidence  float64
	Source      string
}

// LinkExtractor pulls candidate article links from a page. Implementations
// exist for raw HTML fetching and for headless-browser rendering.
type LinkExtractor interface {
	Extract(ctx context.Context, pageURL string, cfg ScrapeConfig) ([]Link, error)
}

// Prober answers cheap existence checks, used for blog-subdomain probing.
type Prober interface {
	Exists(ctx context.Context, rawURL string) bool
}

// Content is the full extracted body of one article.
type Content struct {
	Title       string
	Text        string
	Excerpt     string
	WordCount   int
	ReadingTime time.Duration
	DedupeKey   string
}

// ContentExtractor fetches and extracts an article's full content.
// A nil Content with nil error means the page had no extractable article.
type ContentExtractor interface {
	Extract(ctx context.Context, articleURL string) (*Content, error)
}
