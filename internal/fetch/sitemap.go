package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/robots"
	"github.com/sourcescout/sourcescout/internal/source"
)

// maxIndexChildren bounds how many child sitemaps of one index are parsed.
const maxIndexChildren = 10

// wellKnownSitemapPaths are probed during autodiscovery, after any robots.txt
// Sitemap directives.
var wellKnownSitemapPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap-index.xml",
	"/news-sitemap.xml",
	"/wp-sitemap.xml",
	"/sitemap/sitemap.xml",
}

var lastModLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.999-07:00",
	"2006-01-02T15:04-07:00",
	"2006-01-02",
}

// SitemapClient parses sitemap documents and discovers sitemap locations.
// It implements source.SitemapService.
type SitemapClient struct {
	cfg    Config
	robots *robots.Evaluator
	logger *zap.Logger
}

// NewSitemapClient constructs a SitemapClient. The robots evaluator is
// optional; without it autodiscovery relies on well-known paths only.
func NewSitemapClient(cfg Config, robotsEval *robots.Evaluator) *SitemapClient {
	cfg = cfg.withDefaults()
	return &SitemapClient{cfg: cfg, robots: robotsEval, logger: cfg.Logger}
}

// Parse fetches one sitemap document. Plain urlsets yield entries directly;
// sitemap indexes recurse into at most maxIndexChildren children, newest
// first as listed.
func (s *SitemapClient) Parse(ctx context.Context, sitemapURL string, opts source.SitemapOptions) ([]source.SitemapEntry, error) {
	return s.parse(ctx, sitemapURL, opts, 0)
}

func (s *SitemapClient) parse(ctx context.Context, sitemapURL string, opts source.SitemapOptions, depth int) ([]source.SitemapEntry, error) {
	body, err := s.cfg.get(ctx, "sitemap.fetch", sitemapURL, "application/xml, text/xml;q=0.9, */*;q=0.8")
	if err != nil {
		return nil, err
	}
	body, err = maybeGunzip(sitemapURL, body)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "sitemap.gunzip", sitemapURL, err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "sitemap.parse", sitemapURL, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "sitemap.parse", sitemapURL, io.ErrUnexpectedEOF)
	}

	switch root.Tag {
	case "urlset":
		return s.parseURLSet(root, opts), nil
	case "sitemapindex":
		if depth >= 1 {
			// One level of indexes is plenty; nested indexes are skipped.
			return nil, nil
		}
		return s.parseIndex(ctx, root, opts, depth)
	default:
		return nil, fetcherr.New(fetcherr.KindExtraction, "sitemap.parse", sitemapURL, errUnknownRoot(root.Tag))
	}
}

func (s *SitemapClient) parseURLSet(root *etree.Element, opts source.SitemapOptions) []source.SitemapEntry {
	var entries []source.SitemapEntry
	for _, el := range root.SelectElements("url") {
		if opts.MaxEntries > 0 && len(entries) >= opts.MaxEntries {
			break
		}
		loc := childText(el, "loc")
		if loc == "" {
			continue
		}
		entry := source.SitemapEntry{
			URL:        loc,
			LastMod:    parseLastMod(childText(el, "lastmod")),
			ChangeFreq: childText(el, "changefreq"),
		}
		if p := childText(el, "priority"); p != "" {
			entry.Priority, _ = strconv.ParseFloat(p, 64)
		}
		if opts.IncludeNews {
			entry.News = parseNews(el)
		}
		entries = append(entries, entry)
	}
	return entries
}

func (s *SitemapClient) parseIndex(ctx context.Context, root *etree.Element, opts source.SitemapOptions, depth int) ([]source.SitemapEntry, error) {
	var entries []source.SitemapEntry
	children := 0
	var lastErr error
	for _, el := range root.SelectElements("sitemap") {
		if children >= maxIndexChildren {
			break
		}
		if opts.MaxEntries > 0 && len(entries) >= opts.MaxEntries {
			break
		}
		loc := childText(el, "loc")
		if loc == "" {
			continue
		}
		children++
		childOpts := opts
		if opts.MaxEntries > 0 {
			childOpts.MaxEntries = opts.MaxEntries - len(entries)
		}
		childEntries, err := s.parse(ctx, loc, childOpts, depth+1)
		if err != nil {
			lastErr = err
			s.logger.Debug("child sitemap failed", zap.String("url", loc), zap.Error(err))
			continue
		}
		entries = append(entries, childEntries...)
	}
	if len(entries) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return entries, nil
}

// Discover lists candidate sitemap URLs for a site: robots.txt Sitemap
// directives first, then well-known paths. Nothing is fetched or verified
// beyond robots.txt.
func (s *SitemapClient) Discover(ctx context.Context, siteURL string) ([]string, error) {
	base, err := url.Parse(siteURL)
	if err != nil || base.Hostname() == "" {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "sitemap.discover", siteURL, err)
	}

	seen := map[string]bool{}
	var out []string
	add := func(loc string) {
		if loc == "" || seen[loc] {
			return
		}
		seen[loc] = true
		out = append(out, loc)
	}

	if s.robots != nil {
		for _, loc := range s.robots.Sitemaps(ctx, siteURL) {
			add(loc)
		}
	}
	for _, path := range wellKnownSitemapPaths {
		guess := *base
		guess.Path = path
		guess.RawQuery = ""
		guess.Fragment = ""
		add(guess.String())
	}
	return out, nil
}

// parseNews reads the Google News extension block, matching by local tag
// name so namespace prefixes do not matter.
func parseNews(el *etree.Element) *source.NewsInfo {
	var news *etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == "news" {
			news = child
			break
		}
	}
	if news == nil {
		return nil
	}
	info := &source.NewsInfo{}
	for _, child := range news.ChildElements() {
		switch child.Tag {
		case "title":
			info.Title = strings.TrimSpace(child.Text())
		case "publication_date":
			info.PublishedAt = parseLastMod(strings.TrimSpace(child.Text()))
		}
	}
	if info.Title == "" && info.PublishedAt.IsZero() {
		return nil
	}
	return info
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}

func parseLastMod(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range lastModLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func maybeGunzip(rawURL string, body []byte) ([]byte, error) {
	gzipMagic := len(body) > 2 && body[0] == 0x1f && body[1] == 0x8b
	if !gzipMagic && !strings.HasSuffix(strings.ToLower(rawURL), ".gz") {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

type errUnknownRoot string

func (e errUnknownRoot) Error() string { return "unknown sitemap root element " + strconv.Quote(string(e)) }
