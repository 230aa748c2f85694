package fetch

import (
	"bytes"
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/source"
)

// feedAccept asks servers for syndication formats before generic XML.
const feedAccept = "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"

// commonFeedPaths are well-known feed locations offered as low-confidence
// candidates when a page carries no explicit feed hints.
var commonFeedPaths = []string{"/feed", "/rss", "/feed.xml", "/rss.xml", "/atom.xml", "/index.xml"}

// FeedClient fetches and autodiscovers syndication feeds. It implements
// source.FeedService.
type FeedClient struct {
	cfg    Config
	parser *gofeed.Parser
	logger *zap.Logger
}

// NewFeedClient constructs a FeedClient with defaults applied.
func NewFeedClient(cfg Config) *FeedClient {
	cfg = cfg.withDefaults()
	return &FeedClient{cfg: cfg, parser: gofeed.NewParser(), logger: cfg.Logger}
}

// Fetch downloads and parses one feed, in any format gofeed understands.
func (f *FeedClient) Fetch(ctx context.Context, feedURL string) ([]source.FeedItem, error) {
	body, err := f.cfg.get(ctx, "feed.fetch", feedURL, feedAccept)
	if err != nil {
		return nil, err
	}
	feed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "feed.parse", feedURL, err)
	}

	base, _ := url.Parse(feedURL)
	items := make([]source.FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		link := resolveRef(base, it.Link)
		if link == "" {
			continue
		}
		item := source.FeedItem{
			Title:   strings.TrimSpace(it.Title),
			Link:    link,
			GUID:    it.GUID,
			Content: it.Content,
			Excerpt: excerptFromHTML(it.Description, 280),
		}
		if it.PublishedParsed != nil {
			item.Published = it.PublishedParsed.UTC()
		} else if it.UpdatedParsed != nil {
			item.Published = it.UpdatedParsed.UTC()
		}
		if item.Content == "" {
			item.Content = it.Description
		}
		items = append(items, item)
	}
	f.logger.Debug("feed fetched", zap.String("url", feedURL), zap.Int("items", len(items)))
	return items, nil
}

// Discover scans a page for feed link hints and appends well-known feed
// paths as low-confidence fallbacks. Results are sorted best-first; no
// candidate is verified here.
func (f *FeedClient) Discover(ctx context.Context, pageURL string) ([]source.FeedRef, error) {
	body, err := f.cfg.get(ctx, "feed.discover", pageURL, "text/html, */*;q=0.8")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "feed.discover", pageURL, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "feed.discover", pageURL, err)
	}

	seen := map[string]bool{}
	var refs []source.FeedRef
	add := func(ref source.FeedRef) {
		if ref.URL == "" || seen[ref.URL] {
			return
		}
		seen[ref.URL] = true
		refs = append(refs, ref)
	}

	doc.Find(`link[rel="alternate"]`).Each(func(_ int, s *goquery.Selection) {
		typ, _ := s.Attr("type")
		if !isFeedMIME(typ) {
			return
		}
		href, _ := s.Attr("href")
		title, _ := s.Attr("title")
		add(source.FeedRef{URL: resolveRef(base, href), Title: title, Confidence: 0.9})
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		lower := strings.ToLower(href)
		if !strings.Contains(lower, "feed") && !strings.Contains(lower, "rss") && !strings.Contains(lower, "atom") {
			return
		}
		add(source.FeedRef{URL: resolveRef(base, href), Title: strings.TrimSpace(s.Text()), Confidence: 0.5})
	})

	for _, path := range commonFeedPaths {
		guess := *base
		guess.Path = path
		guess.RawQuery = ""
		guess.Fragment = ""
		add(source.FeedRef{URL: guess.String(), Confidence: 0.3})
	}

	sort.SliceStable(refs, func(i, j int) bool { return refs[i].Confidence > refs[j].Confidence })
	return refs, nil
}

func isFeedMIME(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "application/rss+xml", "application/atom+xml", "application/feed+json", "application/json":
		return true
	}
	return false
}

// resolveRef resolves a possibly-relative href against base, dropping
// anything that does not end up absolute http(s).
func resolveRef(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || base == nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// excerptFromHTML strips markup and truncates to limit runes on a word
// boundary.
func excerptFromHTML(html string, limit int) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(doc.Text()), " ")
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}
