package fetch

import (
	"bytes"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/sourcescout/sourcescout/internal/source"
)

// defaultLinkSelectors target containers that usually hold article links.
var defaultLinkSelectors = []string{
	"article a[href]",
	"main a[href]",
	"h2 a[href]", "h3 a[href]",
	".post a[href]", ".entry a[href]", ".card a[href]",
	"[class*='article'] a[href]", "[class*='post-'] a[href]",
}

var (
	datePathPattern = regexp.MustCompile(`/20\d{2}/\d{1,2}(/\d{1,2})?/`)
	yearSlugPattern = regexp.MustCompile(`-20\d{2}(-|$|\.)`)
	junkPathPattern = regexp.MustCompile(`(?i)/(tag|tags|category|categories|author|page|wp-admin|wp-login|cdn-cgi)/`)
)

// genericAnchorTexts never make article titles.
var genericAnchorTexts = map[string]struct{}{
	"read more": {}, "more": {}, "continue reading": {}, "learn more": {},
	"next": {}, "previous": {}, "home": {}, "share": {}, "comments": {},
}

// extractLinksFromHTML applies the selector and JSON-LD heuristics to one
// page and returns candidate links plus the rel=next pagination URL, if any.
func extractLinksFromHTML(base *url.URL, body []byte, cfg source.ScrapeConfig) ([]source.Link, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, ""
	}

	byURL := map[string]source.Link{}
	record := func(l source.Link) {
		if l.URL == "" {
			return
		}
		if existing, ok := byURL[l.URL]; ok && existing.Confidence >= l.Confidence {
			return
		}
		byURL[l.URL] = l
	}

	for _, l := range jsonLDLinks(doc, base) {
		record(l)
	}

	selectors := cfg.Selectors
	if len(selectors) == 0 {
		selectors = defaultLinkSelectors
	}
	for _, sel := range selectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if goquery.NodeName(s) == "a" {
				record(anchorLink(s, base, cfg))
				return
			}
			// Container selector; scan the anchors inside it.
			s.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
				record(anchorLink(a, base, cfg))
			})
		})
	}

	links := make([]source.Link, 0, len(byURL))
	for _, l := range byURL {
		links = append(links, l)
	}
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].Confidence != links[j].Confidence {
			return links[i].Confidence > links[j].Confidence
		}
		return links[i].URL < links[j].URL
	})
	if cfg.MaxLinksPerPage > 0 && len(links) > cfg.MaxLinksPerPage {
		links = links[:cfg.MaxLinksPerPage]
	}

	next, _ := doc.Find(`link[rel="next"], a[rel="next"]`).First().Attr("href")
	return links, resolveRef(base, next)
}

// anchorLink scores one anchor, returning a zero Link when it does not look
// like article content.
func anchorLink(s *goquery.Selection, base *url.URL, cfg source.ScrapeConfig) source.Link {
	for _, excl := range cfg.ExcludeSelectors {
		if s.Closest(excl).Length() > 0 {
			return source.Link{}
		}
	}

	href, _ := s.Attr("href")
	abs := resolveRef(base, href)
	if abs == "" {
		return source.Link{}
	}
	parsed, err := url.Parse(abs)
	if err != nil || !sameSite(base, parsed) {
		return source.Link{}
	}
	path := parsed.Path
	if path == "" || path == "/" || junkPathPattern.MatchString(path) {
		return source.Link{}
	}

	title := strings.Join(strings.Fields(s.Text()), " ")
	if _, generic := genericAnchorTexts[strings.ToLower(title)]; generic {
		title = ""
	}

	conf := 0.5
	if datePathPattern.MatchString(path) {
		conf += 0.2
	}
	if yearSlugPattern.MatchString(path) {
		conf += 0.1
	}
	if strings.Count(strings.Trim(path, "/"), "/") >= 1 {
		conf += 0.05
	}
	if slugWordCount(path) >= 3 {
		conf += 0.1
	}
	if len(title) >= 20 {
		conf += 0.05
	}
	if conf > 0.85 {
		conf = 0.85
	}

	return source.Link{
		URL:        abs,
		Title:      title,
		Confidence: conf,
		Source:     "selector",
	}
}

// jsonLDLinks pulls Article-typed structured data blocks; they are the
// strongest signal a page offers.
func jsonLDLinks(doc *goquery.Document, base *url.URL) []source.Link {
	var links []source.Link
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		for _, node := range flattenJSONLD(payload) {
			l := articleFromJSONLD(node, base)
			if l.URL != "" {
				links = append(links, l)
			}
		}
	})
	return links
}

// flattenJSONLD walks a decoded JSON-LD payload and yields every object,
// including @graph members and ItemList elements.
func flattenJSONLD(payload any) []map[string]any {
	var out []map[string]any
	switch v := payload.(type) {
	case []any:
		for _, item := range v {
			out = append(out, flattenJSONLD(item)...)
		}
	case map[string]any:
		out = append(out, v)
		if graph, ok := v["@graph"].([]any); ok {
			out = append(out, flattenJSONLD(graph)...)
		}
		if elems, ok := v["itemListElement"].([]any); ok {
			out = append(out, flattenJSONLD(elems)...)
		}
		if item, ok := v["item"].(map[string]any); ok {
			out = append(out, item)
		}
	}
	return out
}

func articleFromJSONLD(node map[string]any, base *url.URL) source.Link {
	typ, _ := node["@type"].(string)
	switch typ {
	case "Article", "NewsArticle", "BlogPosting", "Report":
	default:
		return source.Link{}
	}

	rawURL, _ := node["url"].(string)
	if rawURL == "" {
		if id, ok := node["@id"].(string); ok {
			rawURL = id
		}
	}
	abs := resolveRef(base, rawURL)
	if abs == "" {
		return source.Link{}
	}

	l := source.Link{URL: abs, Confidence: 0.9, Source: "json-ld"}
	if headline, ok := node["headline"].(string); ok {
		l.Title = strings.TrimSpace(headline)
	}
	if desc, ok := node["description"].(string); ok {
		l.Description = strings.TrimSpace(desc)
	}
	if published, ok := node["datePublished"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, published); err == nil {
			l.PublishedAt = ts.UTC()
		}
	}
	return l
}

// sameSite accepts the same registrable host and its www variant.
func sameSite(base, candidate *url.URL) bool {
	a := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	b := strings.TrimPrefix(strings.ToLower(candidate.Hostname()), "www.")
	return a == b
}

func slugWordCount(path string) int {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	last := segs[len(segs)-1]
	return len(strings.FieldsFunc(last, func(r rune) bool { return r == '-' || r == '_' }))
}
