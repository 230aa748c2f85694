package source

import (
	"net/url"
	"sort"
	"strings"
)

// DefaultDenyPaths filters obvious non-content pages when the caller supplies
// no deny patterns of their own.
var DefaultDenyPaths = []string{
	"/about/*", "/contact/*", "/privacy/*", "/terms/*", "/legal/*",
	"/careers/*", "/jobs/*", "/login/*", "/signin/*", "/signup/*",
	"/register/*", "/account/*", "/cart/*", "/checkout/*", "/search/*",
	"/cookie-policy/*", "/sitemap/*",
}

// contentSections are first path segments that commonly hold articles; used
// for allow-path inference and sitemap section auto-discovery.
var contentSections = map[string]struct{}{
	"news": {}, "blog": {}, "articles": {}, "article": {}, "posts": {},
	"post": {}, "stories": {}, "story": {}, "press": {}, "press-releases": {},
	"updates": {}, "insights": {}, "journal": {}, "magazine": {},
	"newsroom": {}, "media": {}, "research": {}, "publications": {},
	"engineering": {}, "resources": {},
}

// localePrefixes are first path segments marking non-English locale trees;
// candidates under them are always dropped.
var localePrefixes = map[string]struct{}{
	"de": {}, "fr": {}, "es": {}, "it": {}, "pt": {}, "nl": {}, "pl": {},
	"ru": {}, "ja": {}, "zh": {}, "ko": {}, "ar": {}, "tr": {}, "sv": {},
	"da": {}, "fi": {}, "no": {}, "cs": {}, "el": {}, "he": {}, "hi": {},
	"th": {}, "id": {}, "vi": {}, "uk": {}, "ro": {}, "hu": {},
	"de-de": {}, "fr-fr": {}, "es-es": {}, "es-mx": {}, "pt-br": {},
	"zh-cn": {}, "zh-tw": {}, "ja-jp": {}, "ko-kr": {},
}

const (
	// sectionMinOccurrences is the tally threshold for sitemap section
	// auto-discovery.
	sectionMinOccurrences = 3
	maxResultItems        = 1000
)

// inferAllowPaths synthesizes allow patterns when the caller supplied none
// and the input URL carries a non-trivial path. A recognized content section
// wins; otherwise the literal input path is used.
func inferAllowPaths(input *url.URL) []string {
	seg := firstSegment(input.Path)
	if seg == "" {
		return nil
	}
	if _, ok := contentSections[seg]; ok {
		return []string{"/" + seg + "/*"}
	}
	trimmed := strings.Trim(input.Path, "/")
	if trimmed == "" {
		return nil
	}
	return []string{"/" + trimmed + "/*"}
}

func firstSegment(path string) string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return ""
	}
	seg, _, _ := strings.Cut(trimmed, "/")
	return strings.ToLower(seg)
}

// discoverSections tallies first path segments across sitemap entries and
// keeps those that recur and look like content sections. An empty result
// means no section stood out and no section filtering should apply.
func discoverSections(entries []SitemapEntry) []string {
	tally := make(map[string]int)
	for _, e := range entries {
		parsed, err := url.Parse(e.URL)
		if err != nil {
			continue
		}
		seg := firstSegment(parsed.Path)
		if seg == "" {
			continue
		}
		tally[seg]++
	}
	var sections []string
	for seg, count := range tally {
		if count < sectionMinOccurrences {
			continue
		}
		if !looksLikeContentSection(seg) {
			continue
		}
		sections = append(sections, "/"+seg+"/*")
	}
	sort.Strings(sections)
	return sections
}

func looksLikeContentSection(seg string) bool {
	if _, ok := contentSections[seg]; ok {
		return true
	}
	if _, locale := localePrefixes[seg]; locale {
		return false
	}
	if len(seg) < 3 {
		return false
	}
	switch seg {
	case "tag", "tags", "category", "categories", "author", "authors",
		"page", "pages", "product", "products", "shop", "static", "assets",
		"images", "wp-content", "wp-json", "feed", "api":
		return false
	}
	for _, r := range seg {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

// filterSpec carries the compiled filters for one session.
type filterSpec struct {
	allow *PathMatcher
	deny  *PathMatcher
}

func newFilterSpec(allowPaths, denyPaths []string) filterSpec {
	if denyPaths == nil {
		denyPaths = DefaultDenyPaths
	}
	return filterSpec{
		allow: NewPathMatcher(allowPaths),
		deny:  NewPathMatcher(denyPaths),
	}
}

// keep decides whether one candidate survives path and locale filtering.
// Allow patterns are skipped for feed-sourced candidates: feeds are treated
// as pre-curated.
func (f filterSpec) keep(c Candidate) bool {
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return false
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if _, locale := localePrefixes[firstSegment(path)]; locale {
		return false
	}
	if f.deny.Matches(path) {
		return false
	}
	if c.SourceStrategy == StrategyFeed {
		return true
	}
	if !f.allow.Empty() && !f.allow.Matches(path) {
		return false
	}
	return true
}

// dedupeByURL keeps the highest-confidence candidate per URL, preserving
// first-seen order otherwise.
func dedupeByURL(items []Candidate) []Candidate {
	index := make(map[string]int, len(items))
	out := items[:0]
	for _, c := range items {
		if at, seen := index[c.URL]; seen {
			if c.Confidence > out[at].Confidence {
				out[at] = c
			}
			continue
		}
		index[c.URL] = len(out)
		out = append(out, c)
	}
	return out
}

// sortCandidates orders by descending confidence; confidences within 0.1 of
// each other tie-break by descending publish date.
func sortCandidates(items []Candidate) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		diff := a.Confidence - b.Confidence
		if diff > 0.1 || diff < -0.1 {
			return a.Confidence > b.Confidence
		}
		return a.PublishedAt.After(b.PublishedAt)
	})
}

// capItems truncates to the session maximum.
func capItems(items []Candidate, limit int) []Candidate {
	if limit <= 0 {
		limit = maxResultItems
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
