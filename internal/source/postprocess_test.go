package source

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// TestInferAllowPaths verifies paths become allow patterns: recognized
// sections collapse to the section, arbitrary paths are kept literally.
func TestInferAllowPaths(t *testing.T) {
	t.Parallel()

	require.Nil(t, inferAllowPaths(mustParse(t, "https://example.com/")))
	require.Nil(t, inferAllowPaths(mustParse(t, "https://example.com")))

	require.Equal(t, []string{"/blog/*"}, inferAllowPaths(mustParse(t, "https://example.com/blog")))
	require.Equal(t, []string{"/news/*"}, inferAllowPaths(mustParse(t, "https://example.com/news/markets")))
	require.Equal(t, []string{"/corp/announcements/*"}, inferAllowPaths(mustParse(t, "https://example.com/corp/announcements/")))
}

// TestDiscoverSections checks the tally threshold and the junk-segment filter.
func TestDiscoverSections(t *testing.T) {
	t.Parallel()

	var entries []SitemapEntry
	for _, path := range []string{
		"/news/a", "/news/b", "/news/c", "/news/d",
		"/blog/x", "/blog/y", "/blog/z",
		"/research/only-once",
		"/tag/widgets", "/tag/sprockets", "/tag/gears",
		"/de/nachrichten/1", "/de/nachrichten/2", "/de/nachrichten/3",
	} {
		entries = append(entries, SitemapEntry{URL: "https://example.com" + path})
	}

	sections := discoverSections(entries)
	require.Equal(t, []string{"/blog/*", "/news/*"}, sections)
}

// TestFilterSpecKeep covers deny precedence, the feed exemption, locale
// dropping, and allow enforcement.
func TestFilterSpecKeep(t *testing.T) {
	t.Parallel()

	spec := newFilterSpec([]string{"/blog/*"}, nil)

	keep := func(rawURL string, strategy Strategy) bool {
		return spec.keep(Candidate{URL: rawURL, SourceStrategy: strategy})
	}

	require.True(t, keep("https://example.com/blog/my-post", StrategyHTML))
	require.False(t, keep("https://example.com/pricing", StrategyHTML), "outside allow list")
	require.False(t, keep("https://example.com/about/team", StrategyHTML), "default deny")
	require.False(t, keep("https://example.com/de/blog/beitrag", StrategyHTML), "locale prefix")
	require.False(t, keep("://bad", StrategyHTML))

	// Feed items bypass allow filtering but not deny or locale filtering.
	require.True(t, keep("https://example.com/anywhere/else", StrategyFeed))
	require.False(t, keep("https://example.com/about/team", StrategyFeed))
	require.False(t, keep("https://example.com/fr/article", StrategyFeed))
}

// TestFilterSpecExplicitDenyReplacesDefaults ensures a caller-supplied deny
// list fully replaces the built-in one.
func TestFilterSpecExplicitDenyReplacesDefaults(t *testing.T) {
	t.Parallel()

	spec := newFilterSpec(nil, []string{"/archive/*"})
	require.True(t, spec.keep(Candidate{URL: "https://example.com/about/team", SourceStrategy: StrategyHTML}))
	require.False(t, spec.keep(Candidate{URL: "https://example.com/archive/2020", SourceStrategy: StrategyHTML}))
}

// TestDedupeByURL keeps the highest-confidence duplicate in first-seen order.
func TestDedupeByURL(t *testing.T) {
	t.Parallel()

	items := []Candidate{
		{URL: "https://example.com/a", Confidence: 0.6},
		{URL: "https://example.com/b", Confidence: 0.5},
		{URL: "https://example.com/a", Confidence: 0.9, Title: "better"},
	}
	out := dedupeByURL(items)
	require.Len(t, out, 2)
	require.Equal(t, "https://example.com/a", out[0].URL)
	require.Equal(t, "better", out[0].Title)
	require.InDelta(t, 0.9, out[0].Confidence, 1e-9)
	require.Equal(t, "https://example.com/b", out[1].URL)
}

// TestSortCandidates verifies the 0.1 confidence band: within the band the
// newer item wins, outside it confidence dominates regardless of date.
func TestSortCandidates(t *testing.T) {
	t.Parallel()

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	items := []Candidate{
		{URL: "low-new", Confidence: 0.5, PublishedAt: recent},
		{URL: "high-old", Confidence: 0.9, PublishedAt: old},
		{URL: "high-new", Confidence: 0.85, PublishedAt: recent},
	}
	sortCandidates(items)

	// 0.9 vs 0.85 is within the band, so the newer one leads.
	require.Equal(t, "high-new", items[0].URL)
	require.Equal(t, "high-old", items[1].URL)
	require.Equal(t, "low-new", items[2].URL)
}

// TestCapItems truncates, applying the package default when limit is unset.
func TestCapItems(t *testing.T) {
	t.Parallel()

	items := make([]Candidate, 10)
	require.Len(t, capItems(items, 4), 4)
	require.Len(t, capItems(items, 0), 10)
	require.Len(t, capItems(items, 100), 10)
}

// TestTitleFromSlug covers slug humanization used for bare sitemap entries.
func TestTitleFromSlug(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Rate Cut 2026", titleFromSlug("https://example.com/news/rate-cut-2026"))
	require.Equal(t, "Hello World", titleFromSlug("https://example.com/blog/hello_world.html"))
	require.Equal(t, "", titleFromSlug("https://example.com/"))
}
