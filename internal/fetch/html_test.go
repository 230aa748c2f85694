package fetch

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcescout/sourcescout/internal/source"
)

func extract(t *testing.T, base, html string, cfg source.ScrapeConfig) ([]source.Link, string) {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	return extractLinksFromHTML(u, []byte(html), cfg)
}

// TestExtractLinksHeuristics scores anchors by URL shape and filters
// off-site and junk paths.
func TestExtractLinksHeuristics(t *testing.T) {
	t.Parallel()

	html := `<html><body><main>
<h2><a href="/blog/2026/03/full-dated-article-slug">A Long Descriptive Headline Here</a></h2>
<h3><a href="/blog/short">Short</a></h3>
<a href="/tag/economy">economy</a>
<a href="https://other.example.org/blog/foreign-post">Foreign</a>
<a href="/">home</a>
</main></body></html>`

	links, next := extract(t, "https://example.com/blog", html, source.ScrapeConfig{})
	require.Empty(t, next)
	require.Len(t, links, 2)

	require.Equal(t, "https://example.com/blog/2026/03/full-dated-article-slug", links[0].URL)
	require.Equal(t, "A Long Descriptive Headline Here", links[0].Title)
	require.Greater(t, links[0].Confidence, links[1].Confidence, "dated deep slug outranks shallow path")
	require.Equal(t, "https://example.com/blog/short", links[1].URL)
}

// TestExtractLinksJSONLD prefers structured data over anchor heuristics for
// the same URL.
func TestExtractLinksJSONLD(t *testing.T) {
	t.Parallel()

	html := `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"NewsArticle","url":"https://example.com/news/big-story",
   "headline":"Big Story","description":"What happened.",
   "datePublished":"2026-03-02T09:00:00Z"},
  {"@type":"WebSite","url":"https://example.com/"}
]}
</script>
</head><body><main>
<a href="/news/big-story">read more</a>
</main></body></html>`

	links, _ := extract(t, "https://example.com/", html, source.ScrapeConfig{})
	require.Len(t, links, 1)

	l := links[0]
	require.Equal(t, "https://example.com/news/big-story", l.URL)
	require.Equal(t, "Big Story", l.Title)
	require.Equal(t, "What happened.", l.Description)
	require.Equal(t, "json-ld", l.Source)
	require.InDelta(t, 0.9, l.Confidence, 1e-9)
	require.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), l.PublishedAt)
}

// TestExtractLinksCustomSelectors honors caller selectors and excludes.
func TestExtractLinksCustomSelectors(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<div class="stories">
  <a href="/stories/kept-article">Kept</a>
  <div class="promo"><a href="/stories/promoted-junk">Promo</a></div>
</div>
<div class="sidebar"><a href="/stories/sidebar-link">Sidebar</a></div>
</body></html>`

	cfg := source.ScrapeConfig{
		Selectors:        []string{".stories"},
		ExcludeSelectors: []string{".promo"},
	}
	links, _ := extract(t, "https://example.com/", html, cfg)
	require.Len(t, links, 1)
	require.Equal(t, "https://example.com/stories/kept-article", links[0].URL)
}

// TestExtractLinksPagination surfaces the rel=next target and caps results.
func TestExtractLinksPagination(t *testing.T) {
	t.Parallel()

	html := `<html><head><link rel="next" href="/blog/page/2"></head><body><main>
<a href="/blog/post-alpha-one">Alpha One Post</a>
<a href="/blog/post-beta-two">Beta Two Post</a>
<a href="/blog/post-gamma-three">Gamma Three Post</a>
</main></body></html>`

	links, next := extract(t, "https://example.com/blog", html, source.ScrapeConfig{MaxLinksPerPage: 2})
	require.Equal(t, "https://example.com/blog/page/2", next)
	require.Len(t, links, 2)
}

// TestExtractLinksWWWVariant treats www and apex as the same site.
func TestExtractLinksWWWVariant(t *testing.T) {
	t.Parallel()

	html := `<html><body><main><a href="https://www.example.com/blog/cross-host-post">Cross Host Post</a></main></body></html>`
	links, _ := extract(t, "https://example.com/blog", html, source.ScrapeConfig{})
	require.Len(t, links, 1)
}
