package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcescout/sourcescout/internal/clock"
)

const policyBody = `User-agent: scoutbot
Disallow: /private/
Allow: /private/press/
Crawl-delay: 2

User-agent: *
Disallow: /admin/

Sitemap: https://example.com/sitemap.xml
Sitemap: https://example.com/news-sitemap.xml
`

func newPolicyServer(t *testing.T, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fetches.Add(1)
		fmt.Fprint(w, policyBody)
	}))
}

func TestIsAllowedMatchesOwnUserAgentBlock(t *testing.T) {
	var fetches atomic.Int32
	srv := newPolicyServer(t, &fetches)
	defer srv.Close()

	e := New(Config{UserAgent: "scoutbot"})
	ctx := context.Background()

	d := e.IsAllowed(ctx, srv.URL+"/private/reports")
	require.False(t, d.Allowed)
	require.NotEmpty(t, d.Reason)

	d = e.IsAllowed(ctx, srv.URL+"/private/press/launch")
	require.True(t, d.Allowed, "allow override should win over disallow")
	require.Equal(t, 2*time.Second, d.CrawlDelay)

	d = e.IsAllowed(ctx, srv.URL+"/blog/post")
	require.True(t, d.Allowed)
	require.Equal(t, []string{
		"https://example.com/sitemap.xml",
		"https://example.com/news-sitemap.xml",
	}, d.Sitemaps)
}

func TestIsAllowedFallsBackToWildcardBlock(t *testing.T) {
	var fetches atomic.Int32
	srv := newPolicyServer(t, &fetches)
	defer srv.Close()

	e := New(Config{UserAgent: "otherbot"})
	ctx := context.Background()

	require.False(t, e.IsAllowed(ctx, srv.URL+"/admin/panel").Allowed)
	require.True(t, e.IsAllowed(ctx, srv.URL+"/private/reports").Allowed,
		"scoutbot-specific rules must not apply to other agents")
}

func TestPolicyIsCachedUntilTTLExpires(t *testing.T) {
	var fetches atomic.Int32
	srv := newPolicyServer(t, &fetches)
	defer srv.Close()

	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	e := New(Config{UserAgent: "scoutbot", CacheTTL: time.Hour, Clock: clk})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.IsAllowed(ctx, srv.URL+"/blog/post")
	}
	require.Equal(t, int32(1), fetches.Load())
	require.Equal(t, 1, e.cacheSize())

	clk.Advance(2 * time.Hour)
	e.IsAllowed(ctx, srv.URL+"/blog/post")
	require.Equal(t, int32(2), fetches.Load())
}

func TestFetchFailureFailsOpenWithShortTTL(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	e := New(Config{UserAgent: "scoutbot", FailureTTL: time.Minute, Clock: clk})
	ctx := context.Background()

	d := e.IsAllowed(ctx, srv.URL+"/anything")
	require.True(t, d.Allowed, "unreachable policy must fail open")
	require.Equal(t, "no policy", d.Reason)

	// The open result is cached briefly, then refetched.
	status.Store(http.StatusOK)
	require.True(t, e.IsAllowed(ctx, srv.URL+"/anything").Allowed)
	clk.Advance(2 * time.Minute)
	require.True(t, e.IsAllowed(ctx, srv.URL+"/anything").Allowed)
}

func TestInvalidURLIsDenied(t *testing.T) {
	e := New(Config{})
	require.False(t, e.IsAllowed(context.Background(), "not a url").Allowed)
	require.False(t, e.IsAllowed(context.Background(), "/relative/only").Allowed)
}
