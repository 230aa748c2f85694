package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/config"
	"github.com/sourcescout/sourcescout/internal/ratelimit"
	"github.com/sourcescout/sourcescout/internal/source"
)

type apiFeeds struct {
	items []source.FeedItem
	err   error
}

func (f *apiFeeds) Fetch(context.Context, string) ([]source.FeedItem, error) {
	return f.items, f.err
}

func (f *apiFeeds) Discover(context.Context, string) ([]source.FeedRef, error) {
	return nil, f.err
}

type apiSitemaps struct{}

func (apiSitemaps) Parse(context.Context, string, source.SitemapOptions) ([]source.SitemapEntry, error) {
	return nil, errors.New("no sitemap")
}

func (apiSitemaps) Discover(context.Context, string) ([]string, error) { return nil, nil }

type apiLinks struct{}

func (apiLinks) Extract(context.Context, string, source.ScrapeConfig) ([]source.Link, error) {
	return nil, errors.New("unreachable")
}

type apiContent struct {
	content *source.Content
}

func (c *apiContent) Extract(context.Context, string) (*source.Content, error) {
	return c.content, nil
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		RequestsPerSecond:    1000,
		GlobalMaxConcurrent:  16,
		PerHostMaxConcurrent: 8,
		DefaultMaxRetries:    1,
	})
}

func newTestServer(t *testing.T, feeds source.FeedService, content source.ContentExtractor, cfg config.Config) *Server {
	t.Helper()
	limiter := testLimiter()
	orch := source.New(source.Deps{
		Feeds:    feeds,
		Sitemaps: apiSitemaps{},
		Links:    apiLinks{},
		Content:  content,
		Limiter:  limiter,
		Logger:   zap.NewNop(),
	}, source.Config{})
	return NewServer(orch, limiter, cfg, zap.NewNop())
}

func sampleFeedItems() []source.FeedItem {
	return []source.FeedItem{
		{Title: "First", Link: "https://example.com/posts/first", Published: time.Now().Add(-time.Hour)},
		{Title: "Second", Link: "https://example.com/posts/second", Published: time.Now().Add(-2 * time.Hour)},
	}
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &apiFeeds{}, nil, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.NotEmpty(t, rec.Header().Get("X-Request-ID"), path)
	}
}

func TestServer_Discover_Succeeds(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &apiFeeds{items: sampleFeedItems()}, nil, config.Config{})

	reqBody := []byte(`{"url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/discover", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var res source.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, source.StrategyFeed, res.DetectedType)
	require.Len(t, res.Items, 2)
	require.NotEmpty(t, res.SessionID)
}

func TestServer_Discover_Enhance(t *testing.T) {
	t.Parallel()

	content := &apiContent{content: &source.Content{
		Title:     "First",
		Text:      "full article body with plenty of words to make it through extraction",
		Excerpt:   "full article body",
		WordCount: 12,
		DedupeKey: "abcd1234abcd1234",
	}}
	server := newTestServer(t, &apiFeeds{items: sampleFeedItems()}, content, config.Config{})

	reqBody := []byte(`{"url":"https://example.com","enhance":true}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/discover", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var res source.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Items, 2)
	for _, item := range res.Items {
		require.NotEmpty(t, item.RawContent)
	}
}

func TestServer_Discover_BadRequests(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &apiFeeds{}, nil, config.Config{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing url", `{}`},
		{"unknown source type", `{"url":"https://example.com","source_type":"carrier-pigeon"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/discover", bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestServer_Discover_TotalFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &apiFeeds{err: errors.New("connection refused")}, nil, config.Config{})

	reqBody := []byte(`{"url":"https://dead.example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/discover", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	var res source.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Empty(t, res.Items)
	require.NotEmpty(t, res.Errors)
	require.Equal(t, source.StrategyUnknown, res.DetectedType)
}

func TestServer_RateLimitStatus(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &apiFeeds{items: sampleFeedItems()}, nil, config.Config{})

	// Run one discovery so host state exists.
	discoverReq := httptest.NewRequest(http.MethodPost, "/v1/discover",
		bytes.NewReader([]byte(`{"url":"https://example.com"}`)))
	server.Handler().ServeHTTP(httptest.NewRecorder(), discoverReq)

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimit", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		GlobalActive int `json:"global_active"`
		Hosts        []struct {
			Host string `json:"host"`
		} `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.Hosts)
	require.Equal(t, "example.com", payload.Hosts[0].Host)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	server := newTestServer(t, &apiFeeds{}, nil, cfg)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
