package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if discoverySessionsTotal == nil || discoveryItemsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		rateLimitDelaySeconds == nil || breakerTransitionsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	ObserveSession("feed", 3)
	if val := testutil.ToFloat64(discoverySessionsTotal.WithLabelValues("feed")); val != 1 {
		t.Errorf("Expected discoverySessionsTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(discoveryItemsTotal.WithLabelValues("feed")); val != 3 {
		t.Errorf("Expected discoveryItemsTotal to be 3, got %f", val)
	}
}

// TestObserveBeforeInit ensures the observe helpers are safe no-ops until
// Init runs.
func TestObserveBeforeInit(t *testing.T) {
	// Collectors may already be initialized by other tests; the nil guards
	// are exercised directly instead.
	ObserveHTTPRequest("GET", "/x", 200, 0)
	ObserveRateLimitDelay("example.com", 0)
	ObserveBreakerTransition("feed-fetch", "open")
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
