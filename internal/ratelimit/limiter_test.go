package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/robots"
)

func testConfig() Config {
	return Config{
		RequestsPerSecond:    1000,
		MaxBackoff:           50 * time.Millisecond,
		GlobalMaxConcurrent:  8,
		PerHostMaxConcurrent: 2,
		DefaultMaxRetries:    3,
	}
}

func TestDispatchSpacingPerHost(t *testing.T) {
	cfg := testConfig()
	cfg.RequestsPerSecond = 10 // base delay 100ms
	l := New(cfg)
	ctx := context.Background()

	var mu sync.Mutex
	var stamps []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Execute(ctx, "https://example.com/page", func(context.Context) error {
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
				return nil
			}, Options{})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, stamps, 3)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		require.GreaterOrEqual(t, gap, 90*time.Millisecond,
			"dispatches to one host must be spaced by the base delay")
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrent = 1
	cfg.PerHostMaxConcurrent = 1
	l := New(cfg)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Execute(ctx, "https://example.com/a", func(context.Context) error {
			close(started)
			<-release
			return nil
		}, Options{})
	}()
	<-started

	var mu sync.Mutex
	var order []string
	enqueue := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Execute(ctx, "https://example.com/"+name, func(context.Context) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			}, Options{Priority: priority})
		}()
	}

	enqueue("low-1", 0)
	time.Sleep(20 * time.Millisecond)
	enqueue("low-2", 0)
	time.Sleep(20 * time.Millisecond)
	enqueue("high", 5)
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low-1", "low-2"}, order)
}

func TestBackoffGrowthOn429(t *testing.T) {
	l := New(testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	err := l.Execute(ctx, "https://throttled.example.com/feed", func(context.Context) error {
		calls.Add(1)
		return fetcherr.Status(429, "fetch", "https://throttled.example.com/feed")
	}, Options{MaxRetries: 3})

	require.Equal(t, fetcherr.KindRateLimited, fetcherr.KindOf(err))
	require.Equal(t, int32(4), calls.Load(), "1 initial attempt + 3 retries")

	snap := l.Snapshot()
	require.Len(t, snap.Hosts, 1)
	// Multiplier grows x1.5 per escalation: 1 -> 1.5 -> 2.25 -> 3.375.
	require.InDelta(t, 3.375, snap.Hosts[0].Multiplier, 0.001)
}

func TestMultiplierCappedAtTen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBackoff = 5 * time.Millisecond
	l := New(cfg)

	err := l.Execute(context.Background(), "https://dead.example.com/", func(context.Context) error {
		return fetcherr.Status(503, "fetch", "https://dead.example.com/")
	}, Options{MaxRetries: 10})

	require.Equal(t, fetcherr.KindRateLimited, fetcherr.KindOf(err))
	snap := l.Snapshot()
	require.Len(t, snap.Hosts, 1)
	require.InDelta(t, 10, snap.Hosts[0].Multiplier, 0.001)
}

func TestSuccessResetsBackoff(t *testing.T) {
	l := New(testConfig())
	ctx := context.Background()

	var calls atomic.Int32
	err := l.Execute(ctx, "https://flaky.example.com/", func(context.Context) error {
		if calls.Add(1) < 3 {
			return fetcherr.Status(500, "fetch", "https://flaky.example.com/")
		}
		return nil
	}, Options{})

	require.NoError(t, err)
	snap := l.Snapshot()
	require.Len(t, snap.Hosts, 1)
	require.InDelta(t, 1, snap.Hosts[0].Multiplier, 0.001)
	require.True(t, snap.Hosts[0].BackoffUntil.IsZero())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	l := New(testConfig())

	var calls atomic.Int32
	err := l.Execute(context.Background(), "https://example.com/missing", func(context.Context) error {
		calls.Add(1)
		return fetcherr.Status(404, "fetch", "https://example.com/missing")
	}, Options{})

	require.Equal(t, fetcherr.KindHTTPStatus, fetcherr.KindOf(err))
	require.Equal(t, 404, fetcherr.StatusOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestTimeoutRetriesWithoutEscalatingBackoff(t *testing.T) {
	l := New(testConfig())

	var calls atomic.Int32
	err := l.Execute(context.Background(), "https://slow.example.com/", func(context.Context) error {
		calls.Add(1)
		return fetcherr.New(fetcherr.KindTimeout, "fetch", "https://slow.example.com/", nil)
	}, Options{MaxRetries: 2})

	require.Equal(t, fetcherr.KindRateLimited, fetcherr.KindOf(err))
	require.Equal(t, int32(3), calls.Load())

	snap := l.Snapshot()
	require.Len(t, snap.Hosts, 1)
	require.InDelta(t, 1, snap.Hosts[0].Multiplier, 0.001, "timeouts alone must not escalate backoff")
}

type denyAllPolicy struct{}

func (denyAllPolicy) IsAllowed(context.Context, string) robots.Decision {
	return robots.Decision{Allowed: false, Reason: "disallowed by robots policy"}
}

type delayPolicy struct{ delay time.Duration }

func (p delayPolicy) IsAllowed(context.Context, string) robots.Decision {
	return robots.Decision{Allowed: true, CrawlDelay: p.delay}
}

func TestPolicyBlockedRequestNeverRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = denyAllPolicy{}
	l := New(cfg)

	var calls atomic.Int32
	err := l.Execute(context.Background(), "https://example.com/private", func(context.Context) error {
		calls.Add(1)
		return nil
	}, Options{CheckPolicy: true})

	require.Equal(t, fetcherr.KindPolicyBlocked, fetcherr.KindOf(err))
	require.Equal(t, int32(0), calls.Load())

	// Without CheckPolicy the same URL goes through.
	require.NoError(t, l.Execute(context.Background(), "https://example.com/private", func(context.Context) error {
		return nil
	}, Options{}))
}

func TestGlobalConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrent = 2
	cfg.PerHostMaxConcurrent = 4
	l := New(cfg)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	urls := []string{
		"https://a.example.com/1", "https://a.example.com/2",
		"https://b.example.com/1", "https://b.example.com/2",
		"https://c.example.com/1", "https://c.example.com/2",
	}
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_ = l.Execute(ctx, u, func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			}, Options{})
		}(u)
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(2))
}

// TestGlobalCapHoldsAcrossManyHosts races many single-request hosts against a
// tiny global cap; slot acquisition must be atomic, so the in-flight count can
// never overshoot even when every host loop wakes at once.
func TestGlobalCapHoldsAcrossManyHosts(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrent = 2
	cfg.PerHostMaxConcurrent = 4
	l := New(cfg)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_ = l.Execute(ctx, fmt.Sprintf("https://host-%d.example.com/", i), func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			}, Options{})
		}(i)
	}
	close(start)
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(2))
}

// TestCrawlDelayHintSlowsDispatch verifies a crawl-delay hint longer than the
// base delay stretches the spacing to the next dispatch on the same host.
func TestCrawlDelayHintSlowsDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.Policy = delayPolicy{delay: 300 * time.Millisecond}
	l := New(cfg)
	ctx := context.Background()

	var first, second time.Time
	require.NoError(t, l.Execute(ctx, "https://example.com/a", func(context.Context) error {
		first = time.Now()
		return nil
	}, Options{CheckPolicy: true}))
	require.NoError(t, l.Execute(ctx, "https://example.com/b", func(context.Context) error {
		second = time.Now()
		return nil
	}, Options{CheckPolicy: true}))

	require.GreaterOrEqual(t, second.Sub(first), 250*time.Millisecond,
		"second dispatch must honor the hinted delay")
}

func TestCanceledCallerUnblocksPromptly(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalMaxConcurrent = 1
	cfg.PerHostMaxConcurrent = 1
	l := New(cfg)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.Execute(context.Background(), "https://example.com/block", func(context.Context) error {
			close(started)
			<-release
			return nil
		}, Options{})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Execute(ctx, "https://example.com/queued", func(context.Context) error {
			return nil
		}, Options{})
	}()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not unblock")
	}
	close(release)
}

func TestInvalidURLRejected(t *testing.T) {
	l := New(testConfig())
	err := l.Execute(context.Background(), "::not-a-url", func(context.Context) error {
		return nil
	}, Options{})
	require.Equal(t, fetcherr.KindInvalidURL, fetcherr.KindOf(err))
}

func TestPresets(t *testing.T) {
	require.Less(t, Conservative().RequestsPerSecond, Moderate().RequestsPerSecond)
	require.Less(t, Moderate().RequestsPerSecond, Aggressive().RequestsPerSecond)
	require.Less(t, Conservative().GlobalMaxConcurrent, Aggressive().GlobalMaxConcurrent)
	require.Equal(t, 1, Conservative().PerHostMaxConcurrent)
}
