// Package ratelimit implements per-host admission control for outbound
// requests: a priority queue per hostname, base-delay pacing derived from a
// requests-per-second budget, global and per-host concurrency caps, and
// exponential backoff with geometric multiplier growth on transient failures.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sourcescout/sourcescout/internal/clock"
	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/metrics"
	"github.com/sourcescout/sourcescout/internal/robots"
)

const (
	maxMultiplier    = 10
	multiplierGrowth = 1.5
	priorityFloor    = -10
	waitSlice        = 100 * time.Millisecond
	backoffWaitSlice = 500 * time.Millisecond
)

// PolicyEvaluator gates requests against a host's crawl policy.
type PolicyEvaluator interface {
	IsAllowed(ctx context.Context, rawURL string) robots.Decision
}

// Config controls a Limiter. Construct via a preset or fill in explicitly;
// New validates and applies defaults.
type Config struct {
	// RequestsPerSecond is the per-host dispatch budget; the base delay
	// between requests to one host is its inverse.
	RequestsPerSecond float64
	// MaxBackoff caps the per-host backoff window.
	MaxBackoff time.Duration
	// GlobalMaxConcurrent caps in-flight requests across all hosts.
	GlobalMaxConcurrent int
	// PerHostMaxConcurrent caps in-flight requests to one host.
	PerHostMaxConcurrent int
	// DefaultMaxRetries applies when Options.MaxRetries is unset.
	DefaultMaxRetries int

	Policy PolicyEvaluator
	Clock  clock.Clock
	Logger *zap.Logger
}

// Conservative returns a preset suited to small or unknown hosts.
func Conservative() Config {
	return Config{
		RequestsPerSecond:    0.5,
		MaxBackoff:           2 * time.Minute,
		GlobalMaxConcurrent:  4,
		PerHostMaxConcurrent: 1,
		DefaultMaxRetries:    2,
	}
}

// Moderate returns the default preset.
func Moderate() Config {
	return Config{
		RequestsPerSecond:    1,
		MaxBackoff:           time.Minute,
		GlobalMaxConcurrent:  8,
		PerHostMaxConcurrent: 2,
		DefaultMaxRetries:    3,
	}
}

// Aggressive returns a preset for hosts known to tolerate fast crawling.
func Aggressive() Config {
	return Config{
		RequestsPerSecond:    2,
		MaxBackoff:           30 * time.Second,
		GlobalMaxConcurrent:  16,
		PerHostMaxConcurrent: 4,
		DefaultMaxRetries:    3,
	}
}

// Options tune one Execute call.
type Options struct {
	// Priority orders the request within its host queue; higher runs first.
	Priority int
	// MaxRetries overrides the limiter default when > 0.
	MaxRetries int
	// CheckPolicy consults the crawl-policy evaluator before dispatch.
	CheckPolicy bool
}

type request struct {
	ctx         context.Context
	rawURL      string
	op          func(context.Context) error
	priority    int
	seq         int64
	retries     int
	maxRetries  int
	checkPolicy bool
	done        chan error
}

type hostState struct {
	host string

	mu           sync.Mutex
	pending      requestQueue
	processing   bool
	active       int
	backoffUntil time.Time
	multiplier   float64
	pacer        *rate.Limiter
}

// HostSnapshot describes one host's admission state.
type HostSnapshot struct {
	Host         string
	QueueLen     int
	Active       int
	BackoffUntil time.Time
	Multiplier   float64
}

// Snapshot is a point-in-time view of the limiter.
type Snapshot struct {
	GlobalActive int
	Hosts        []HostSnapshot
}

// Limiter paces and admits outbound requests per host. Host state is created
// lazily on first request and lives for the process lifetime.
type Limiter struct {
	cfg       Config
	baseDelay time.Duration
	clk       clock.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostState

	// globalSlots enforces GlobalMaxConcurrent; acquisition reserves the slot
	// atomically so concurrent host loops cannot overshoot the cap.
	globalSlots  *semaphore.Weighted
	globalActive atomic.Int64
	seq          atomic.Int64
	retrySeq     atomic.Int64
}

// New constructs a Limiter from cfg, applying defaults for unset fields.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.GlobalMaxConcurrent <= 0 {
		cfg.GlobalMaxConcurrent = 8
	}
	if cfg.PerHostMaxConcurrent <= 0 {
		cfg.PerHostMaxConcurrent = 2
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:         cfg,
		baseDelay:   time.Duration(float64(time.Second) / cfg.RequestsPerSecond),
		clk:         clk,
		logger:      logger,
		hosts:       make(map[string]*hostState),
		globalSlots: semaphore.NewWeighted(int64(cfg.GlobalMaxConcurrent)),
	}
}

// BaseDelay returns the minimum spacing between dispatches to one host.
func (l *Limiter) BaseDelay() time.Duration { return l.baseDelay }

// Execute enqueues op for rawURL's host and blocks until it succeeds,
// exhausts its retries, fails non-retryably, or ctx is done.
func (l *Limiter) Execute(ctx context.Context, rawURL string, op func(context.Context) error, opts Options) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return fetcherr.New(fetcherr.KindInvalidURL, "ratelimit", rawURL, err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.cfg.DefaultMaxRetries
	}
	req := &request{
		ctx:         ctx,
		rawURL:      rawURL,
		op:          op,
		priority:    opts.Priority,
		seq:         l.seq.Add(1),
		maxRetries:  maxRetries,
		checkPolicy: opts.CheckPolicy,
		done:        make(chan error, 1),
	}

	h := l.host(strings.ToLower(parsed.Hostname()))
	h.mu.Lock()
	push(&h.pending, req)
	if !h.processing {
		h.processing = true
		go l.run(h)
	}
	h.mu.Unlock()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) host(name string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[name]
	if !ok {
		h = &hostState{
			host:       name,
			multiplier: 1,
			pacer:      rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), 1),
		}
		l.hosts[name] = h
	}
	return h
}

// run is the per-host admission loop. It exits when the queue drains and is
// restarted on the next enqueue. All waits are sliced so new arrivals and
// backoff changes are observed promptly.
func (l *Limiter) run(h *hostState) {
	for {
		h.mu.Lock()
		if h.pending.Len() == 0 {
			h.processing = false
			h.mu.Unlock()
			return
		}
		h.mu.Unlock()

		for {
			h.mu.Lock()
			belowCap := h.active < l.cfg.PerHostMaxConcurrent
			h.mu.Unlock()
			if belowCap {
				break
			}
			time.Sleep(waitSlice)
		}
		waitStart := l.clk.Now()
		for {
			h.mu.Lock()
			remaining := h.backoffUntil.Sub(l.clk.Now())
			h.mu.Unlock()
			if remaining <= 0 {
				break
			}
			if remaining > backoffWaitSlice {
				remaining = backoffWaitSlice
			}
			time.Sleep(remaining)
		}
		// Reserve consumes a pacing token; the delay is slept in slices so
		// no single sleep exceeds the slice bound even under a long
		// crawl-delay hint.
		for delay := h.pacer.Reserve().Delay(); delay > 0; {
			slice := delay
			if slice > backoffWaitSlice {
				slice = backoffWaitSlice
			}
			time.Sleep(slice)
			delay -= slice
		}
		for !l.globalSlots.TryAcquire(1) {
			time.Sleep(waitSlice)
		}
		if waited := l.clk.Now().Sub(waitStart); waited > 0 {
			metrics.ObserveRateLimitDelay(h.host, waited)
		}

		h.mu.Lock()
		req := pop(&h.pending)
		if req == nil {
			h.mu.Unlock()
			l.globalSlots.Release(1)
			continue
		}
		if req.ctx.Err() != nil {
			h.mu.Unlock()
			l.globalSlots.Release(1)
			req.done <- req.ctx.Err()
			continue
		}
		h.active++
		h.mu.Unlock()
		l.globalActive.Add(1)

		go l.dispatch(h, req)
	}
}

func (l *Limiter) dispatch(h *hostState, req *request) {
	defer func() {
		l.globalActive.Add(-1)
		l.globalSlots.Release(1)
		h.mu.Lock()
		h.active--
		h.mu.Unlock()
	}()

	if req.checkPolicy && l.cfg.Policy != nil {
		decision := l.cfg.Policy.IsAllowed(req.ctx, req.rawURL)
		if !decision.Allowed {
			req.done <- fetcherr.New(fetcherr.KindPolicyBlocked, "ratelimit", req.rawURL, errors.New(decision.Reason))
			return
		}
		if decision.CrawlDelay > l.baseDelay {
			h.slowTo(decision.CrawlDelay)
		}
	}

	err := req.op(req.ctx)
	if err == nil {
		h.mu.Lock()
		h.multiplier = 1
		h.backoffUntil = time.Time{}
		h.mu.Unlock()
		req.done <- nil
		return
	}

	if !fetcherr.Retryable(err) {
		req.done <- err
		return
	}
	if req.retries >= req.maxRetries {
		req.done <- fetcherr.New(fetcherr.KindRateLimited, "ratelimit", req.rawURL, err)
		return
	}

	h.mu.Lock()
	if fetcherr.EscalatesBackoff(err) {
		backoff := time.Duration(float64(l.baseDelay) * h.multiplier * math.Pow(2, float64(req.retries)))
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
		h.backoffUntil = l.clk.Now().Add(backoff)
		h.multiplier = math.Min(h.multiplier*multiplierGrowth, maxMultiplier)
		l.logger.Debug("host backing off",
			zap.String("host", h.host),
			zap.Duration("backoff", backoff),
			zap.Float64("multiplier", h.multiplier),
			zap.Int("retry", req.retries))
	}
	req.retries++
	if req.priority > priorityFloor {
		req.priority--
	}
	req.seq = l.retrySeq.Add(-1)
	push(&h.pending, req)
	if !h.processing {
		h.processing = true
		go l.run(h)
	}
	h.mu.Unlock()
}

// slowTo lowers the host's pacing to honor a crawl-delay hint. Pacing only
// ever slows down; a hint shorter than the configured budget is ignored.
func (h *hostState) slowTo(delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hinted := rate.Limit(float64(time.Second) / float64(delay))
	if hinted < h.pacer.Limit() {
		h.pacer.SetLimit(hinted)
	}
}

// Snapshot reports queue lengths, backoff state, and in-flight counts.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	hosts := make([]*hostState, 0, len(l.hosts))
	for _, h := range l.hosts {
		hosts = append(hosts, h)
	}
	l.mu.Unlock()

	snap := Snapshot{GlobalActive: int(l.globalActive.Load())}
	for _, h := range hosts {
		h.mu.Lock()
		snap.Hosts = append(snap.Hosts, HostSnapshot{
			Host:         h.host,
			QueueLen:     h.pending.Len(),
			Active:       h.active,
			BackoffUntil: h.backoffUntil,
			Multiplier:   h.multiplier,
		})
		h.mu.Unlock()
	}
	sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].Host < snap.Hosts[j].Host })
	return snap
}
