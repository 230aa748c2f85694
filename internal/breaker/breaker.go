// Package breaker implements a three-state circuit breaker that guards an
// operation class against a systematically failing upstream. Every admitted
// call runs under a hard timeout; a timeout counts as a failure.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/clock"
	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/metrics"
)

// State is the breaker's admission state.
type State int

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns a stable name for logs and metrics.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config controls one Breaker instance. Zero values get defaults from New.
type Config struct {
	Name             string
	FailureThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
	Clock            clock.Clock
	Logger           *zap.Logger
}

// Breaker tracks consecutive failures for one named operation class.
// It never retries; it only decides admit-or-reject and enforces the timeout.
type Breaker struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New constructs a Breaker, filling in defaults for unset config fields.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, clk: clk, logger: logger, state: StateClosed}
}

// Name returns the operation class this breaker guards.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current admission state, transitioning Open to Half-Open
// lazily when the reset timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clk.Now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs op under the breaker. While Open (and within the reset
// window) it rejects immediately with a circuit-open error without invoking
// op. After the reset window exactly one concurrent caller is admitted as
// the half-open probe; its outcome decides the next state.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := b.run(ctx, op)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.clk.Now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return fetcherr.New(fetcherr.KindCircuitOpen, b.cfg.Name, "", nil)
		}
		b.state = StateHalfOpen
		b.probing = true
		b.logger.Info("circuit half-open, admitting probe", zap.String("class", b.cfg.Name))
		metrics.ObserveBreakerTransition(b.cfg.Name, "half-open")
	case StateHalfOpen:
		if b.probing {
			return fetcherr.New(fetcherr.KindCircuitOpen, b.cfg.Name, "", nil)
		}
		b.probing = true
	}
	return nil
}

// run enforces the per-operation timeout even if op ignores its context.
func (b *Breaker) run(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(opCtx) }()

	select {
	case err := <-done:
		return err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fetcherr.New(fetcherr.KindTimeout, b.cfg.Name, "", opCtx.Err())
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != StateClosed {
			b.logger.Info("circuit closed", zap.String("class", b.cfg.Name))
			metrics.ObserveBreakerTransition(b.cfg.Name, "closed")
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}
	// Caller cancellation is not an upstream failure.
	if errors.Is(err, context.Canceled) {
		b.probing = false
		return
	}
	b.failures++
	b.lastFailure = b.clk.Now()
	wasProbe := b.state == StateHalfOpen
	b.probing = false
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.logger.Warn("circuit opened",
				zap.String("class", b.cfg.Name),
				zap.Int("failures", b.failures),
				zap.Bool("probe_failed", wasProbe))
			metrics.ObserveBreakerTransition(b.cfg.Name, "open")
		}
		b.state = StateOpen
	}
}

// Registry holds the preconfigured breaker per operation class.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	clk      clock.Clock
	logger   *zap.Logger
}

// Operation class names with preconfigured thresholds.
const (
	ClassFeedFetch    = "feed-fetch"
	ClassSitemapFetch = "sitemap-fetch"
	ClassHTMLFetch    = "html-fetch"
	ClassRender       = "render"
	ClassDiscovery    = "discovery"
)

// NewRegistry builds a Registry with the default operation classes.
func NewRegistry(logger *zap.Logger, clk clock.Clock) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	r := &Registry{breakers: make(map[string]*Breaker), clk: clk, logger: logger}
	defaults := []Config{
		{Name: ClassFeedFetch, FailureThreshold: 3, Timeout: 15 * time.Second, ResetTimeout: 30 * time.Second},
		{Name: ClassSitemapFetch, FailureThreshold: 4, Timeout: 15 * time.Second, ResetTimeout: 30 * time.Second},
		{Name: ClassHTMLFetch, FailureThreshold: 5, Timeout: 10 * time.Second, ResetTimeout: 30 * time.Second},
		{Name: ClassRender, FailureThreshold: 3, Timeout: 40 * time.Second, ResetTimeout: 60 * time.Second},
		{Name: ClassDiscovery, FailureThreshold: 5, Timeout: 2 * time.Minute, ResetTimeout: 45 * time.Second},
	}
	for _, cfg := range defaults {
		cfg.Clock = clk
		cfg.Logger = logger
		r.breakers[cfg.Name] = New(cfg)
	}
	return r
}

// Get returns the breaker for the named class, creating a default-configured
// one for unknown classes.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(Config{Name: name, Clock: r.clk, Logger: r.logger})
		r.breakers[name] = b
	}
	return b
}
