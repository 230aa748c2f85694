package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sourcescout/sourcescout/internal/progress"
)

// PrometheusSink exports discovery progress metrics via Prometheus. It owns
// all collectors for sessions started/completed/running and per-strategy
// attempt counters.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionsRunning   prometheus.Gauge
	sessionRuntime    *prometheus.HistogramVec

	strategyAttempts *prometheus.CounterVec
	itemsFound       *prometheus.HistogramVec
	itemsEnhanced    prometheus.Counter

	tracker *sessionTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_sessions_started_total",
			Help: "Total discovery sessions that have started.",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_sessions_completed_total",
			Help: "Total discovery sessions completed partitioned by result.",
		}, []string{"result"}),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_sessions_running",
			Help: "Current number of running discovery sessions.",
		}),
		sessionRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_session_runtime_seconds",
			Help:    "Wall time per completed discovery session.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		strategyAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_strategy_attempts_total",
			Help: "Strategy attempts partitioned by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		itemsFound: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_items_found",
			Help:    "Candidate items produced per successful strategy.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"strategy"}),
		itemsEnhanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_items_enhanced_total",
			Help: "Items upgraded with full-content extraction.",
		}),
		tracker: newSessionTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsCompleted,
		s.sessionsRunning,
		s.sessionRuntime,
		s.strategyAttempts,
		s.itemsFound,
		s.itemsEnhanced,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart, progress.StageSessionDone, progress.StageSessionError:
		s.handleSessionEvent(evt)
	case progress.StageStrategyTry:
		s.strategyAttempts.WithLabelValues(evt.Strategy, "try").Inc()
	case progress.StageStrategyHit:
		s.strategyAttempts.WithLabelValues(evt.Strategy, "hit").Inc()
		s.itemsFound.WithLabelValues(evt.Strategy).Observe(float64(evt.Found))
	case progress.StageStrategyMiss:
		s.strategyAttempts.WithLabelValues(evt.Strategy, "miss").Inc()
	case progress.StageEnhanceItem:
		s.itemsEnhanced.Inc()
	}
}

func (s *PrometheusSink) handleSessionEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
		if s.tracker.start(evt.SessionID) {
			s.sessionsRunning.Inc()
		}
	case progress.StageSessionDone:
		s.sessionsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageSessionError:
		s.sessionsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageSessionStart && s.tracker.complete(evt.SessionID) {
		s.sessionsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.sessionRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type sessionTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{running: make(map[string]struct{})}
}

func (t *sessionTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *sessionTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
