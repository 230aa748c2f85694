// Package app initializes and holds long-lived application services, acting
// as the composition root for the discovery service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/breaker"
	"github.com/sourcescout/sourcescout/internal/config"
	"github.com/sourcescout/sourcescout/internal/fetch"
	"github.com/sourcescout/sourcescout/internal/logging"
	"github.com/sourcescout/sourcescout/internal/metrics"
	"github.com/sourcescout/sourcescout/internal/progress"
	"github.com/sourcescout/sourcescout/internal/progress/sinks"
	"github.com/sourcescout/sourcescout/internal/ratelimit"
	"github.com/sourcescout/sourcescout/internal/robots"
	"github.com/sourcescout/sourcescout/internal/source"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Robots       *robots.Evaluator
	Limiter      *ratelimit.Limiter
	Breakers     *breaker.Registry
	Hub          *progress.Hub
	Orchestrator *source.Orchestrator

	renderer *fetch.RenderedScraper
}

// New builds the full service graph from configuration. It fails fast if any
// critical service cannot be initialized; the headless renderer alone degrades
// to disabled on error since discovery works without it.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	metrics.Init()

	fetchCfg := fetch.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTPTimeout(),
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Logger:       logger.Named("fetch"),
	}

	robotsEval := robots.New(robots.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		FetchTimeout: cfg.HTTPTimeout(),
		CacheTTL:     time.Duration(cfg.Robots.CacheTTLMinutes) * time.Minute,
		FailureTTL:   time.Duration(cfg.Robots.FailureTTLMinutes) * time.Minute,
		Logger:       logger.Named("robots"),
	})

	limiterCfg := cfg.LimiterConfig()
	limiterCfg.Policy = robotsEval
	limiterCfg.Logger = logger.Named("ratelimit")
	limiter := ratelimit.New(limiterCfg)

	breakers := breaker.NewRegistry(logger.Named("breaker"), nil)

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("events")), promSink)

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Robots:   robotsEval,
		Limiter:  limiter,
		Breakers: breakers,
		Hub:      hub,
	}

	deps := source.Deps{
		Feeds:    fetch.NewFeedClient(fetchCfg),
		Sitemaps: fetch.NewSitemapClient(fetchCfg, robotsEval),
		Links:    fetch.NewLinkScraper(fetchCfg),
		Content:  fetch.NewContentClient(fetchCfg),
		Prober:   fetch.NewProber(fetchCfg),
		Limiter:  limiter,
		Breakers: breakers,
		Hub:      hub,
		Logger:   logger.Named("discovery"),
	}

	if cfg.Renderer.Enabled {
		renderer, rendErr := fetch.NewRenderedScraper(fetch.RendererConfig{
			MaxConcurrency: cfg.Renderer.MaxParallel,
			Timeout:        time.Duration(cfg.Renderer.NavTimeoutSec) * time.Second,
			UserAgent:      cfg.HTTP.UserAgent,
			Logger:         logger.Named("renderer"),
		})
		if rendErr != nil {
			logger.Warn("headless renderer init failed, continuing without it", zap.Error(rendErr))
		} else {
			a.renderer = renderer
			deps.Rendered = renderer
		}
	}

	a.Orchestrator = source.New(deps, source.Config{
		MaxItems:           cfg.Discovery.MaxItems,
		SubdomainPrefixes:  cfg.Discovery.SubdomainPrefixes,
		MaxScrapePages:     cfg.Discovery.MaxScrapePages,
		EnhanceConcurrency: cfg.Discovery.EnhanceConcurrency,
		MinContentLength:   cfg.Discovery.MinContentLength,
	})

	logger.Info("application services initialized",
		zap.String("ratelimit_preset", cfg.RateLimit.Preset),
		zap.Bool("renderer", a.renderer != nil))
	return a, nil
}

// MetricsHandler exposes the Prometheus registry over HTTP.
func (a *App) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Hub.Close(closeCtx); err != nil {
		a.Logger.Warn("progress hub close", zap.Error(err))
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	// Best effort; stdout sync failures are expected on some platforms.
	_ = a.Logger.Sync()
}
