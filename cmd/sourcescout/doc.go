// Package main hosts the discovery service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and discovery endpoints. A POST to /v1/discover
//     runs one orchestration session against the submitted site URL and returns the discovered candidates.
//   - Discovery cascade: internal/source.Orchestrator tries feed, feed autodiscovery, sitemap, sitemap
//     autodiscovery, subdomain probing, HTML scraping, and (when enabled) headless rendering in priority
//     order, stopping at the first strategy that yields candidates. Results are deduplicated, filtered
//     against allow/deny path rules, sorted by confidence and recency, and capped.
//   - Fetch pipeline: internal/fetch provides the strategy clients: gofeed for syndication feeds, etree
//     for sitemap XML, Colly for raw HTML scraping, Chromedp for headless rendering, and go-readability
//     for full-content enhancement. All outbound requests flow through the per-host rate limiter.
//   - Politeness: internal/ratelimit paces requests per host with priority queues and multiplicative
//     backoff; internal/robots caches robots.txt decisions and feeds the limiter's policy check;
//     internal/breaker trips per-strategy circuit breakers on repeated failure.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported via the metrics middleware and /metrics handler; progress events are
//     batched by internal/progress and fanned out to log and Prometheus sinks.
//
// Operational notes:
//   - Concurrency model: sessions are independent; outbound concurrency is bounded globally and per host
//     by the rate limiter, and headless renders by their own semaphore. Shutdown is coordinated via
//     context cancellation from main.
//   - Run locally: go run ./cmd/sourcescout -config config.yaml, or one-shot with
//     go run ./cmd/sourcescout -discover https://example.com.
//   - The server listens on the configured port, stays stateless across requests, and reacts to SIGTERM
//     for graceful drain.
package main
