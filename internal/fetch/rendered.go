package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/source"
)

// ErrRendererDisabled indicates headless rendering has been disabled via
// configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// RendererConfig controls the headless-render extractor.
type RendererConfig struct {
	// MaxConcurrency caps simultaneous tabs; zero disables rendering.
	MaxConcurrency int
	// Timeout bounds one navigation (default 30s).
	Timeout   time.Duration
	UserAgent string
	// SettleDelay waits after body-ready for late JS content (default 1s).
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// RenderedScraper extracts article links from pages that only materialize
// their content through JavaScript. It implements source.LinkExtractor on
// top of a shared headless Chrome instance.
type RenderedScraper struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	sem             chan struct{}
	cfg             RendererConfig
	logger          *zap.Logger
}

// NewRenderedScraper boots a headless browser. Callers must Close it.
func NewRenderedScraper(cfg RendererConfig) (*RenderedScraper, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrRendererDisabled
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &RenderedScraper{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		sem:             make(chan struct{}, cfg.MaxConcurrency),
		cfg:             cfg,
		logger:          cfg.Logger,
	}, nil
}

// Close tears down the browser and allocator contexts.
func (r *RenderedScraper) Close() {
	if r == nil {
		return
	}
	r.browserCancel()
	r.allocatorCancel()
}

// Extract renders pageURL in a fresh tab and runs the shared link heuristics
// over the settled DOM. Rendered pages are never paginated.
func (r *RenderedScraper) Extract(ctx context.Context, pageURL string, cfg source.ScrapeConfig) ([]source.Link, error) {
	if r == nil {
		return nil, ErrRendererDisabled
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "render.extract", pageURL, err)
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}

	html, err := r.render(ctx, pageURL)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindOf(err), "render.extract", pageURL, err)
	}

	links, _ := extractLinksFromHTML(base, []byte(html), cfg)
	for i := range links {
		links[i].Source = "rendered"
	}
	r.logger.Debug("page rendered", zap.String("url", pageURL), zap.Int("links", len(links)))
	return links, nil
}

func (r *RenderedScraper) render(ctx context.Context, pageURL string) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.cfg.Timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.cfg.UserAgent),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// forwardCancel propagates cancellation from the caller's context into the
// chromedp task context.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
