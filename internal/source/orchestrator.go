package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/breaker"
	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/progress"
	"github.com/sourcescout/sourcescout/internal/ratelimit"
)

// Confidence assigned per strategy. Feed metadata is author-curated, sitemap
// news extensions are close behind, plain sitemap entries carry no titles.
const (
	feedConfidence        = 0.9
	sitemapNewsConfidence = 0.8
	sitemapConfidence     = 0.6
)

// detectSampleSize bounds the items returned by a detect-only session.
const detectSampleSize = 5

// Relative priorities used when enqueueing strategy fetches on the limiter.
// Feeds are cheapest and most precise, rendering is the most expensive.
const (
	priorityFeed    = 5
	prioritySitemap = 4
	priorityHTML    = 3
	priorityProbe   = 2
	priorityRender  = 1
)

var defaultSubdomainPrefixes = []string{"blog", "news", "press", "engineering", "updates", "stories"}

// Deps collects the collaborators the orchestrator drives. Rendered may be
// nil; the render fallback is skipped in that case.
type Deps struct {
	Feeds    FeedService
	Sitemaps SitemapService
	Links    LinkExtractor
	Rendered LinkExtractor
	Content  ContentExtractor
	Prober   Prober
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Hub      *progress.Hub
	Logger   *zap.Logger
}

// Config tunes orchestration behavior.
type Config struct {
	// MaxItems caps the items a session may return (default 1000).
	MaxItems int
	// SubdomainPrefixes are probed when the root domain yields nothing.
	SubdomainPrefixes []string
	// MaxScrapePages bounds pagination for the scraping strategies (default 3).
	MaxScrapePages int
	// EnhanceConcurrency bounds parallel full-content fetches (default 5).
	EnhanceConcurrency int
	// MinContentLength is the RawContent size below which an item is
	// considered worth enhancing (default 300).
	MinContentLength int
}

// Orchestrator runs the discovery cascade for one site URL at a time. It is
// safe for concurrent use; per-session state lives on the cascade struct.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New wires an Orchestrator with defaults filled in. Feeds, Sitemaps and
// Links are required; everything else degrades gracefully when nil.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = maxResultItems
	}
	if len(cfg.SubdomainPrefixes) == 0 {
		cfg.SubdomainPrefixes = defaultSubdomainPrefixes
	}
	if cfg.MaxScrapePages <= 0 {
		cfg.MaxScrapePages = 3
	}
	if cfg.EnhanceConcurrency <= 0 {
		cfg.EnhanceConcurrency = 5
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = 300
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(deps.Logger, nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.Moderate())
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: deps.Logger}
}

// ProcessSource runs the discovery cascade (or the single pinned strategy)
// against rawURL. It always returns a well-formed Result; failures accumulate
// in Result.Errors and an empty Items slice with DetectedType unknown marks
// total failure.
func (o *Orchestrator) ProcessSource(ctx context.Context, rawURL string, session SessionConfig) *Result {
	start := time.Now()
	res := &Result{
		SessionID:    uuid.NewString(),
		Items:        []Candidate{},
		DetectedType: StrategyUnknown,
	}

	input, err := parseSiteURL(rawURL)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Elapsed = time.Since(start)
		return res
	}
	session = normalizeSession(session)

	o.emit(progress.Event{SessionID: res.SessionID, Stage: progress.StageSessionStart, Host: input.Hostname(), URL: rawURL})
	o.logger.Info("discovery session start",
		zap.String("session_id", res.SessionID),
		zap.String("url", rawURL),
		zap.String("source_type", string(session.SourceType)))

	c := &cascade{o: o, input: input, session: session, res: res}

	br := session.Breaker
	if br == nil {
		br = o.deps.Breakers.Get(breaker.ClassDiscovery)
	}
	if err := br.Execute(ctx, c.run); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	res.Elapsed = time.Since(start)
	stage := progress.StageSessionDone
	if len(res.Items) == 0 {
		stage = progress.StageSessionError
	}
	o.emit(progress.Event{
		SessionID: res.SessionID,
		Stage:     stage,
		Host:      input.Hostname(),
		Found:     len(res.Items),
		Dur:       res.Elapsed,
	})
	o.logger.Info("discovery session done",
		zap.String("session_id", res.SessionID),
		zap.String("detected_type", string(res.DetectedType)),
		zap.Int("items", len(res.Items)),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

func parseSiteURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "parse", rawURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "parse", rawURL, fmt.Errorf("not an absolute http(s) url"))
	}
	return u, nil
}

func normalizeSession(s SessionConfig) SessionConfig {
	if s.SourceType == "" {
		s.SourceType = StrategyAuto
	}
	if s.MaxDepth < 1 {
		s.MaxDepth = 1
	} else if s.MaxDepth > 5 {
		s.MaxDepth = 5
	}
	return s
}

// cascade carries the per-session bookkeeping shared by the strategy steps.
type cascade struct {
	o       *Orchestrator
	input   *url.URL
	session SessionConfig
	res     *Result

	// sitemapEntries feeds the content-section auto-discovery heuristic.
	sitemapEntries []SitemapEntry
}

// step is one strategy attempt in cascade order.
type step struct {
	name     string
	detected Strategy
	run      func(context.Context) ([]Candidate, Strategy, error)
}

// run executes the cascade (or pinned strategy), post-processes the winner,
// and reports exhaustion as a no-content error so the wrapping breaker can
// count systematically dead sources.
func (c *cascade) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.o.logger.Error("discovery panic", zap.String("session_id", c.res.SessionID), zap.Any("panic", r))
			err = fmt.Errorf("discovery panic: %v", r)
		}
	}()

	items, detected := c.runSteps(ctx, c.steps())
	c.res.DetectedType = detected
	if len(items) == 0 {
		return fetcherr.New(fetcherr.KindNoContent, "discovery", c.input.String(), nil)
	}

	items = c.postProcess(items)
	if c.session.DetectOnly && len(items) > detectSampleSize {
		items = items[:detectSampleSize]
	}
	c.res.Items = items
	return nil
}

// steps returns the strategy order: the full cascade for auto, or the single
// pinned strategy otherwise.
func (c *cascade) steps() []step {
	if c.session.SourceType != StrategyAuto {
		return c.pinnedSteps()
	}
	all := []step{
		{name: "feed", detected: StrategyFeed, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
			items, err := c.fetchFeed(ctx, c.input.String())
			return items, StrategyFeed, err
		}},
		{name: "feed-autodiscovery", detected: StrategyFeed, run: c.feedAutodiscovery},
		{name: "sitemap", detected: StrategySitemap, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
			items, err := c.fetchSitemap(ctx, c.input.String())
			return items, StrategySitemap, err
		}},
		{name: "sitemap-autodiscovery", detected: StrategySitemap, run: c.sitemapAutodiscovery},
		{name: "subdomain-probe", detected: StrategyUnknown, run: c.probeSubdomains},
		{name: "html", detected: StrategyHTML, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
			items, err := c.scrapeLinks(ctx, c.o.deps.Links, breaker.ClassHTMLFetch, StrategyHTML, priorityHTML)
			return items, StrategyHTML, err
		}},
	}
	if c.o.deps.Rendered != nil {
		all = append(all, step{name: "render", detected: StrategyDiscovery, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
			items, err := c.scrapeLinks(ctx, c.o.deps.Rendered, breaker.ClassRender, StrategyDiscovery, priorityRender)
			return items, StrategyDiscovery, err
		}})
	}
	return all
}

func (c *cascade) pinnedSteps() []step {
	switch c.session.SourceType {
	case StrategyFeed:
		return []step{
			{name: "feed", detected: StrategyFeed, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
				items, err := c.fetchFeed(ctx, c.input.String())
				return items, StrategyFeed, err
			}},
			{name: "feed-autodiscovery", detected: StrategyFeed, run: c.feedAutodiscovery},
		}
	case StrategySitemap:
		return []step{
			{name: "sitemap", detected: StrategySitemap, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
				items, err := c.fetchSitemap(ctx, c.input.String())
				return items, StrategySitemap, err
			}},
			{name: "sitemap-autodiscovery", detected: StrategySitemap, run: c.sitemapAutodiscovery},
		}
	case StrategyDiscovery:
		if c.o.deps.Rendered == nil {
			return nil
		}
		return []step{
			{name: "render", detected: StrategyDiscovery, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
				items, err := c.scrapeLinks(ctx, c.o.deps.Rendered, breaker.ClassRender, StrategyDiscovery, priorityRender)
				return items, StrategyDiscovery, err
			}},
		}
	default: // StrategyHTML
		return []step{
			{name: "html", detected: StrategyHTML, run: func(ctx context.Context) ([]Candidate, Strategy, error) {
				items, err := c.scrapeLinks(ctx, c.o.deps.Links, breaker.ClassHTMLFetch, StrategyHTML, priorityHTML)
				return items, StrategyHTML, err
			}},
		}
	}
}

// runSteps walks the steps in order and short-circuits on the first one that
// yields at least one candidate. Errors and empty results both fall through
// to the next step.
func (c *cascade) runSteps(ctx context.Context, steps []step) ([]Candidate, Strategy) {
	host := c.input.Hostname()
	for _, st := range steps {
		if ctx.Err() != nil {
			c.res.Errors = append(c.res.Errors, fmt.Sprintf("strategy %s: %v", st.name, ctx.Err()))
			break
		}
		c.res.Stats.Attempted++
		c.o.emit(progress.Event{SessionID: c.res.SessionID, Stage: progress.StageStrategyTry, Host: host, Strategy: st.name})

		began := time.Now()
		items, detected, err := st.run(ctx)
		if err != nil {
			c.res.Stats.Failed++
			c.res.Errors = append(c.res.Errors, fmt.Sprintf("strategy %s: %v", st.name, err))
			c.o.emit(progress.Event{
				SessionID: c.res.SessionID, Stage: progress.StageStrategyMiss,
				Host: host, Strategy: st.name, Dur: time.Since(began), Note: err.Error(),
			})
			c.o.logger.Debug("strategy failed", zap.String("strategy", st.name), zap.Error(err))
			continue
		}
		if len(items) == 0 {
			c.o.emit(progress.Event{
				SessionID: c.res.SessionID, Stage: progress.StageStrategyMiss,
				Host: host, Strategy: st.name, Dur: time.Since(began),
			})
			continue
		}
		c.res.Stats.Successful++
		c.o.emit(progress.Event{
			SessionID: c.res.SessionID, Stage: progress.StageStrategyHit,
			Host: host, Strategy: st.name, Found: len(items), Dur: time.Since(began),
		})
		if detected == "" || detected == StrategyUnknown {
			detected = st.detected
		}
		return items, detected
	}
	return nil, StrategyUnknown
}

// fetchFeed pulls a feed through the limiter and feed breaker and converts
// its items to candidates.
func (c *cascade) fetchFeed(ctx context.Context, feedURL string) ([]Candidate, error) {
	var feedItems []FeedItem
	err := c.o.deps.Limiter.Execute(ctx, feedURL, func(ctx context.Context) error {
		return c.o.deps.Breakers.Get(breaker.ClassFeedFetch).Execute(ctx, func(ctx context.Context) error {
			var ferr error
			feedItems, ferr = c.o.deps.Feeds.Fetch(ctx, feedURL)
			return ferr
		})
	}, ratelimit.Options{Priority: priorityFeed})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(feedItems))
	for _, it := range feedItems {
		if it.Link == "" {
			continue
		}
		meta := map[string]any{"feed_url": feedURL}
		if it.GUID != "" {
			meta["guid"] = it.GUID
		}
		out = append(out, Candidate{
			URL:              it.Link,
			Title:            it.Title,
			PublishedAt:      it.Published,
			RawContent:       it.Content,
			Excerpt:          it.Excerpt,
			Confidence:       feedConfidence,
			SourceStrategy:   StrategyFeed,
			ExtractionMethod: StrategyFeed,
			Metadata:         meta,
		})
	}
	return out, nil
}

// feedAutodiscovery scrapes the page for feed hints, records everything it
// finds, and fetches the highest-confidence feed.
func (c *cascade) feedAutodiscovery(ctx context.Context) ([]Candidate, Strategy, error) {
	refs, err := c.discoverFeeds(ctx, c.input.String())
	if err != nil {
		return nil, StrategyFeed, err
	}
	if len(refs) == 0 {
		return nil, StrategyFeed, nil
	}
	best := refs[0]
	for _, r := range refs[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	items, err := c.fetchFeed(ctx, best.URL)
	return items, StrategyFeed, err
}

func (c *cascade) discoverFeeds(ctx context.Context, pageURL string) ([]FeedRef, error) {
	var refs []FeedRef
	err := c.o.deps.Limiter.Execute(ctx, pageURL, func(ctx context.Context) error {
		return c.o.deps.Breakers.Get(breaker.ClassHTMLFetch).Execute(ctx, func(ctx context.Context) error {
			var derr error
			refs, derr = c.o.deps.Feeds.Discover(ctx, pageURL)
			return derr
		})
	}, ratelimit.Options{Priority: priorityFeed})
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		c.res.DiscoveredFeeds = append(c.res.DiscoveredFeeds, r.URL)
	}
	return refs, nil
}

// fetchSitemap parses one sitemap and converts its entries to candidates,
// retaining the raw entries for section auto-discovery.
func (c *cascade) fetchSitemap(ctx context.Context, sitemapURL string) ([]Candidate, error) {
	var entries []SitemapEntry
	opts := SitemapOptions{MaxEntries: c.o.cfg.MaxItems, IncludeNews: true}
	err := c.o.deps.Limiter.Execute(ctx, sitemapURL, func(ctx context.Context) error {
		return c.o.deps.Breakers.Get(breaker.ClassSitemapFetch).Execute(ctx, func(ctx context.Context) error {
			var perr error
			entries, perr = c.o.deps.Sitemaps.Parse(ctx, sitemapURL, opts)
			return perr
		})
	}, ratelimit.Options{Priority: prioritySitemap})
	if err != nil {
		return nil, err
	}
	c.sitemapEntries = append(c.sitemapEntries, entries...)

	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		cand := Candidate{
			URL:              e.URL,
			PublishedAt:      e.LastMod,
			Confidence:       sitemapConfidence,
			SourceStrategy:   StrategySitemap,
			ExtractionMethod: StrategySitemap,
			Metadata:         map[string]any{"sitemap_url": sitemapURL},
		}
		if e.News != nil {
			cand.Title = e.News.Title
			cand.Confidence = sitemapNewsConfidence
			if !e.News.PublishedAt.IsZero() {
				cand.PublishedAt = e.News.PublishedAt
			}
		}
		if cand.Title == "" {
			cand.Title = titleFromSlug(e.URL)
		}
		out = append(out, cand)
	}
	return out, nil
}

// sitemapAutodiscovery locates sitemap URLs via robots and well-known paths,
// then parses them in order until one produces entries.
func (c *cascade) sitemapAutodiscovery(ctx context.Context) ([]Candidate, Strategy, error) {
	var locations []string
	err := c.o.deps.Limiter.Execute(ctx, c.input.String(), func(ctx context.Context) error {
		return c.o.deps.Breakers.Get(breaker.ClassSitemapFetch).Execute(ctx, func(ctx context.Context) error {
			var derr error
			locations, derr = c.o.deps.Sitemaps.Discover(ctx, c.input.String())
			return derr
		})
	}, ratelimit.Options{Priority: prioritySitemap})
	if err != nil {
		return nil, StrategySitemap, err
	}
	c.res.DiscoveredSitemaps = append(c.res.DiscoveredSitemaps, locations...)

	var lastErr error
	for _, loc := range locations {
		items, perr := c.fetchSitemap(ctx, loc)
		if perr != nil {
			lastErr = perr
			continue
		}
		if len(items) > 0 {
			return items, StrategySitemap, nil
		}
	}
	return nil, StrategySitemap, lastErr
}

// probeSubdomains checks common content subdomains (blog.example.com and
// friends) when the input is a bare domain root, then reruns the feed and
// sitemap discovery against the first subdomain that exists.
func (c *cascade) probeSubdomains(ctx context.Context) ([]Candidate, Strategy, error) {
	if !isRootPath(c.input) || c.o.deps.Prober == nil {
		return nil, StrategyUnknown, nil
	}
	base := strings.TrimPrefix(strings.ToLower(c.input.Hostname()), "www.")
	for _, prefix := range c.o.cfg.SubdomainPrefixes {
		if strings.HasPrefix(base, prefix+".") {
			return nil, StrategyUnknown, nil
		}
	}

	for _, prefix := range c.o.cfg.SubdomainPrefixes {
		if ctx.Err() != nil {
			return nil, StrategyUnknown, ctx.Err()
		}
		subURL := c.input.Scheme + "://" + prefix + "." + base + "/"
		exists := false
		err := c.o.deps.Limiter.Execute(ctx, subURL, func(ctx context.Context) error {
			exists = c.o.deps.Prober.Exists(ctx, subURL)
			return nil
		}, ratelimit.Options{Priority: priorityProbe, MaxRetries: 1})
		if err != nil || !exists {
			continue
		}
		c.o.logger.Debug("content subdomain found", zap.String("url", subURL))

		sub := *c.input
		sub.Host = prefix + "." + base
		sub.Path = "/"
		inner := &cascade{o: c.o, input: &sub, session: c.session, res: c.res}
		if refs, derr := inner.discoverFeeds(ctx, subURL); derr == nil && len(refs) > 0 {
			if items, ferr := inner.fetchFeed(ctx, refs[0].URL); ferr == nil && len(items) > 0 {
				return items, StrategyFeed, nil
			}
		}
		if items, _, serr := inner.sitemapAutodiscovery(ctx); serr == nil && len(items) > 0 {
			c.sitemapEntries = inner.sitemapEntries
			return items, StrategySitemap, nil
		}
	}
	return nil, StrategyUnknown, nil
}

// scrapeLinks runs a link extractor against the input page. Scraping hits
// arbitrary pages, so these are the only strategies that consult the crawl
// policy before dispatch.
func (c *cascade) scrapeLinks(ctx context.Context, ex LinkExtractor, class string, method Strategy, priority int) ([]Candidate, error) {
	pageURL := c.input.String()
	scrape := c.session.Scrape
	if scrape.MaxPages <= 0 {
		scrape.MaxPages = c.o.cfg.MaxScrapePages
	}
	if scrape.MaxPages > c.session.MaxDepth {
		scrape.MaxPages = c.session.MaxDepth
	}

	var links []Link
	err := c.o.deps.Limiter.Execute(ctx, pageURL, func(ctx context.Context) error {
		return c.o.deps.Breakers.Get(class).Execute(ctx, func(ctx context.Context) error {
			var serr error
			links, serr = ex.Extract(ctx, pageURL, scrape)
			return serr
		})
	}, ratelimit.Options{Priority: priority, CheckPolicy: true})
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(links))
	for _, l := range links {
		if l.URL == "" {
			continue
		}
		out = append(out, Candidate{
			URL:              l.URL,
			Title:            l.Title,
			PublishedAt:      l.PublishedAt,
			Excerpt:          l.Description,
			Confidence:       l.Confidence,
			SourceStrategy:   method,
			ExtractionMethod: method,
			Metadata:         map[string]any{"link_source": l.Source},
		})
	}
	return out, nil
}

// postProcess applies the uniform pipeline: dedupe, path filtering (explicit,
// inferred, or section-derived), ranking, and the size cap.
func (c *cascade) postProcess(items []Candidate) []Candidate {
	items = dedupeByURL(items)

	allow := c.session.AllowPaths
	if len(allow) == 0 {
		// A document input (a feed or sitemap URL) is not a content section;
		// inferring an allow pattern from its path would filter everything.
		if inferred := inferAllowPaths(c.input); len(inferred) > 0 && !isDocumentPath(c.input.Path) {
			allow = inferred
		} else if c.res.DetectedType == StrategySitemap && isRootPath(c.input) {
			if sections := discoverSections(c.sitemapEntries); len(sections) > 0 {
				c.o.logger.Debug("auto-discovered content sections", zap.Strings("sections", sections))
				allow = sections
			}
		}
	}

	spec := newFilterSpec(allow, c.session.DenyPaths)
	kept := items[:0]
	for _, it := range items {
		if spec.keep(it) {
			kept = append(kept, it)
		} else {
			c.res.Stats.Filtered++
		}
	}

	sortCandidates(kept)
	return capItems(kept, c.o.cfg.MaxItems)
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Hub == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	o.deps.Hub.Emit(evt)
}

func isRootPath(u *url.URL) bool {
	return u.Path == "" || u.Path == "/"
}

// isDocumentPath reports whether a path names a feed or sitemap document
// rather than a browsable section.
func isDocumentPath(path string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range []string{".xml", ".xml.gz", ".rss", ".atom", ".json"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// titleFromSlug derives a human-readable title from the last URL path
// segment, e.g. "/news/rate-cut-2026" yields "Rate Cut 2026".
func titleFromSlug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	segs := strings.Split(path, "/")
	slug := segs[len(segs)-1]
	slug = strings.TrimSuffix(slug, ".html")
	slug = strings.TrimSuffix(slug, ".htm")
	words := strings.FieldsFunc(slug, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
