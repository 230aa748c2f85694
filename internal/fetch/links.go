package fetch

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/source"
)

// defaultMaxPages bounds rel=next pagination when the caller sets no limit.
const defaultMaxPages = 3

// LinkScraper extracts candidate article links from raw (non-rendered) HTML
// using a Colly collector per page. It implements source.LinkExtractor.
type LinkScraper struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// NewLinkScraper constructs a LinkScraper with a shared base collector.
func NewLinkScraper(cfg Config) *LinkScraper {
	cfg = cfg.withDefaults()
	base := colly.NewCollector(colly.UserAgent(cfg.UserAgent))
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.Timeout)
	if cfg.Client.Transport != nil {
		base.WithTransport(cfg.Client.Transport)
	}
	return &LinkScraper{cfg: cfg, base: base, logger: cfg.Logger}
}

// Extract fetches pageURL (following rel=next pagination up to
// cfg.MaxPages) and returns scored candidate links.
func (l *LinkScraper) Extract(ctx context.Context, pageURL string, cfg source.ScrapeConfig) ([]source.Link, error) {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	var (
		all      []source.Link
		seen     = map[string]bool{}
		firstErr error
	)
	current := pageURL
	for page := 0; page < maxPages && current != ""; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base, err := url.Parse(current)
		if err != nil {
			return nil, fetcherr.New(fetcherr.KindInvalidURL, "links.extract", current, err)
		}

		body, status, err := l.fetchPage(ctx, current)
		if err != nil {
			if firstErr == nil {
				if status > 0 {
					firstErr = fetcherr.Status(status, "links.extract", current)
				} else {
					firstErr = fetcherr.New(fetcherr.KindOf(err), "links.extract", current, err)
				}
			}
			break
		}

		links, next := extractLinksFromHTML(base, body, cfg)
		for _, link := range links {
			if seen[link.URL] {
				continue
			}
			seen[link.URL] = true
			all = append(all, link)
		}
		l.logger.Debug("page scraped",
			zap.String("url", current),
			zap.Int("links", len(links)),
			zap.String("next", next))
		if next == current {
			break
		}
		current = next
	}

	if len(all) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return all, nil
}

// fetchPage retrieves one page through a cloned collector, returning its body
// and the HTTP status of a failed response when one was received.
func (l *LinkScraper) fetchPage(ctx context.Context, pageURL string) ([]byte, int, error) {
	collector := l.base.Clone()
	type result struct {
		body   []byte
		status int
		err    error
	}
	resultCh := make(chan result, 1)
	var once sync.Once
	send := func(res result) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body := make([]byte, 0, len(r.Body))
		if int64(len(r.Body)) > l.cfg.MaxBodyBytes {
			body = append(body, r.Body[:l.cfg.MaxBodyBytes]...)
		} else {
			body = append(body, r.Body...)
		}
		send(result{body: body})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		send(result{status: status, err: err})
	})

	if err := collector.Visit(pageURL); err != nil {
		return nil, 0, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		return res.body, res.status, res.err
	default:
		return nil, 0, errors.New("colly fetch produced no result")
	}
}
