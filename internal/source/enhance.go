package source

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sourcescout/sourcescout/internal/breaker"
	"github.com/sourcescout/sourcescout/internal/progress"
	"github.com/sourcescout/sourcescout/internal/ratelimit"
)

// enhanceConfidenceBoost is added to an item's confidence once full content
// has been extracted for it, capped at 1.0.
const enhanceConfidenceBoost = 0.1

// EnhanceOptions tune a full-content enhancement pass.
type EnhanceOptions struct {
	// MaxItems bounds how many items are enhanced (default all).
	MaxItems int
	// Concurrency overrides the configured fan-out width when > 0.
	Concurrency int
	// SessionID tags progress events emitted during the pass.
	SessionID string
}

// Enhance upgrades candidates that lack substantial raw content by fetching
// each article and running readability extraction. Failures are recorded on
// the item's metadata and never fail the batch. The slice is mutated in place
// and returned.
func (o *Orchestrator) Enhance(ctx context.Context, items []Candidate, opts EnhanceOptions) []Candidate {
	if o.deps.Content == nil || len(items) == 0 {
		return items
	}

	var idxs []int
	for i := range items {
		if len(items[i].RawContent) >= o.cfg.MinContentLength {
			continue
		}
		idxs = append(idxs, i)
		if opts.MaxItems > 0 && len(idxs) >= opts.MaxItems {
			break
		}
	}
	if len(idxs) == 0 {
		return items
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = o.cfg.EnhanceConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, i := range idxs {
		g.Go(func() error {
			o.enhanceOne(gctx, &items[i], opts.SessionID)
			return nil
		})
	}
	_ = g.Wait() // enhanceOne never returns an error
	return items
}

func (o *Orchestrator) enhanceOne(ctx context.Context, item *Candidate, sessionID string) {
	var content *Content
	err := o.deps.Limiter.Execute(ctx, item.URL, func(ctx context.Context) error {
		return o.deps.Breakers.Get(breaker.ClassHTMLFetch).Execute(ctx, func(ctx context.Context) error {
			var eerr error
			content, eerr = o.deps.Content.Extract(ctx, item.URL)
			return eerr
		})
	}, ratelimit.Options{Priority: priorityRender, CheckPolicy: true})

	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	if err != nil {
		item.Metadata["enhance_error"] = err.Error()
		o.logger.Debug("enhance failed", zap.String("url", item.URL), zap.Error(err))
		return
	}
	if content == nil {
		item.Metadata["enhance_error"] = "no extractable article"
		return
	}

	item.RawContent = content.Text
	if content.Excerpt != "" {
		item.Excerpt = content.Excerpt
	}
	if item.Title == "" && content.Title != "" {
		item.Title = content.Title
	}
	if content.DedupeKey != "" {
		item.DedupeKey = content.DedupeKey
	}
	item.Confidence = min(item.Confidence+enhanceConfidenceBoost, 1.0)
	item.Metadata["word_count"] = content.WordCount
	item.Metadata["reading_time"] = content.ReadingTime.String()
	item.Metadata["enhanced"] = true

	if sessionID != "" {
		o.emit(progress.Event{
			SessionID: sessionID,
			TS:        time.Now().UTC(),
			Stage:     progress.StageEnhanceItem,
			URL:       item.URL,
		})
	}
}
