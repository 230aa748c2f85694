package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/sourcescout/sourcescout/internal/fetcherr"
	"github.com/sourcescout/sourcescout/internal/source"
)

const (
	// minArticleChars is the extracted-text length below which a page is
	// treated as having no article.
	minArticleChars = 150
	// readingWordsPerMinute converts word counts into reading time.
	readingWordsPerMinute = 200
	excerptLimit          = 280
)

// ContentClient fetches article pages and extracts their readable body.
// It implements source.ContentExtractor.
type ContentClient struct {
	cfg    Config
	logger *zap.Logger
}

// NewContentClient constructs a ContentClient with defaults applied.
func NewContentClient(cfg Config) *ContentClient {
	cfg = cfg.withDefaults()
	return &ContentClient{cfg: cfg, logger: cfg.Logger}
}

// Extract downloads articleURL and runs readability extraction. A nil
// Content with nil error means the page held no extractable article.
func (c *ContentClient) Extract(ctx context.Context, articleURL string) (*source.Content, error) {
	parsed, err := url.Parse(articleURL)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindInvalidURL, "content.extract", articleURL, err)
	}
	body, err := c.cfg.get(ctx, "content.extract", articleURL, "text/html, */*;q=0.8")
	if err != nil {
		return nil, err
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return nil, fetcherr.New(fetcherr.KindExtraction, "content.extract", articleURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) < minArticleChars {
		c.logger.Debug("no extractable article", zap.String("url", articleURL), zap.Int("chars", len(text)))
		return nil, nil
	}

	words := strings.Fields(text)
	wordCount := len(words)
	readingTime := time.Duration(float64(wordCount)/readingWordsPerMinute*60) * time.Second

	excerpt := strings.TrimSpace(article.Excerpt)
	if excerpt == "" {
		excerpt = excerptFromText(words, excerptLimit)
	}

	return &source.Content{
		Title:       strings.TrimSpace(article.Title),
		Text:        text,
		Excerpt:     excerpt,
		WordCount:   wordCount,
		ReadingTime: readingTime,
		DedupeKey:   dedupeKey(text),
	}, nil
}

// dedupeKey hashes the normalized article text so near-identical bodies at
// different URLs collapse to the same key.
func dedupeKey(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}

func excerptFromText(words []string, limit int) string {
	var b strings.Builder
	for _, w := range words {
		if b.Len()+len(w)+1 > limit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}
