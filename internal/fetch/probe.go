package fetch

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Prober answers cheap subdomain existence checks with a HEAD request,
// falling back to GET for servers that reject HEAD. It implements
// source.Prober.
type Prober struct {
	cfg    Config
	logger *zap.Logger
}

// NewProber constructs a Prober with defaults applied.
func NewProber(cfg Config) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{cfg: cfg, logger: cfg.Logger}
}

// Exists reports whether rawURL answers with a non-error status.
func (p *Prober) Exists(ctx context.Context, rawURL string) bool {
	status, err := p.request(ctx, http.MethodHead, rawURL)
	if err != nil {
		return false
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		status, err = p.request(ctx, http.MethodGet, rawURL)
		if err != nil {
			return false
		}
	}
	return status >= 200 && status < 400
}

func (p *Prober) request(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", zap.String("url", rawURL), zap.Error(err))
		return 0, err
	}
	// Drain a little so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
