package logmux

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the fallback polling period.
const DefaultPollInterval = 3 * time.Second

// FetchFunc returns the full current log content.
type FetchFunc func(ctx context.Context) (string, error)

// Poller repeatedly fetches full content and emits only what is new since the
// previous fetch. When content shrinks, the source was reset and the whole
// content is emitted again.
type Poller struct {
	fetch    FetchFunc
	onChunk  ChunkFunc
	interval time.Duration
	logger   *slog.Logger
	seen     int
}

// NewPoller creates a poller. interval <= 0 uses DefaultPollInterval.
func NewPoller(fetch FetchFunc, onChunk ChunkFunc, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{fetch: fetch, onChunk: onChunk, interval: interval, logger: logger}
}

// Run polls immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	content, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("log poll failed", "error", err)
		}
		return
	}

	var delta string
	switch {
	case len(content) < p.seen:
		delta = content
	case len(content) > p.seen:
		delta = content[p.seen:]
	}
	p.seen = len(content)
	if delta != "" {
		p.onChunk(delta)
	}
}
