package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowchat/internal/message"
)

// DefaultPollInterval is the refresh period of PollingAdapter.
const DefaultPollInterval = 3 * time.Second

// PollingAdapter refreshes the channel on a fixed interval.
type PollingAdapter struct {
	f         *fetcher
	interval  time.Duration
	logger    *slog.Logger
	running   atomic.Bool
	closeOnce sync.Once
}

// NewPollingAdapter creates a polling adapter. Zero durations select the
// defaults.
func NewPollingAdapter(fn FetchFunc, interval, timeout time.Duration, logger *slog.Logger) *PollingAdapter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingAdapter{
		f:        newFetcher(fn, timeout),
		interval: interval,
		logger:   logger,
	}
}

// Running reports whether the poll loop is active.
func (p *PollingAdapter) Running() bool {
	return p.running.Load()
}

func (p *PollingAdapter) Fetch(ctx context.Context) ([]*message.Message, error) {
	return p.f.fetch(ctx)
}

// Run fetches immediately, then once per interval.
func (p *PollingAdapter) Run(ctx context.Context, onRefresh RefreshFunc) error {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.safeRefresh(ctx, onRefresh); errors.Is(err, ErrClosed) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.f.closed:
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PollingAdapter) safeRefresh(ctx context.Context, onRefresh RefreshFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in poll refresh", "panic", fmt.Sprint(r))
		}
	}()
	return refresh(ctx, p.f, onRefresh, p.logger)
}

func (p *PollingAdapter) Close() error {
	p.closeOnce.Do(p.f.close)
	return nil
}

// refresh runs one fetch and hands a successful result to onRefresh.
func refresh(ctx context.Context, f *fetcher, onRefresh RefreshFunc, logger *slog.Logger) error {
	msgs, err := f.fetch(ctx)
	if err != nil {
		if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
			logger.Warn("channel refresh failed", "error", err)
		}
		return err
	}
	onRefresh(msgs)
	return nil
}

var _ Adapter = (*PollingAdapter)(nil)
