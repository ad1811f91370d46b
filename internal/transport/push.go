package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/retry"
)

// ErrRejected is returned when the server refuses the stream (401, 403, 404).
var ErrRejected = errors.New("push stream rejected")

// pongWait must exceed the server's ping period.
const pongWait = 70 * time.Second

// PushConfig configures a PushAdapter.
type PushConfig struct {
	URL               string // ws(s)://host/v1/orders/{id}/stream
	Header            http.Header
	FetchTimeout      time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Dialer            *websocket.Dialer
}

// PushAdapter fetches the channel whenever the server's stream reports a
// change, and once after every (re)connect to cover missed events. Events
// arriving during a fetch collapse into a single follow-up fetch.
type PushAdapter struct {
	f         *fetcher
	cfg       PushConfig
	logger    *slog.Logger
	closeOnce sync.Once
}

// NewPushAdapter creates a push adapter.
func NewPushAdapter(fn FetchFunc, cfg PushConfig, logger *slog.Logger) *PushAdapter {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 500 * time.Millisecond
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &PushAdapter{
		f:      newFetcher(fn, cfg.FetchTimeout),
		cfg:    cfg,
		logger: logger,
	}
}

func (p *PushAdapter) Fetch(ctx context.Context) ([]*message.Message, error) {
	return p.f.fetch(ctx)
}

// Run keeps the stream connected and refreshes on every event. It returns
// an error only when the stream cannot be re-established.
func (p *PushAdapter) Run(ctx context.Context, onRefresh RefreshFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-p.f.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	triggers := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-triggers:
				_ = refresh(ctx, p.f, onRefresh, p.logger)
			}
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		conn, err := p.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		signal(triggers)

		err = p.read(ctx, conn, triggers)
		if ctx.Err() != nil {
			return nil
		}
		p.logger.Warn("push stream lost, reconnecting", "error", err)
	}
}

func (p *PushAdapter) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.DoNotify(ctx, p.cfg.ReconnectAttempts, p.cfg.ReconnectDelay, func() error {
		c, resp, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, p.cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode))
			}
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		p.logger.Debug("push stream dial failed", "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect push stream: %w", err)
	}
	return conn, nil
}

// read turns every server frame into a refresh trigger until the
// connection drops or ctx ends.
func (p *PushAdapter) read(ctx context.Context, conn *websocket.Conn, triggers chan struct{}) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		signal(triggers)
	}
}

func (p *PushAdapter) Close() error {
	p.closeOnce.Do(p.f.close)
	return nil
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ Adapter = (*PushAdapter)(nil)
