package chatclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/reconcile"
	"github.com/mbd888/escrowchat/internal/transport"
)

// Poster sends a message to an order channel.
type Poster interface {
	PostMessage(ctx context.Context, orderID string, req PostRequest) (*message.Message, error)
}

// Uploader stores a local image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, localRef string) (string, error)
}

// MessagesFetcher returns a transport fetch function for an order channel.
func (c *Client) MessagesFetcher(orderID string) transport.FetchFunc {
	return func(ctx context.Context) ([]*message.Message, error) {
		t, err := c.ListMessages(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return t.Messages, nil
	}
}

// Session is one user's live view of an order channel. Sends show up
// immediately as pending rows and are reconciled against every refresh the
// transport delivers.
type Session struct {
	orderID   string
	poster    Poster
	adapter   transport.Adapter
	uploader  Uploader
	logger    *slog.Logger
	disputeID string
	onChange  func([]reconcile.Item)

	mu    sync.Mutex // guards state
	state *reconcile.State
}

// NewSession creates a session for senderID on orderID.
func NewSession(poster Poster, adapter transport.Adapter, orderID, senderID string, cfg reconcile.Config, logger *slog.Logger) *Session {
	return &Session{
		orderID: orderID,
		poster:  poster,
		adapter: adapter,
		logger:  logger,
		state:   reconcile.NewState(senderID, cfg),
	}
}

// WithUploader sets the uploader used for local image references.
func (s *Session) WithUploader(u Uploader) *Session {
	s.uploader = u
	return s
}

// WithDispute links sends to an explicit dispute.
func (s *Session) WithDispute(disputeID string) *Session {
	s.disputeID = disputeID
	return s
}

// OnChange registers a callback receiving the view after every change.
// It runs outside the session lock.
func (s *Session) OnChange(fn func([]reconcile.Item)) *Session {
	s.onChange = fn
	return s
}

// Send posts content. The message appears as pending at once; on any
// upload or post error it flips to failed and the error is returned.
func (s *Session) Send(ctx context.Context, content message.Content) (string, error) {
	s.mu.Lock()
	p := s.state.AddPending(content)
	view := s.state.View()
	s.mu.Unlock()
	s.emit(view)

	return p.LocalID, s.deliver(ctx, p.LocalID, p.Content)
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, localID string) error {
	s.mu.Lock()
	p, err := s.state.Retry(localID)
	var view []reconcile.Item
	if err == nil {
		view = s.state.View()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.emit(view)
	return s.deliver(ctx, localID, p.Content)
}

// Discard drops a pending or failed message from the view.
func (s *Session) Discard(localID string) error {
	s.mu.Lock()
	err := s.state.Discard(localID)
	view := s.state.View()
	s.mu.Unlock()
	if err == nil {
		s.emit(view)
	}
	return err
}

func (s *Session) deliver(ctx context.Context, localID string, content message.Content) error {
	uploaded, err := s.upload(ctx, content)
	if err != nil {
		return s.fail(localID, fmt.Errorf("upload image: %w", err))
	}

	s.mu.Lock()
	_ = s.state.SetContent(localID, uploaded)
	s.mu.Unlock()

	m, err := s.poster.PostMessage(ctx, s.orderID, PostRequest{Blocks: uploaded, DisputeID: s.disputeID})
	if err != nil {
		return s.fail(localID, err)
	}

	s.mu.Lock()
	s.state.Confirm(localID, m)
	view := s.state.View()
	s.mu.Unlock()
	s.emit(view)
	return nil
}

// upload replaces local image references with uploaded URLs.
func (s *Session) upload(ctx context.Context, content message.Content) (message.Content, error) {
	out := make(message.Content, len(content))
	copy(out, content)
	for i, b := range out {
		if b.Kind != message.KindImage || isRemote(b.URL) {
			continue
		}
		if s.uploader == nil {
			return nil, fmt.Errorf("no uploader for local image %q", b.URL)
		}
		u, err := s.uploader.Upload(ctx, b.URL)
		if err != nil {
			return nil, err
		}
		out[i].URL = u
	}
	return out, nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

func (s *Session) fail(localID string, err error) error {
	s.mu.Lock()
	s.state.MarkFailed(localID, err)
	view := s.state.View()
	s.mu.Unlock()
	s.logger.Warn("message send failed", "order_id", s.orderID, "local_id", localID, "error", err)
	s.emit(view)
	return err
}

// Run feeds transport refreshes into the session until ctx ends.
func (s *Session) Run(ctx context.Context) error {
	return s.adapter.Run(ctx, func(msgs []*message.Message) { s.apply(msgs) })
}

// Refresh fetches the channel once, outside the transport schedule.
func (s *Session) Refresh(ctx context.Context) ([]reconcile.Item, error) {
	msgs, err := s.adapter.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return s.apply(msgs), nil
}

func (s *Session) apply(msgs []*message.Message) []reconcile.Item {
	s.mu.Lock()
	view := s.state.Refresh(msgs)
	s.mu.Unlock()
	s.emit(view)
	return view
}

// View returns the current merged view.
func (s *Session) View() []reconcile.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.View()
}

// Close stops the transport.
func (s *Session) Close() error {
	return s.adapter.Close()
}

func (s *Session) emit(view []reconcile.Item) {
	if s.onChange != nil {
		s.onChange(view)
	}
}
