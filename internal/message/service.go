package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowchat/internal/access"
	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/idgen"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/order"
	"github.com/mbd888/escrowchat/internal/traces"
	"github.com/mbd888/escrowchat/internal/validation"
)

// Notifier is told about every stored message. Implementations must not
// fail the caller.
type Notifier interface {
	MessageCreated(ctx context.Context, o *order.Order, d *dispute.Dispute, m *Message)
}

// Publisher pushes new messages to connected clients.
type Publisher interface {
	PublishMessage(ctx context.Context, m *Message)
}

// OrderReader resolves orders and sender profiles.
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	GetUser(ctx context.Context, id string) (*order.User, error)
}

// Service implements message posting and retrieval.
type Service struct {
	store     Store
	orders    OrderReader
	disputes  dispute.Reader
	notifier  Notifier
	publisher Publisher
	now       func() time.Time
}

// NewService creates a new message service.
func NewService(store Store, orders OrderReader, disputes dispute.Reader) *Service {
	return &Service{
		store:    store,
		orders:   orders,
		disputes: disputes,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithPublisher adds a realtime publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// PostOptions are the optional parts of a post.
type PostOptions struct {
	DisputeID string
	IsModOnly bool
}

// Thread is a gated view of an order channel.
type Thread struct {
	Order    *order.Order
	Dispute  *dispute.Dispute
	Messages []*Message
}

// Post stores a message on an order channel. While the order has an active
// dispute the message is linked to it whether or not the caller named it.
func (s *Service) Post(ctx context.Context, actor *auth.Actor, orderID string, content Content, opts PostOptions) (*Message, error) {
	ctx, span := traces.StartSpan(ctx, "message.Post", traces.OrderID(orderID))
	defer span.End()

	if actor == nil {
		return nil, access.ErrUnauthorized
	}
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	d, err := s.channelDispute(ctx, orderID, opts.DisputeID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if err := access.CanWrite(actor, o, d, opts.IsModOnly); err != nil {
		logging.L(ctx).Info("message post denied", "order_id", orderID, "reason", err.Error())
		return nil, err
	}

	m := &Message{
		ID:          idgen.Message(),
		OrderID:     orderID,
		SenderID:    actor.ID,
		SenderRole:  actor.Role,
		RecipientID: o.Counterparty(actor.ID),
		Content:     content,
		IsModOnly:   opts.IsModOnly,
		CreatedAt:   s.now().Truncate(time.Microsecond),
	}
	if d.IsActive() {
		m.DisputeID = d.ID
	}
	if err := s.store.Create(ctx, m); err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	m.Sender = s.senderInfo(ctx, actor.ID, actor.Role, nil)

	span.SetAttributes(traces.MessageID(m.ID))
	channel, visibility := "order", "public"
	if m.DisputeID != "" {
		channel = "dispute"
	}
	if m.IsModOnly {
		visibility = "mod_only"
	}
	metrics.MessagesPostedTotal.WithLabelValues(channel, visibility).Inc()

	if s.notifier != nil {
		s.notifier.MessageCreated(ctx, o, d, m)
	}
	if s.publisher != nil {
		s.publisher.PublishMessage(ctx, m)
	}
	return m, nil
}

// PostToDispute posts to the order a dispute belongs to, linked to that
// dispute.
func (s *Service) PostToDispute(ctx context.Context, actor *auth.Actor, disputeID string, content Content, isModOnly bool) (*Message, error) {
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	return s.Post(ctx, actor, d.OrderID, content, PostOptions{DisputeID: d.ID, IsModOnly: isModOnly})
}

// List returns the order's messages visible to the actor, oldest first,
// and marks the ones addressed to the actor as read.
func (s *Service) List(ctx context.Context, actor *auth.Actor, orderID string) (*Thread, error) {
	ctx, span := traces.StartSpan(ctx, "message.List", traces.OrderID(orderID))
	defer span.End()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	d, err := s.channelDispute(ctx, orderID, "")
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(actor, o, d); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListByOrder(ctx, orderID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return s.finish(ctx, actor, o, d, msgs), nil
}

// ListForDispute returns the messages linked to one dispute, gated and
// filtered against that dispute.
func (s *Service) ListForDispute(ctx context.Context, actor *auth.Actor, disputeID string) (*Thread, error) {
	ctx, span := traces.StartSpan(ctx, "message.ListForDispute", traces.DisputeID(disputeID))
	defer span.End()

	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if err := access.CheckRead(actor, o, d); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListByDispute(ctx, disputeID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return s.finish(ctx, actor, o, d, msgs), nil
}

// finish filters, decorates and marks read. Mod-only messages are
// filtered against the dispute each was written under, not the channel's
// current one.
func (s *Service) finish(ctx context.Context, actor *auth.Actor, o *order.Order, d *dispute.Dispute, msgs []*Message) *Thread {
	visible := access.FilterVisible(actor, s.writtenUnder(ctx, actor, d, msgs), msgs)

	profiles := make(map[string]*SenderInfo)
	var unread []string
	for _, m := range visible {
		m.Sender = s.senderInfo(ctx, m.SenderID, m.SenderRole, profiles)
		if m.RecipientID == actor.ID && !m.IsRead {
			unread = append(unread, m.ID)
		}
	}

	if len(unread) > 0 {
		if n, err := s.store.MarkRead(ctx, actor.ID, unread); err != nil {
			logging.L(ctx).Warn("failed to mark messages read", "order_id", o.ID, "error", err)
		} else {
			logging.L(ctx).Debug("marked messages read", "order_id", o.ID, "count", n)
		}
	}
	return &Thread{Order: o, Dispute: d, Messages: visible}
}

// writtenUnder resolves the disputes of the mod-only messages in msgs. A
// failed lookup leaves a nil entry, which hides those messages.
func (s *Service) writtenUnder(ctx context.Context, actor *auth.Actor, d *dispute.Dispute, msgs []*Message) map[string]*dispute.Dispute {
	known := make(map[string]*dispute.Dispute)
	if d != nil {
		known[d.ID] = d
	}
	if actor.IsAdmin() {
		return known
	}
	for _, m := range msgs {
		if !m.IsModOnly || m.DisputeID == "" {
			continue
		}
		if _, ok := known[m.DisputeID]; ok {
			continue
		}
		got, err := s.disputes.Get(ctx, m.DisputeID)
		if err != nil {
			logging.L(ctx).Warn("hiding mod-only messages: dispute lookup failed", "dispute_id", m.DisputeID, "error", err)
			got = nil
		}
		known[m.DisputeID] = got
	}
	return known
}

// channelDispute picks the dispute that governs the channel: the named one
// when given (it must belong to the order), otherwise the order's latest.
func (s *Service) channelDispute(ctx context.Context, orderID, disputeID string) (*dispute.Dispute, error) {
	if disputeID != "" {
		d, err := s.disputes.Get(ctx, disputeID)
		if err != nil {
			return nil, err
		}
		if d.OrderID != orderID {
			return nil, dispute.ErrDisputeNotFound
		}
		return d, nil
	}
	d, err := s.disputes.LatestForOrder(ctx, orderID)
	if errors.Is(err, dispute.ErrDisputeNotFound) {
		return nil, nil
	}
	return d, err
}

// senderInfo resolves a display name, falling back to the id when the
// profile is unavailable. cache may be nil.
func (s *Service) senderInfo(ctx context.Context, id string, role auth.Role, cache map[string]*SenderInfo) *SenderInfo {
	if info, ok := cache[id]; ok {
		return info
	}
	info := &SenderInfo{ID: id, DisplayName: id, Role: role}
	if u, err := s.orders.GetUser(ctx, id); err == nil && u.DisplayName != "" {
		info.DisplayName = u.DisplayName
	}
	if cache != nil {
		cache[id] = info
	}
	return info
}

// validateContent returns the canonical, NUL-free form of c. Whitespace
// between blocks is preserved.
func validateContent(c Content) (Content, error) {
	clean := make(Content, len(c))
	for i, b := range c {
		b.Text = strings.ReplaceAll(b.Text, "\x00", "")
		b.Caption = strings.ReplaceAll(b.Caption, "\x00", "")
		clean[i] = b
	}
	c = clean.Normalize()
	if c.IsEmpty() {
		return nil, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if len(c) > validation.MaxBlocks {
		return nil, fmt.Errorf("%w: too many content blocks", ErrValidation)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, url := range c.Images() {
		if !validation.IsValidImageURL(url) {
			return nil, fmt.Errorf("%w: invalid image url", ErrValidation)
		}
	}
	if len(c.PlainText()) > validation.MaxTextLength {
		return nil, fmt.Errorf("%w: content too long", ErrValidation)
	}
	return c, nil
}
