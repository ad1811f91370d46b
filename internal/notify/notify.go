// Package notify forwards message and dispute events to the external
// notification collaborator.
//
// Delivery contract:
//   - Dispatch happens synchronously inside the triggering operation
//   - Exactly one attempt per event per recipient, never retried here
//   - Failures, including collaborator panics, are logged and counted,
//     never returned to the caller
//   - A recipient whose deliveries keep failing is skipped while its
//     circuit is open; a skip counts as a failed attempt
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowchat/internal/circuitbreaker"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/idgen"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/order"
)

// ErrUpstream wraps failures reported by the collaborator.
var ErrUpstream = errors.New("notification collaborator failed")

// EventType identifies what happened.
type EventType string

const (
	EventMessageCreated       EventType = "message.created"
	EventDisputeStatusChanged EventType = "dispute.status_changed"
)

// Event is the payload handed to the collaborator, one per recipient.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	RecipientID string         `json:"recipientId"`
	OrderID     string         `json:"orderId"`
	MessageID   string         `json:"messageId,omitempty"`
	DisputeID   string         `json:"disputeId,omitempty"`
	Status      dispute.Status `json:"status,omitempty"`
	Resolution  string         `json:"resolution,omitempty"`
	Preview     string         `json:"preview,omitempty"`
}

// Collaborator delivers events (email, push, ...). Implementations own any
// retry policy.
type Collaborator interface {
	Notify(ctx context.Context, e Event) error
}

// Config tunes the dispatcher.
type Config struct {
	Timeout          time.Duration // per attempt
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

const previewLength = 140

// Dispatcher turns domain changes into events and hands each to the
// collaborator once.
type Dispatcher struct {
	collab  Collaborator
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	now     func() time.Time
}

// NewDispatcher creates a dispatcher around a collaborator.
func NewDispatcher(collab Collaborator, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Dispatcher{
		collab:  collab,
		breaker: circuitbreaker.New("notify", cfg.BreakerThreshold, cfg.BreakerCooldown),
		timeout: cfg.Timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify makes the single delivery attempt for e. It never fails the caller.
func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = idgen.Event()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.now()
	}
	log := logging.L(ctx).With("event_id", e.ID, "event_type", e.Type, "recipient_id", e.RecipientID)

	// The attempt outlives a cancelled request but not the timeout.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := d.breaker.Do(e.RecipientID, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", ErrUpstream, r)
			}
		}()
		return d.collab.Notify(callCtx, e)
	})
	switch {
	case err == nil:
		metrics.NotificationsTotal.WithLabelValues(string(e.Type), "sent").Inc()
		log.Debug("notification sent")
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.NotificationsTotal.WithLabelValues(string(e.Type), "skipped").Inc()
		log.Warn("notification skipped: recipient circuit open")
	default:
		metrics.NotificationsTotal.WithLabelValues(string(e.Type), "failed").Inc()
		log.Error("notification failed", "error", err)
	}
}

// MessageCreated notifies whoever the message is addressed to. Moderator
// posts visible to the parties go to both of them; mod-only notes go to
// the assigned moderator when someone else wrote them.
func (d *Dispatcher) MessageCreated(ctx context.Context, o *order.Order, disp *dispute.Dispute, m *message.Message) {
	for _, recipient := range messageRecipients(o, disp, m) {
		d.Notify(ctx, Event{
			Type:        EventMessageCreated,
			RecipientID: recipient,
			OrderID:     m.OrderID,
			MessageID:   m.ID,
			DisputeID:   m.DisputeID,
			Preview:     preview(m.Content),
		})
	}
}

// DisputeStatusChanged notifies both parties and the assigned moderator.
func (d *Dispatcher) DisputeStatusChanged(ctx context.Context, o *order.Order, disp *dispute.Dispute) {
	for _, recipient := range unique(o.BuyerID, o.SellerID, disp.AssignedModID) {
		e := Event{
			Type:        EventDisputeStatusChanged,
			RecipientID: recipient,
			OrderID:     disp.OrderID,
			DisputeID:   disp.ID,
			Status:      disp.Status,
		}
		if disp.Status.IsTerminal() {
			e.Resolution = disp.Resolution
		}
		d.Notify(ctx, e)
	}
}

func messageRecipients(o *order.Order, disp *dispute.Dispute, m *message.Message) []string {
	if m.RecipientID != "" {
		return []string{m.RecipientID}
	}
	if m.IsModOnly {
		if disp != nil && disp.AssignedModID != m.SenderID {
			return unique(disp.AssignedModID)
		}
		return nil
	}
	var out []string
	for _, id := range unique(o.BuyerID, o.SellerID) {
		if id != m.SenderID {
			out = append(out, id)
		}
	}
	return out
}

func unique(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func preview(c message.Content) string {
	text := c.PlainText()
	if text == "" && c.HasImage() {
		return "[image]"
	}
	r := []rune(text)
	if len(r) > previewLength {
		return string(r[:previewLength]) + "…"
	}
	return text
}

var (
	_ message.Notifier = (*Dispatcher)(nil)
	_ dispute.Notifier = (*Dispatcher)(nil)
)
