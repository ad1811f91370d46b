// Package dispute owns the dispute lifecycle of an order.
//
// Flow:
//  1. Buyer or seller opens a dispute → OPEN
//  2. A moderator claims it → UNDER_REVIEW (assigns the moderator if unset)
//  3. The assigned moderator or an admin resolves it → RESOLVED_* (terminal)
//  4. OPEN or UNDER_REVIEW may be cancelled → CANCELLED (terminal)
//
// A terminal dispute closes the order's message channel. Every transition
// is a compare-and-set against the stored status and version.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowchat/internal/pagination"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidTransition = errors.New("invalid dispute transition")
	ErrActiveDispute     = errors.New("order already has an active dispute")
	ErrForbidden         = errors.New("not permitted to act on this dispute")
	ErrValidation        = errors.New("invalid dispute request")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen                Status = "OPEN"
	StatusUnderReview         Status = "UNDER_REVIEW"
	StatusResolvedBuyerFavor  Status = "RESOLVED_BUYER_FAVOR"
	StatusResolvedSellerFavor Status = "RESOLVED_SELLER_FAVOR"
	StatusResolvedCompromise  Status = "RESOLVED_COMPROMISE"
	StatusCancelled           Status = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusOpen,
	StatusUnderReview,
	StatusResolvedBuyerFavor,
	StatusResolvedSellerFavor,
	StatusResolvedCompromise,
	StatusCancelled,
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolvedBuyerFavor, StatusResolvedSellerFavor, StatusResolvedCompromise, StatusCancelled:
		return true
	}
	return false
}

// IsResolution reports whether s is one of the RESOLVED_* outcomes.
func (s Status) IsResolution() bool {
	switch s {
	case StatusResolvedBuyerFavor, StatusResolvedSellerFavor, StatusResolvedCompromise:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

var transitions = map[Status][]Status{
	StatusOpen:        {StatusUnderReview, StatusCancelled},
	StatusUnderReview: {StatusResolvedBuyerFavor, StatusResolvedSellerFavor, StatusResolvedCompromise, StatusCancelled},
}

// Transition checks that from → to is a legal edge of the state machine.
func Transition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Reason classifies why a dispute was opened.
type Reason string

const (
	ReasonItemNotReceived Reason = "ITEM_NOT_RECEIVED"
	ReasonNotAsDescribed  Reason = "NOT_AS_DESCRIBED"
	ReasonDamaged         Reason = "DAMAGED"
	ReasonWrongItem       Reason = "WRONG_ITEM"
	ReasonOther           Reason = "OTHER"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonItemNotReceived, ReasonNotAsDescribed, ReasonDamaged, ReasonWrongItem, ReasonOther:
		return true
	}
	return false
}

// Dispute is an escalation record against an order. Disputes are never
// deleted.
type Dispute struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"orderId"`
	Status        Status     `json:"status"`
	Reason        Reason     `json:"reason"`
	Description   string     `json:"description,omitempty"`
	OpenedBy      string     `json:"openedBy"`
	AssignedModID string     `json:"assignedModId,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	Version       int        `json:"-"`
}

// IsActive reports whether the dispute still gates the channel open.
func (d *Dispute) IsActive() bool {
	return d != nil && !d.Status.IsTerminal()
}

// QueueFilter selects disputes for the moderator queue.
type QueueFilter struct {
	Statuses   []Status
	AssignedTo string // "" for any
	Unassigned bool
	After      *pagination.Cursor
	Limit      int
}

// Store persists disputes.
type Store interface {
	// Create inserts a new dispute, failing with ErrActiveDispute when the
	// order already has one that is not terminal.
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// LatestForOrder returns the most recently opened dispute of an order.
	LatestForOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListForOrder(ctx context.Context, orderID string) ([]*Dispute, error)
	// ListQueue returns disputes oldest first, after f.After.
	ListQueue(ctx context.Context, f QueueFilter) ([]*Dispute, error)
	// UpdateStatus writes d only if the stored row still has status
	// expectedFrom and version d.Version; d.Version is bumped on success.
	UpdateStatus(ctx context.Context, d *Dispute, expectedFrom Status) error
}

// Reader is the read-only slice of Store other packages depend on.
type Reader interface {
	Get(ctx context.Context, id string) (*Dispute, error)
	LatestForOrder(ctx context.Context, orderID string) (*Dispute, error)
}
