// Package access is the single decision point for who may read and write
// an order's message channel.
//
// Every entry point (REST handlers, the realtime hub, dispute-scoped
// routes) goes through these functions; nothing else inspects roles to
// decide visibility. The functions are pure and perform no I/O.
package access

import (
	"errors"
	"fmt"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/order"
)

var (
	// ErrUnauthorized means there is no session at all.
	ErrUnauthorized = errors.New("session required")
	// ErrForbidden means the session lacks the capability for the request.
	ErrForbidden = errors.New("forbidden")
	// ErrNotParticipant is returned to a session that is neither a party of
	// the order nor an admin nor the assigned moderator. It wraps
	// ErrForbidden.
	ErrNotParticipant = fmt.Errorf("%w: not a participant of this order", ErrForbidden)
	// ErrChannelClosed means the order's dispute reached a terminal status
	// and the transcript is read-only.
	ErrChannelClosed = errors.New("channel closed: dispute is finalized")
)

// IsEligible reports base channel membership: buyer, seller, admin, or the
// moderator assigned to the order's dispute.
func IsEligible(actor *auth.Actor, o *order.Order, d *dispute.Dispute) bool {
	if actor == nil || o == nil {
		return false
	}
	if o.IsParty(actor.ID) || actor.IsAdmin() {
		return true
	}
	return isAssigned(actor, d)
}

// IsPrivileged reports whether the actor sees and writes mod-only content
// for the dispute: admins always, moderators only when assigned.
func IsPrivileged(actor *auth.Actor, d *dispute.Dispute) bool {
	return actor.IsAdmin() || isAssigned(actor, d)
}

// isAssigned requires the moderator role as well as the id, so a
// mistaken assignment to a plain user grants nothing.
func isAssigned(actor *auth.Actor, d *dispute.Dispute) bool {
	return actor.IsModerator() && d != nil && d.AssignedModID != "" && d.AssignedModID == actor.ID
}

// CanRead reports whether the actor may read the order's channel.
func CanRead(actor *auth.Actor, o *order.Order, d *dispute.Dispute) bool {
	return IsEligible(actor, o, d)
}

// CheckRead is CanRead with the error taxonomy of CanWrite.
func CheckRead(actor *auth.Actor, o *order.Order, d *dispute.Dispute) error {
	if actor == nil {
		return deny(ErrUnauthorized, "no_session")
	}
	if !CanRead(actor, o, d) {
		return deny(ErrNotParticipant, "not_participant")
	}
	return nil
}

// CanWrite decides whether the actor may post to the order's channel.
// Precedence: missing session, non-participant, closed channel, then the
// mod-only capability.
func CanWrite(actor *auth.Actor, o *order.Order, d *dispute.Dispute, wantsModOnly bool) error {
	if err := CheckRead(actor, o, d); err != nil {
		return err
	}
	if d != nil && d.Status.IsTerminal() {
		return deny(ErrChannelClosed, "channel_closed")
	}
	if wantsModOnly && !IsPrivileged(actor, d) {
		return deny(fmt.Errorf("%w: mod-only messages require the assigned moderator or an admin", ErrForbidden), "mod_only")
	}
	return nil
}

func deny(err error, reason string) error {
	metrics.AccessDeniedTotal.WithLabelValues(reason).Inc()
	return err
}

// ModOnlyFlagged is anything carrying a mod-only visibility flag and the
// id of the dispute it was written under ("" for none).
type ModOnlyFlagged interface {
	ModOnly() bool
	ModOnlyDispute() string
}

// FilterVisible drops mod-only items the actor may not see. Each item is
// judged against the dispute it was written under, looked up in disputes
// by id; an item whose dispute is missing is shown to admins only. It
// assumes CanRead already passed and never widens visibility.
func FilterVisible[T ModOnlyFlagged](actor *auth.Actor, disputes map[string]*dispute.Dispute, items []T) []T {
	if actor.IsAdmin() {
		return items
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if Visible(actor, disputes[it.ModOnlyDispute()], it) {
			out = append(out, it)
		}
	}
	return out
}

// Visible reports whether a single item survives FilterVisible. d is the
// dispute the item was written under; any other dispute hides it.
func Visible(actor *auth.Actor, d *dispute.Dispute, it ModOnlyFlagged) bool {
	if !it.ModOnly() || actor.IsAdmin() {
		return true
	}
	return d != nil && d.ID == it.ModOnlyDispute() && IsPrivileged(actor, d)
}
