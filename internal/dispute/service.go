package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/idgen"
	"github.com/mbd888/escrowchat/internal/logging"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/order"
	"github.com/mbd888/escrowchat/internal/pagination"
	"github.com/mbd888/escrowchat/internal/traces"
	"github.com/mbd888/escrowchat/internal/validation"
)

// Notifier is told about every successful status change, including the
// opening of a dispute. Implementations must not fail the caller.
type Notifier interface {
	DisputeStatusChanged(ctx context.Context, o *order.Order, d *Dispute)
}

// Publisher pushes dispute changes to connected clients.
type Publisher interface {
	PublishDispute(ctx context.Context, d *Dispute)
}

// OrderReader resolves the order a dispute is raised against.
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Service implements dispute business logic.
type Service struct {
	store     Store
	orders    OrderReader
	notifier  Notifier
	publisher Publisher
	now       func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, orders OrderReader) *Service {
	return &Service{
		store:  store,
		orders: orders,
		now:    func() time.Time { return time.Now().UTC() },
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

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	Reason      Reason `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// Open raises a dispute against an order. Only the buyer or the seller
// may open one, and only while no other dispute is active.
func (s *Service) Open(ctx context.Context, actor *auth.Actor, orderID string, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.OrderID(orderID))
	defer span.End()

	if !req.Reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", ErrValidation, req.Reason)
	}
	description := validation.SanitizeText(req.Description)
	if len(description) > validation.MaxTextLength {
		return nil, fmt.Errorf("%w: description too long", ErrValidation)
	}

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	if actor == nil || !o.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	if latest, err := s.store.LatestForOrder(ctx, orderID); err == nil && latest.IsActive() {
		return nil, ErrActiveDispute
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, fmt.Errorf("failed to load disputes: %w", err)
	}

	now := s.now().Truncate(time.Microsecond)
	d := &Dispute{
		ID:          idgen.Dispute(),
		OrderID:     orderID,
		Status:      StatusOpen,
		Reason:      req.Reason,
		Description: description,
		OpenedBy:    actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrActiveDispute) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	span.SetAttributes(traces.DisputeID(d.ID))
	metrics.DisputeTransitionsTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("dispute opened", "dispute_id", d.ID, "order_id", orderID, "reason", d.Reason)
	s.emit(ctx, o, d)
	return d, nil
}

// Claim moves an OPEN dispute to UNDER_REVIEW and assigns the claiming
// moderator when nobody is assigned yet.
func (s *Service) Claim(ctx context.Context, actor *auth.Actor, id string) (*Dispute, error) {
	return s.transition(ctx, actor, id, StatusUnderReview, func(d *Dispute) error {
		if !canClaim(actor, d) {
			return ErrForbidden
		}
		if d.AssignedModID == "" {
			d.AssignedModID = actor.ID
		}
		return nil
	})
}

// ResolveRequest contains the outcome of a review.
type ResolveRequest struct {
	Outcome    Status `json:"outcome" binding:"required"`
	Resolution string `json:"resolution"`
}

// Resolve closes an UNDER_REVIEW dispute with one of the RESOLVED_*
// outcomes. The resolution text is required.
func (s *Service) Resolve(ctx context.Context, actor *auth.Actor, id string, req ResolveRequest) (*Dispute, error) {
	if !req.Outcome.IsResolution() {
		return nil, fmt.Errorf("%w: outcome must be a RESOLVED_* status", ErrValidation)
	}
	resolution := validation.SanitizeText(req.Resolution)
	if strings.TrimSpace(resolution) == "" {
		return nil, fmt.Errorf("%w: resolution is required", ErrValidation)
	}
	if len(resolution) > validation.MaxTextLength {
		return nil, fmt.Errorf("%w: resolution too long", ErrValidation)
	}

	return s.transition(ctx, actor, id, req.Outcome, func(d *Dispute) error {
		if !canWork(actor, d) {
			return ErrForbidden
		}
		d.Resolution = resolution
		return nil
	})
}

// Cancel ends an OPEN or UNDER_REVIEW dispute without an outcome. The
// optional note is kept as the resolution text.
func (s *Service) Cancel(ctx context.Context, actor *auth.Actor, id, note string) (*Dispute, error) {
	note = validation.SanitizeText(note)
	if len(note) > validation.MaxTextLength {
		return nil, fmt.Errorf("%w: note too long", ErrValidation)
	}
	return s.transition(ctx, actor, id, StatusCancelled, func(d *Dispute) error {
		if !canClaim(actor, d) {
			return ErrForbidden
		}
		d.Resolution = note
		return nil
	})
}

// Assign hands a non-terminal dispute to another moderator. Admin only;
// the status does not change.
func (s *Service) Assign(ctx context.Context, actor *auth.Actor, id, modID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Assign", traces.DisputeID(id))
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if !validation.IsValidID(modID) {
		return nil, fmt.Errorf("%w: invalid moderator id", ErrValidation)
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return nil, ErrInvalidTransition
	}
	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsParty(modID) {
		return nil, fmt.Errorf("%w: a party of the order cannot moderate it", ErrValidation)
	}

	from := d.Status
	d.AssignedModID = modID
	d.UpdatedAt = s.now().Truncate(time.Microsecond)
	if err := s.store.UpdateStatus(ctx, d, from); err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrInvalidTransition) {
			metrics.DisputeConflictsTotal.Inc()
		}
		return nil, err
	}

	logging.L(ctx).Info("dispute reassigned", "dispute_id", id, "moderator_id", modID)
	s.emit(ctx, o, d)
	return d, nil
}

// transition runs one compare-and-set step of the state machine. authorize
// may also stage field changes on the loaded dispute.
func (s *Service) transition(ctx context.Context, actor *auth.Actor, id string, to Status, authorize func(*Dispute) error) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Transition",
		traces.DisputeID(id), traces.Status(string(to)))
	defer span.End()

	if !actor.IsModerator() {
		return nil, ErrForbidden
	}

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Transition(d.Status, to); err != nil {
		return nil, fmt.Errorf("%s -> %s: %w", d.Status, to, err)
	}
	if err := authorize(d); err != nil {
		return nil, err
	}

	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if o.IsParty(actor.ID) {
		return nil, ErrForbidden
	}

	from := d.Status
	now := s.now().Truncate(time.Microsecond)
	d.Status = to
	d.UpdatedAt = now
	if to.IsTerminal() {
		d.ResolvedAt = &now
	}

	if err := s.store.UpdateStatus(ctx, d, from); err != nil {
		traces.RecordError(span, err)
		if errors.Is(err, ErrInvalidTransition) {
			metrics.DisputeConflictsTotal.Inc()
		}
		return nil, err
	}

	metrics.DisputeTransitionsTotal.WithLabelValues(string(to)).Inc()
	if to.IsTerminal() {
		metrics.DisputeResolutionDuration.Observe(now.Sub(d.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("dispute transitioned",
		"dispute_id", id, "from", from, "to", to, "actor_id", actor.ID)
	s.emit(ctx, o, d)
	return d, nil
}

func (s *Service) emit(ctx context.Context, o *order.Order, d *Dispute) {
	if s.notifier != nil {
		s.notifier.DisputeStatusChanged(ctx, o, d)
	}
	if s.publisher != nil {
		s.publisher.PublishDispute(ctx, d)
	}
}

// canClaim: admins always; moderators while nobody else holds the dispute.
func canClaim(actor *auth.Actor, d *Dispute) bool {
	if actor.IsAdmin() {
		return true
	}
	return actor.IsModerator() && (d.AssignedModID == "" || d.AssignedModID == actor.ID)
}

// canWork: admins always; moderators only on disputes assigned to them.
func canWork(actor *auth.Actor, d *Dispute) bool {
	if actor.IsAdmin() {
		return true
	}
	return actor.IsModerator() && d.AssignedModID == actor.ID
}

// Get returns a dispute to its parties, its moderator, or any moderator
// working the queue.
func (s *Service) Get(ctx context.Context, actor *auth.Actor, id string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.IsModerator() {
		return d, nil
	}
	o, err := s.orders.Get(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if actor == nil || !o.IsParty(actor.ID) {
		return nil, ErrForbidden
	}
	return d, nil
}

// ActiveForOrder returns the order's non-terminal dispute, or nil.
func (s *Service) ActiveForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	d, err := s.LatestForOrder(ctx, orderID)
	if err != nil || !d.IsActive() {
		return nil, err
	}
	return d, nil
}

// LatestForOrder returns the most recent dispute of an order, or nil when
// the order has never been disputed.
func (s *Service) LatestForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	d, err := s.store.LatestForOrder(ctx, orderID)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, nil
	}
	return d, err
}

// ListForOrder returns the order's dispute history, newest first.
func (s *Service) ListForOrder(ctx context.Context, actor *auth.Actor, orderID string) ([]*Dispute, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsModerator() && (actor == nil || !o.IsParty(actor.ID)) {
		return nil, ErrForbidden
	}
	return s.store.ListForOrder(ctx, orderID)
}

// QueueQuery selects a page of the moderator queue.
type QueueQuery struct {
	Statuses   []Status
	Mine       bool
	Unassigned bool
	Cursor     string
	Limit      int
}

// QueuePage is one page of the moderator queue.
type QueuePage struct {
	Disputes   []*Dispute `json:"disputes"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// ListQueue pages through disputes oldest first. Without explicit
// statuses only active disputes are returned.
func (s *Service) ListQueue(ctx context.Context, actor *auth.Actor, q QueueQuery) (*QueuePage, error) {
	if !actor.IsModerator() {
		return nil, ErrForbidden
	}
	for _, st := range q.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, st)
		}
	}
	after, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	limit := q.Limit
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	f := QueueFilter{
		Statuses:   q.Statuses,
		Unassigned: q.Unassigned,
		After:      after,
		Limit:      limit + 1,
	}
	if len(f.Statuses) == 0 {
		f.Statuses = []Status{StatusOpen, StatusUnderReview}
	}
	if q.Mine {
		f.AssignedTo = actor.ID
	}

	items, err := s.store.ListQueue(ctx, f)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(d *Dispute) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if items == nil {
		items = []*Dispute{}
	}
	return &QueuePage{Disputes: items, NextCursor: next, HasMore: more}, nil
}
