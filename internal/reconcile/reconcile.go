// Package reconcile merges a sender's optimistic (pending) messages with
// the server-confirmed list into one deduplicated, ordered view.
//
// A pending entry is matched by a confirmed message with the same key
// (normalized text and captions, sender, has-image) created no earlier
// than MatchWindow before it. Image URLs are ignored so a local preview
// matches the uploaded file. Each confirmed message absorbs at most one pending
// entry. Confirmed messages are never hidden.
package reconcile

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/escrowchat/internal/message"
)

var (
	ErrPendingNotFound = errors.New("pending message not found")
	ErrNotFailed       = errors.New("pending message has not failed")
	ErrExpired         = errors.New("message was not confirmed in time")
)

const (
	DefaultTTL         = 30 * time.Second
	DefaultMatchWindow = 5 * time.Second
)

// Status is the delivery state shown for a view item.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusSending   Status = "sending"
	StatusFailed    Status = "failed"
)

// Pending is a locally originated message the server has not confirmed.
type Pending struct {
	LocalID   string
	SenderID  string
	Content   message.Content
	CreatedAt time.Time
	Status    Status
	Err       error
}

// Item is one row of the merged view. Message is set for confirmed rows.
type Item struct {
	ID        string
	SenderID  string
	Content   message.Content
	CreatedAt time.Time
	Status    Status
	Error     string
	Message   *message.Message
}

// IsPending reports whether the row is a local, unconfirmed entry.
func (it Item) IsPending() bool { return it.Message == nil }

// Key is the match key of a message.
type Key struct {
	Text     string
	SenderID string
	HasImage bool
}

// KeyOf computes the match key of content sent by senderID. The text is
// the content's plain text (text blocks and image captions) with
// whitespace collapsed. Image URLs do not count.
func KeyOf(senderID string, c message.Content) Key {
	return Key{
		Text:     strings.Join(strings.Fields(c.PlainText()), " "),
		SenderID: senderID,
		HasImage: c.HasImage(),
	}
}

// Merge returns the view for confirmed and pending using the default
// match window. It does not modify its inputs.
func Merge(confirmed []*message.Message, pending []*Pending) []Item {
	items, _ := merge(confirmed, pending, DefaultMatchWindow, nil)
	return items
}

// merge is the core of Merge. claimed lists confirmed ids that already
// absorbed a pending entry in an earlier round. matched maps the local id
// of every matched pending entry to the confirmed id that absorbed it.
func merge(confirmed []*message.Message, pending []*Pending, window time.Duration, claimed map[string]bool) (items []Item, matched map[string]string) {
	msgs := dedupe(confirmed)

	byKey := make(map[Key][]*message.Message)
	for _, m := range msgs {
		if claimed[m.ID] {
			continue
		}
		k := KeyOf(m.SenderID, m.Content)
		byKey[k] = append(byKey[k], m)
	}

	ordered := make([]*Pending, 0, len(pending))
	for _, p := range pending {
		if p != nil {
			ordered = append(ordered, p)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].LocalID < ordered[j].LocalID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	matched = make(map[string]string)
	consumed := make(map[string]bool)
	latest := make(map[Key]*Pending) // newest unmatched pending per key
	for _, p := range ordered {
		k := KeyOf(p.SenderID, p.Content)
		if m := firstMatch(byKey[k], p, window, consumed); m != nil {
			consumed[m.ID] = true
			matched[p.LocalID] = m.ID
			continue
		}
		latest[k] = p
	}

	items = make([]Item, 0, len(msgs)+len(latest))
	for _, m := range msgs {
		items = append(items, Item{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Status:    StatusConfirmed,
			Message:   m,
		})
	}
	for _, p := range latest {
		it := Item{
			ID:        p.LocalID,
			SenderID:  p.SenderID,
			Content:   p.Content,
			CreatedAt: p.CreatedAt,
			Status:    p.Status,
		}
		if p.Err != nil {
			it.Error = p.Err.Error()
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, matched
}

// dedupe drops repeated ids (overlapping fetches), keeping the most
// recent copy, later entries winning ties, and returns messages in
// ascending order.
func dedupe(confirmed []*message.Message) []*message.Message {
	byID := make(map[string]*message.Message, len(confirmed))
	for _, m := range confirmed {
		if m == nil {
			continue
		}
		if prev, ok := byID[m.ID]; !ok || !prev.CreatedAt.After(m.CreatedAt) {
			byID[m.ID] = m
		}
	}
	out := make([]*message.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return message.Less(out[i], out[j]) })
	return out
}

func firstMatch(candidates []*message.Message, p *Pending, window time.Duration, consumed map[string]bool) *message.Message {
	earliest := p.CreatedAt.Add(-window)
	for _, m := range candidates {
		if consumed[m.ID] || m.CreatedAt.Before(earliest) {
			continue
		}
		return m
	}
	return nil
}

// Config tunes a State.
type Config struct {
	TTL         time.Duration // unconfirmed entries fail after this
	MatchWindow time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, MatchWindow: DefaultMatchWindow}
}

// State is the reconciliation state of one chat session. It is not safe
// for concurrent use; the owning session serializes access.
type State struct {
	senderID  string
	cfg       Config
	confirmed []*message.Message
	pending   []*Pending
	claimed   map[string]bool
	now       func() time.Time
}

// NewState creates the state for a session whose user is senderID.
func NewState(senderID string, cfg Config) *State {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	return &State{
		senderID: senderID,
		cfg:      cfg,
		claimed:  make(map[string]bool),
		now:      time.Now,
	}
}

// AddPending records a new outgoing message in the sending state and
// returns a copy of the entry.
func (s *State) AddPending(content message.Content) Pending {
	p := &Pending{
		LocalID:   "local_" + uuid.NewString(),
		SenderID:  s.senderID,
		Content:   content.Normalize(),
		CreatedAt: s.now(),
		Status:    StatusSending,
	}
	s.pending = append(s.pending, p)
	return *p
}

// SetContent replaces the content of a pending entry, e.g. once local
// image previews have been uploaded.
func (s *State) SetContent(localID string, content message.Content) error {
	p := s.find(localID)
	if p == nil {
		return ErrPendingNotFound
	}
	p.Content = content.Normalize()
	return nil
}

// MarkFailed flips a pending entry to failed. It is a no-op for entries
// that were already confirmed and removed.
func (s *State) MarkFailed(localID string, err error) {
	if p := s.find(localID); p != nil {
		p.Status = StatusFailed
		p.Err = err
	}
}

// Retry moves a failed entry back to sending with a fresh timestamp and
// returns a copy of it.
func (s *State) Retry(localID string) (Pending, error) {
	p := s.find(localID)
	if p == nil {
		return Pending{}, ErrPendingNotFound
	}
	if p.Status != StatusFailed {
		return Pending{}, ErrNotFailed
	}
	p.Status = StatusSending
	p.Err = nil
	p.CreatedAt = s.now()
	return *p, nil
}

// Discard drops a pending entry.
func (s *State) Discard(localID string) error {
	for i, p := range s.pending {
		if p.LocalID == localID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return ErrPendingNotFound
}

// Confirm records the server's copy of a sent message and retires the
// pending entry it came from.
func (s *State) Confirm(localID string, m *message.Message) {
	if m != nil {
		s.confirmed = append(s.confirmed, m)
		s.claimed[m.ID] = true
	}
	_ = s.Discard(localID)
}

// Refresh folds a server fetch into the confirmed list, retires matched
// pending entries and returns the merged view. Messages are never deleted
// server side, so a fetch that predates a confirmation cannot drop it.
func (s *State) Refresh(confirmed []*message.Message) []Item {
	fresh := make(map[string]bool, len(confirmed))
	for _, m := range confirmed {
		if m != nil {
			fresh[m.ID] = true
		}
	}
	merged := make([]*message.Message, 0, len(s.confirmed)+len(confirmed))
	for _, m := range s.confirmed {
		if !fresh[m.ID] {
			merged = append(merged, m)
		}
	}
	s.confirmed = append(merged, confirmed...)
	return s.reconcile()
}

// View returns the merged view without new server data.
func (s *State) View() []Item {
	return s.reconcile()
}

// Pending returns copies of the entries still awaiting confirmation.
func (s *State) Pending() []Pending {
	out := make([]Pending, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	return out
}

func (s *State) reconcile() []Item {
	s.expire()
	items, matched := merge(s.confirmed, s.pending, s.cfg.MatchWindow, s.claimed)
	if len(matched) == 0 {
		return items
	}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if id, ok := matched[p.LocalID]; ok {
			s.claimed[id] = true
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return items
}

func (s *State) expire() {
	deadline := s.now().Add(-s.cfg.TTL)
	for _, p := range s.pending {
		if p.Status == StatusSending && p.CreatedAt.Before(deadline) {
			p.Status = StatusFailed
			p.Err = ErrExpired
		}
	}
}

func (s *State) find(localID string) *Pending {
	for _, p := range s.pending {
		if p.LocalID == localID {
			return p
		}
	}
	return nil
}
