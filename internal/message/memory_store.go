package message

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory message store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (m *MemoryStore) Create(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = clone(msg)
	return nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Message, error) {
	return m.list(func(msg *Message) bool { return msg.OrderID == orderID }), nil
}

func (m *MemoryStore) ListByDispute(_ context.Context, disputeID string) ([]*Message, error) {
	return m.list(func(msg *Message) bool { return msg.DisputeID != "" && msg.DisputeID == disputeID }), nil
}

func (m *MemoryStore) list(match func(*Message) bool) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if match(msg) {
			result = append(result, clone(msg))
		}
	}
	sort.Slice(result, func(i, j int) bool { return Less(result[i], result[j]) })
	return result
}

func (m *MemoryStore) MarkRead(_ context.Context, recipientID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || msg.IsRead || msg.RecipientID == "" || msg.RecipientID != recipientID {
			continue
		}
		msg.IsRead = true
		n++
	}
	return n, nil
}

func clone(msg *Message) *Message {
	cp := *msg
	cp.Content = append(Content(nil), msg.Content...)
	if msg.Sender != nil {
		s := *msg.Sender
		cp.Sender = &s
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
