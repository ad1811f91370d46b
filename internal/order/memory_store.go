package order

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	users  map[string]*User
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		users:  make(map[string]*User),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	if u, ok := m.users[cp.BuyerID]; ok {
		cp.BuyerEmail = u.Email
	}
	if u, ok := m.users[cp.SellerID]; ok {
		cp.SellerEmail = u.Email
	}
	return &cp, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	if o.ID == "" || o.BuyerID == "" || o.SellerID == "" {
		return errors.New("order: id, buyer and seller are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.orders[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) PutUser(_ context.Context, u *User) error {
	if u.ID == "" {
		return errors.New("order: user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *u
	m.users[cp.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
