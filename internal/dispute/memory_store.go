package dispute

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.OrderID == d.OrderID && existing.IsActive() {
			return ErrActiveDispute
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) LatestForOrder(ctx context.Context, orderID string) (*Dispute, error) {
	list, err := m.ListForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrDisputeNotFound
	}
	return list[0], nil
}

// ListForOrder returns the order's disputes, newest first.
func (m *MemoryStore) ListForOrder(_ context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			result = append(result, clone(d))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListQueue(_ context.Context, f QueueFilter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if !matchesQueue(d, f) {
			continue
		}
		result = append(result, clone(d))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func matchesQueue(d *Dispute, f QueueFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if d.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AssignedTo != "" && d.AssignedModID != f.AssignedTo {
		return false
	}
	if f.Unassigned && d.AssignedModID != "" {
		return false
	}
	return f.After.After(d.CreatedAt, d.ID)
}

func (m *MemoryStore) UpdateStatus(_ context.Context, d *Dispute, expectedFrom Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Status != expectedFrom || stored.Version != d.Version {
		return fmt.Errorf("dispute %s changed concurrently (now %s): %w", d.ID, stored.Status, ErrInvalidTransition)
	}
	d.Version++
	m.disputes[d.ID] = clone(d)
	return nil
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
