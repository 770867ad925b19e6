// README: In-memory local cache for development and tests.
package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"escort/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[types.ID]*Booking
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[types.ID]*Booking)}
}

func (m *MemoryStore) Create(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return ErrConflict
	}
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, b *Booking, expectedVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	m.bookings[b.ID] = b.Clone()
	return true, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID types.ID, role Role) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		switch role {
		case RoleGuard:
			if b.GuardID == nil || *b.GuardID != userID {
				continue
			}
		default:
			if b.ClientID != userID {
				continue
			}
		}
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.After(out[j].ScheduledStart) })
	return out, nil
}

func (m *MemoryStore) ListUpdatedSince(_ context.Context, since time.Time) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Booking
	for _, b := range m.bookings {
		if b.UpdatedAt.After(since) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) StartCodeInUse(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.StartCode == code && !b.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
