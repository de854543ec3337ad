package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/dockhold/internal/reservation/domain"
)

// MemoryStore is an in-process Store and TripIndex for tests and local demos.
// It does not expire anything; callers drive expiry explicitly.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]domain.Reservation
	users   map[string]string
	failed  map[string]string
	trips   map[string]domain.Reservation
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.Reservation),
		users:   make(map[string]string),
		failed:  make(map[string]string),
		trips:   make(map[string]domain.Reservation),
	}
}

func (m *MemoryStore) Create(_ context.Context, r domain.Reservation, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[r.UserID]; ok {
		return domain.ErrActiveReservation
	}
	m.records[r.ID] = r
	m.users[r.UserID] = r.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return r, nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, id string, from, to domain.Status) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if r.Status != from {
		return domain.Reservation{}, fmt.Errorf("%w: status %s", domain.ErrAlreadyTerminal, r.Status)
	}
	before := r
	r.Status = to
	m.records[id] = r
	return before, nil
}

func (m *MemoryStore) Delete(_ context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, r.ID)
	delete(m.failed, r.ID)
	if m.users[r.UserID] == r.ID {
		delete(m.users, r.UserID)
	}
	return nil
}

func (m *MemoryStore) MarkReleaseFailed(_ context.Context, r domain.Reservation, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[r.ID]
	if !ok {
		return nil
	}
	current.Status = domain.StatusReleaseFailed
	m.records[r.ID] = current
	m.failed[r.ID] = cause
	if m.users[r.UserID] == r.ID {
		delete(m.users, r.UserID)
	}
	return nil
}

func (m *MemoryStore) ListReleaseFailed(_ context.Context) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Reservation, 0, len(m.failed))
	for id := range m.failed {
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActiveForUser(_ context.Context, userID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[userID]
	return id, ok, nil
}

func (m *MemoryStore) PutTrip(_ context.Context, r domain.Reservation) error {
	if r.BicycleID == nil || *r.BicycleID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[*r.BicycleID] = r
	return nil
}

func (m *MemoryStore) TakeTrip(_ context.Context, bicycleID string) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.trips[bicycleID]
	if !ok {
		return domain.Reservation{}, domain.ErrNoActiveTrip
	}
	delete(m.trips, bicycleID)
	return r, nil
}

// Len returns the number of live records (for tests).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
