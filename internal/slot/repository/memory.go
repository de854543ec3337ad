package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/dockhold/internal/slot/domain"
)

// MemoryRepository provides an in-memory slot store suitable for tests and local demos.
type MemoryRepository struct {
	mu     sync.RWMutex
	slots  map[string]domain.Slot
	events []domain.Event
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{slots: make(map[string]domain.Slot)}
}

// Create stores a new slot.
func (m *MemoryRepository) Create(_ context.Context, slot domain.Slot) (domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slots[slot.ID]; exists {
		return domain.Slot{}, domain.ErrSlotExists
	}
	slot.BicycleID = cloneString(slot.BicycleID)
	m.slots[slot.ID] = slot
	m.events = append(m.events, domain.Event{
		SlotID: slot.ID, StationID: slot.StationID, Type: domain.EventSlotCreated,
		To: slot.Status, BicycleID: cloneString(slot.BicycleID), At: slot.UpdatedAt,
	})
	return copySlot(slot), nil
}

// Get retrieves a slot.
func (m *MemoryRepository) Get(_ context.Context, id string) (domain.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	slot, ok := m.slots[id]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	return copySlot(slot), nil
}

// ListByStation returns the station's slots ordered by ascending id.
func (m *MemoryRepository) ListByStation(_ context.Context, stationID string) ([]domain.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Slot
	for _, slot := range m.slots {
		if stationID == "" || slot.StationID == stationID {
			out = append(out, copySlot(slot))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transition performs the compare-and-set under the repository lock. Only a LOCKED
// slot keeps a bicycle.
func (m *MemoryRepository) Transition(_ context.Context, id string, from, to domain.Status, bicycleID *string, at time.Time) (domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[id]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	if slot.Status != from {
		return domain.Slot{}, domain.ErrConflictingState
	}
	slot.Status = to
	switch {
	case to != domain.StatusLocked:
		slot.BicycleID = nil
	case bicycleID != nil:
		slot.BicycleID = cloneString(bicycleID)
	}
	slot.UpdatedAt = at
	m.slots[id] = slot
	m.events = append(m.events, domain.Event{
		SlotID: id, StationID: slot.StationID, Type: domain.EventSlotTransitions,
		From: from, To: to, BicycleID: cloneString(slot.BicycleID), At: at,
	})
	return copySlot(slot), nil
}

// Release sets the slot UNLOCKED and detaches any bicycle.
func (m *MemoryRepository) Release(_ context.Context, id string, at time.Time) (domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[id]
	if !ok {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	from := slot.Status
	slot.Status = domain.StatusUnlocked
	slot.BicycleID = nil
	slot.UpdatedAt = at
	m.slots[id] = slot
	m.events = append(m.events, domain.Event{
		SlotID: id, StationID: slot.StationID, Type: domain.EventSlotReleased,
		From: from, To: domain.StatusUnlocked, At: at,
	})
	return copySlot(slot), nil
}

// Events returns recorded state changes (for tests).
func (m *MemoryRepository) Events() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Event(nil), m.events...)
}

func copySlot(s domain.Slot) domain.Slot {
	s.BicycleID = cloneString(s.BicycleID)
	return s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
