package domain

import (
	"context"
	"errors"
	"time"
)

// Status is the padlock/occupancy state of a docking slot.
type Status string

const (
	StatusLocked   Status = "LOCKED"
	StatusUnlocked Status = "UNLOCKED"
	StatusError    Status = "ERROR"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusUnlocked, StatusError:
		return true
	default:
		return false
	}
}

// Kind restricts which bicycles a slot can dock. An empty Kind accepts any.
type Kind string

const (
	KindAny      Kind = ""
	KindElectric Kind = "ELECTRIC"
	KindMechanic Kind = "MECHANIC"
)

var (
	ErrSlotNotFound     = errors.New("slot not found")
	ErrNoAvailableSlot  = errors.New("no available slot")
	ErrConflictingState = errors.New("slot state conflict")
	ErrInvalidStatus    = errors.New("invalid slot status")
	ErrSlotExists       = errors.New("slot already exists")
)

// ErrRegistryUnavailable marks transport failures and 5xx answers from a remote registry.
var ErrRegistryUnavailable = errors.New("slot registry unavailable")

// Slot is a single docking point at a station.
type Slot struct {
	ID        string    `json:"id"`
	StationID string    `json:"station_id"`
	Kind      Kind      `json:"kind,omitempty"`
	Status    Status    `json:"status"`
	BicycleID *string   `json:"bicycle_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter selects candidate slots during a search. Zero-valued fields match anything,
// except that ERROR slots never match.
type Filter struct {
	Status Status
	Kind   Kind
}

// Match evaluates the filter against a slot.
func (f Filter) Match(s Slot) bool {
	if s.Status == StatusError {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Kind != KindAny && s.Kind != KindAny && s.Kind != f.Kind {
		return false
	}
	return true
}

// EventType names slot state change events published to the bus.
type EventType string

const (
	EventSlotCreated     EventType = "SlotCreated"
	EventSlotTransitions EventType = "SlotTransitioned"
	EventSlotReleased    EventType = "SlotReleased"
)

// Event records a slot state change.
type Event struct {
	SlotID    string    `json:"slot_id"`
	StationID string    `json:"station_id"`
	Type      EventType `json:"type"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to"`
	BicycleID *string   `json:"bicycle_id,omitempty"`
	At        time.Time `json:"at"`
}

// Repository persists slots. Transition must be an atomic compare-and-set on status.
type Repository interface {
	Create(ctx context.Context, slot Slot) (Slot, error)
	Get(ctx context.Context, id string) (Slot, error)
	ListByStation(ctx context.Context, stationID string) ([]Slot, error)
	Transition(ctx context.Context, id string, from, to Status, bicycleID *string, at time.Time) (Slot, error)
	Release(ctx context.Context, id string, at time.Time) (Slot, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
