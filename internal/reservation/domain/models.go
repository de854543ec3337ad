package domain

import (
	"context"
	"errors"
	"time"

	slotdomain "github.com/example/dockhold/internal/slot/domain"
)

// Status is the reservation state. CONFIRMED and RELEASED are terminal; RELEASE_FAILED
// marks a reservation whose slots could not be returned and waits for reconciliation.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusConfirmed     Status = "CONFIRMED"
	StatusReleased      Status = "RELEASED"
	StatusReleaseFailed Status = "RELEASE_FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// TripType is the kind of bicycle the user asked for.
type TripType string

const (
	TripElectric TripType = "ELECTRIC"
	TripMechanic TripType = "MECHANIC"
)

// SlotKind maps the trip type onto the slot registry's kind filter.
func (t TripType) SlotKind() slotdomain.Kind {
	switch t {
	case TripElectric:
		return slotdomain.KindElectric
	case TripMechanic:
		return slotdomain.KindMechanic
	default:
		return slotdomain.KindAny
	}
}

var (
	ErrNoAvailableSlot     = errors.New("no available slot")
	ErrConflictingState    = errors.New("conflicting slot state")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyTerminal     = errors.New("reservation already terminal")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrReleaseFailed       = errors.New("slot release failed")
	ErrActiveReservation   = errors.New("user already holds a pending reservation")
	ErrNotReleaseFailed    = errors.New("reservation is not awaiting reconciliation")
	ErrNoActiveTrip        = errors.New("no active trip for bicycle")
)

// Reservation is one in-flight trip-setup attempt.
type Reservation struct {
	ID             string    `json:"reservationId"`
	UserID         string    `json:"userId"`
	BicycleID      *string   `json:"bicycleId,omitempty"`
	StationStartID string    `json:"stationStartId"`
	SlotStartID    string    `json:"slotStartId"`
	StationEndID   *string   `json:"stationEndId,omitempty"`
	SlotEndID      *string   `json:"slotEndId,omitempty"`
	TravelType     TripType  `json:"travelType"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SlotIDs lists the slots held by the reservation, origin first.
func (r Reservation) SlotIDs() []string {
	ids := []string{r.SlotStartID}
	if r.SlotEndID != nil && *r.SlotEndID != "" {
		ids = append(ids, *r.SlotEndID)
	}
	return ids
}

// Signal converts the reservation into its expiration payload.
func (r Reservation) Signal(source SignalSource) ExpirationSignal {
	return ExpirationSignal{
		ReservationID: r.ID,
		UserID:        r.UserID,
		BicycleID:     r.BicycleID,
		SlotStartID:   r.SlotStartID,
		SlotEndID:     r.SlotEndID,
		Source:        source,
	}
}

// SignalSource identifies which mechanism observed the expiry.
type SignalSource string

const (
	SourceKeyspace SignalSource = "keyspace"
	SourceDelayBus SignalSource = "delay_bus"
	SourceCancel   SignalSource = "cancel"
)

// ExpirationSignal carries the releasable fields of a reservation.
type ExpirationSignal struct {
	ReservationID string       `json:"reservationId"`
	UserID        string       `json:"userId"`
	BicycleID     *string      `json:"bicycleId,omitempty"`
	SlotStartID   string       `json:"slotStartId"`
	SlotEndID     *string      `json:"slotEndId,omitempty"`
	Source        SignalSource `json:"-"`
}

// EventType is the discriminator of push notifications.
type EventType string

const (
	EventStart     EventType = "START"
	EventEnd       EventType = "END"
	EventExpired   EventType = "EXPIRED"
	EventCancelled EventType = "CANCELLED"
)

// Notification is delivered to a user's push connections.
type Notification struct {
	Type          EventType `json:"type"`
	UserID        string    `json:"userId"`
	ReservationID string    `json:"reservationId"`
	BicycleID     *string   `json:"bicycleId,omitempty"`
	StationID     string    `json:"stationId,omitempty"`
	SlotID        string    `json:"slotId,omitempty"`
	At            time.Time `json:"at"`
}

// Store is the keyed store holding reservation records.
//
// CompareAndSetStatus is the only ordering primitive between confirmation, cancellation
// and both expiration sources: it must atomically move the record from `from` to `to`
// and report the record as it was before the write. A missing record yields
// ErrReservationNotFound; a status other than `from` yields ErrAlreadyTerminal.
type Store interface {
	Create(ctx context.Context, r Reservation, ttl time.Duration) error
	Get(ctx context.Context, id string) (Reservation, error)
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (Reservation, error)
	Delete(ctx context.Context, r Reservation) error
	MarkReleaseFailed(ctx context.Context, r Reservation, cause string) error
	ListReleaseFailed(ctx context.Context) ([]Reservation, error)
	ActiveForUser(ctx context.Context, userID string) (string, bool, error)
}

// TripIndex remembers confirmed trips by bicycle so dock telemetry can end them.
type TripIndex interface {
	PutTrip(ctx context.Context, r Reservation) error
	TakeTrip(ctx context.Context, bicycleID string) (Reservation, error)
}

// ExpiryScheduler arms the delayed-delivery expiration for a reservation.
type ExpiryScheduler interface {
	Schedule(ctx context.Context, r Reservation) error
}

// SlotRegistry is the subset of the slot registry the orchestrator relies on.
type SlotRegistry interface {
	FindFirstAvailable(ctx context.Context, stationID string, filter slotdomain.Filter) (slotdomain.Slot, error)
	Transition(ctx context.Context, slotID string, from, to slotdomain.Status, bicycleID *string) (slotdomain.Slot, error)
	Release(ctx context.Context, slotID string) (slotdomain.Slot, error)
}

// Notifier delivers push notifications. Implementations are best-effort.
type Notifier interface {
	SendToUser(ctx context.Context, n Notification) error
}

type IDGenerator interface {
	NewID() string
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
