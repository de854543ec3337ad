package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/slot/domain"
)

var slotTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "slot_transitions_total",
	Help: "Slot state transitions grouped by operation and outcome.",
}, []string{"op", "result"})

// Registry is the authoritative owner of slot state. It knows nothing about reservations.
type Registry struct {
	repo   domain.Repository
	clock  domain.Clock
	logger *zap.Logger
}

// New constructs a Registry.
func New(repo domain.Repository, clock domain.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{repo: repo, clock: clock, logger: logger}
}

// CreateSlotRequest describes an administratively created slot.
type CreateSlotRequest struct {
	ID        string
	StationID string
	Kind      domain.Kind
	Status    domain.Status
	BicycleID *string
}

// Create registers a slot. Slots holding a bicycle must be LOCKED.
func (r *Registry) Create(ctx context.Context, req CreateSlotRequest) (domain.Slot, error) {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.StationID) == "" {
		return domain.Slot{}, fmt.Errorf("%w: id and station are required", domain.ErrInvalidStatus)
	}
	status := req.Status
	if status == "" {
		status = domain.StatusUnlocked
		if req.BicycleID != nil {
			status = domain.StatusLocked
		}
	}
	if !status.Valid() {
		return domain.Slot{}, fmt.Errorf("%w: %s", domain.ErrInvalidStatus, status)
	}
	if req.BicycleID != nil && status != domain.StatusLocked {
		return domain.Slot{}, fmt.Errorf("%w: slot with bicycle must be %s", domain.ErrInvalidStatus, domain.StatusLocked)
	}
	return r.repo.Create(ctx, domain.Slot{
		ID:        req.ID,
		StationID: req.StationID,
		Kind:      req.Kind,
		Status:    status,
		BicycleID: req.BicycleID,
		UpdatedAt: r.clock.Now(),
	})
}

// Get returns a slot by id.
func (r *Registry) Get(ctx context.Context, id string) (domain.Slot, error) {
	return r.repo.Get(ctx, id)
}

// List returns the slots of a station, or all slots when stationID is empty.
func (r *Registry) List(ctx context.Context, stationID string) ([]domain.Slot, error) {
	return r.repo.ListByStation(ctx, stationID)
}

// FindFirstAvailable returns the lowest-id slot at the station matching the filter.
// ERROR slots are never returned.
func (r *Registry) FindFirstAvailable(ctx context.Context, stationID string, filter domain.Filter) (domain.Slot, error) {
	slots, err := r.repo.ListByStation(ctx, stationID)
	if err != nil {
		return domain.Slot{}, fmt.Errorf("list station slots: %w", err)
	}
	for _, slot := range slots {
		if filter.Match(slot) {
			return slot, nil
		}
	}
	return domain.Slot{}, fmt.Errorf("%w at station %s", domain.ErrNoAvailableSlot, stationID)
}

// Transition moves a slot from one status to another if its current status equals from.
// A non-nil bicycleID is attached to the slot.
func (r *Registry) Transition(ctx context.Context, id string, from, to domain.Status, bicycleID *string) (domain.Slot, error) {
	if !from.Valid() || !to.Valid() {
		return domain.Slot{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatus, from, to)
	}
	if bicycleID != nil && to != domain.StatusLocked {
		return domain.Slot{}, fmt.Errorf("%w: bicycle can only be attached to a %s slot", domain.ErrInvalidStatus, domain.StatusLocked)
	}
	slot, err := r.repo.Transition(ctx, id, from, to, bicycleID, r.clock.Now())
	if err != nil {
		slotTransitions.WithLabelValues("transition", "error").Inc()
		return domain.Slot{}, err
	}
	slotTransitions.WithLabelValues("transition", "ok").Inc()
	r.logger.Debug("slot transitioned", zap.String("slot_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	return slot, nil
}

// Release returns the slot to UNLOCKED with no bicycle, regardless of its current status.
func (r *Registry) Release(ctx context.Context, id string) (domain.Slot, error) {
	slot, err := r.repo.Release(ctx, id, r.clock.Now())
	if err != nil {
		slotTransitions.WithLabelValues("release", "error").Inc()
		return domain.Slot{}, err
	}
	slotTransitions.WithLabelValues("release", "ok").Inc()
	r.logger.Info("slot released", zap.String("slot_id", id))
	return slot, nil
}
