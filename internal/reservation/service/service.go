package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
	slotdomain "github.com/example/dockhold/internal/slot/domain"
)

// ReleaseFailurePolicy decides what happens to a reservation whose slots could not be
// released after every retry. No policy re-arms expiry.
type ReleaseFailurePolicy string

const (
	// ReleaseFailureRecord keeps the record as RELEASE_FAILED for reconciliation.
	ReleaseFailureRecord ReleaseFailurePolicy = "record"
	// ReleaseFailureDiscard only logs the failure and drops the record.
	ReleaseFailureDiscard ReleaseFailurePolicy = "discard"
)

// Config tunes the orchestrator.
type Config struct {
	// TTL is the reservation window shared by both expiration sources.
	TTL time.Duration
	// ReleaseMaxAttempts bounds retries of a slot release on transient failures.
	ReleaseMaxAttempts int
	// ReleaseBackoff is the base delay, doubled after every failed attempt.
	ReleaseBackoff time.Duration
	// RequestTimeout bounds create and confirm when the caller sets no deadline.
	RequestTimeout time.Duration
	ReleaseFailure ReleaseFailurePolicy
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 600 * time.Second
	}
	if c.ReleaseMaxAttempts <= 0 {
		c.ReleaseMaxAttempts = 5
	}
	if c.ReleaseBackoff <= 0 {
		c.ReleaseBackoff = 200 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ReleaseFailure != ReleaseFailureDiscard {
		c.ReleaseFailure = ReleaseFailureRecord
	}
	return c
}

// IdempotencyRepository caches trip-start responses by Idempotency-Key.
type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

// Deps groups the orchestrator collaborators. Store, Slots and Scheduler are required.
type Deps struct {
	Store       domain.Store
	Scheduler   domain.ExpiryScheduler
	Slots       domain.SlotRegistry
	Notifier    domain.Notifier
	Trips       domain.TripIndex
	Idempotency IdempotencyRepository
	Clock       domain.Clock
	IDs         domain.IDGenerator
	Logger      *zap.Logger
}

// Service drives the reservation state machine and guarantees at-most-once slot release.
type Service struct {
	store     domain.Store
	scheduler domain.ExpiryScheduler
	slots     domain.SlotRegistry
	notifier  domain.Notifier
	trips     domain.TripIndex
	idem      IdempotencyRepository
	clock     domain.Clock
	ids       domain.IDGenerator
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       Config
}

// New constructs a Service.
func New(deps Deps, cfg Config) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("reservation store is required")
	}
	if deps.Slots == nil {
		return nil, errors.New("slot registry is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("expiry scheduler is required")
	}
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if deps.IDs == nil {
		deps.IDs = uuidGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		slots:     deps.Slots,
		notifier:  deps.Notifier,
		trips:     deps.Trips,
		idem:      deps.Idempotency,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
		tracer:    otel.Tracer("reservation.service"),
		cfg:       cfg.withDefaults(),
	}, nil
}

// TTL returns the configured reservation window.
func (s *Service) TTL() time.Duration { return s.cfg.TTL }

// CreateRequest contains the trip-start payload.
type CreateRequest struct {
	UserID               string
	OriginStationID      string
	TripType             domain.TripType
	DestinationStationID *string
}

// Create holds an origin slot (and optionally a destination slot), persists the
// reservation with its TTL marker and arms the delayed-delivery expiration.
func (s *Service) Create(ctx context.Context, key string, req CreateRequest) (domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "reservation.create", trace.WithAttributes(
		attribute.String("user_id", req.UserID),
		attribute.String("station_id", req.OriginStationID),
	))
	defer span.End()

	if key != "" {
		key = idempotencyKey(req.UserID, key)
	}
	if key != "" && s.idem != nil {
		if cached, ok, err := s.idem.GetResponse(ctx, key); err == nil && ok {
			var r domain.Reservation
			if err := json.Unmarshal(cached, &r); err == nil {
				return r, nil
			}
		}
	}

	if _, active, err := s.store.ActiveForUser(ctx, req.UserID); err != nil {
		reservationsCreated.WithLabelValues("error").Inc()
		return domain.Reservation{}, fmt.Errorf("%w: check active reservation: %w", domain.ErrUpstreamUnavailable, err)
	} else if active {
		reservationsCreated.WithLabelValues("active").Inc()
		return domain.Reservation{}, domain.ErrActiveReservation
	}

	origin, err := s.holdSlot(ctx, req.OriginStationID, slotdomain.Filter{Status: slotdomain.StatusUnlocked, Kind: req.TripType.SlotKind()})
	if err != nil {
		reservationsCreated.WithLabelValues(resultLabel(err)).Inc()
		return domain.Reservation{}, fmt.Errorf("hold origin slot: %w", err)
	}

	r := domain.Reservation{
		ID:             s.ids.NewID(),
		UserID:         req.UserID,
		StationStartID: req.OriginStationID,
		SlotStartID:    origin.ID,
		TravelType:     req.TripType,
		Status:         domain.StatusPending,
		CreatedAt:      s.clock.Now(),
	}

	if req.DestinationStationID != nil && *req.DestinationStationID != "" {
		dest, err := s.holdSlot(ctx, *req.DestinationStationID, slotdomain.Filter{Status: slotdomain.StatusUnlocked})
		if err != nil {
			s.compensate(ctx, r)
			reservationsCreated.WithLabelValues(resultLabel(err)).Inc()
			return domain.Reservation{}, fmt.Errorf("hold destination slot: %w", err)
		}
		station := *req.DestinationStationID
		r.StationEndID = &station
		r.SlotEndID = &dest.ID
	}

	if err := s.store.Create(ctx, r, s.cfg.TTL); err != nil {
		s.compensate(ctx, r)
		reservationsCreated.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrActiveReservation) {
			return domain.Reservation{}, err
		}
		return domain.Reservation{}, fmt.Errorf("%w: persist reservation: %w", domain.ErrUpstreamUnavailable, err)
	}

	if err := s.scheduler.Schedule(ctx, r); err != nil {
		// The keyspace marker still expires the reservation on its own.
		s.logger.Warn("delayed expiration not armed", zap.String("reservation_id", r.ID), zap.Error(err))
	}

	reservationsCreated.WithLabelValues("ok").Inc()
	s.logger.Info("reservation created",
		zap.String("reservation_id", r.ID),
		zap.String("user_id", r.UserID),
		zap.Strings("slots", r.SlotIDs()),
	)

	if key != "" && s.idem != nil {
		if payload, err := json.Marshal(r); err == nil {
			_ = s.idem.PutResponse(ctx, key, payload)
		}
	}
	return r, nil
}

// Get returns the live reservation record.
func (s *Service) Get(ctx context.Context, id string) (domain.Reservation, error) {
	return s.store.Get(ctx, id)
}

// Confirm marks the reservation CONFIRMED, turning the held slots into durable
// assignments and removing the record so neither expiration source can release it.
// A nil bicycleID keeps whatever the reservation already carries.
func (s *Service) Confirm(ctx context.Context, id string, bicycleID *string) (domain.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "reservation.confirm", trace.WithAttributes(attribute.String("reservation_id", id)))
	defer span.End()

	r, err := s.store.CompareAndSetStatus(ctx, id, domain.StatusPending, domain.StatusConfirmed)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.StatusConfirmed
	if bicycleID != nil && *bicycleID != "" {
		r.BicycleID = bicycleID
	}

	var slotErr error
	for _, slotID := range r.SlotIDs() {
		err := s.retry(ctx, func(ctx context.Context) error {
			_, err := s.slots.Transition(ctx, slotID, slotdomain.StatusLocked, slotdomain.StatusLocked, nil)
			return err
		})
		if err != nil {
			s.logger.Error("confirmed reservation lost its slot hold",
				zap.String("reservation_id", r.ID), zap.String("slot_id", slotID), zap.Error(err))
			slotErr = errors.Join(slotErr, fmt.Errorf("slot %s: %w", slotID, mapSlotErr(err)))
		}
	}

	if err := s.store.Delete(ctx, r); err != nil {
		s.logger.Warn("delete confirmed reservation", zap.String("reservation_id", r.ID), zap.Error(err))
	}
	if s.trips != nil && r.BicycleID != nil {
		if err := s.trips.PutTrip(ctx, r); err != nil {
			s.logger.Warn("index active trip", zap.String("reservation_id", r.ID), zap.Error(err))
		}
	}
	reservationOutcomes.WithLabelValues("confirmed").Inc()
	s.notify(ctx, domain.Notification{
		Type:          domain.EventStart,
		UserID:        r.UserID,
		ReservationID: r.ID,
		BicycleID:     r.BicycleID,
		StationID:     r.StationStartID,
		SlotID:        r.SlotStartID,
	})
	s.logger.Info("reservation confirmed", zap.String("reservation_id", r.ID))
	return r, slotErr
}

// HandleExpiration is the single entry point for both expiration sources. The first
// caller to observe PENDING releases the slots; every other caller returns nil without
// side effects.
func (s *Service) HandleExpiration(ctx context.Context, signal domain.ExpirationSignal) error {
	source := signal.Source
	if source == "" {
		source = domain.SourceDelayBus
	}
	_, err := s.release(ctx, signal.ReservationID, source)
	return err
}

// Cancel runs the release path on behalf of the user. Losing the race against a
// confirmation or an expiration yields ErrAlreadyTerminal.
func (s *Service) Cancel(ctx context.Context, id, userID string) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && current.UserID != userID {
		return domain.ErrReservationNotFound
	}
	if current.Status.Terminal() {
		return domain.ErrAlreadyTerminal
	}
	won, err := s.release(ctx, id, domain.SourceCancel)
	if !won && err == nil {
		return domain.ErrAlreadyTerminal
	}
	return err
}

func (s *Service) release(ctx context.Context, id string, source domain.SignalSource) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.release", trace.WithAttributes(
		attribute.String("reservation_id", id),
		attribute.String("source", string(source)),
	))
	defer span.End()

	r, err := s.store.CompareAndSetStatus(ctx, id, domain.StatusPending, domain.StatusReleased)
	if err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) || errors.Is(err, domain.ErrAlreadyTerminal) {
			expirationSignals.WithLabelValues(string(source), "duplicate").Inc()
			s.logger.Debug("expiration signal ignored", zap.String("reservation_id", id), zap.String("source", string(source)), zap.Error(err))
			return false, nil
		}
		expirationSignals.WithLabelValues(string(source), "error").Inc()
		return false, fmt.Errorf("claim reservation %s: %w", id, err)
	}
	r.Status = domain.StatusReleased
	expirationSignals.WithLabelValues(string(source), "won").Inc()

	eventType := domain.EventExpired
	if source == domain.SourceCancel {
		eventType = domain.EventCancelled
	}
	defer s.notify(ctx, domain.Notification{
		Type:          eventType,
		UserID:        r.UserID,
		ReservationID: r.ID,
		StationID:     r.StationStartID,
		SlotID:        r.SlotStartID,
	})

	if err := s.releaseSlots(ctx, r); err != nil {
		reservationOutcomes.WithLabelValues("release_failed").Inc()
		s.logger.Error("reservation release failed, awaiting reconciliation",
			zap.String("reservation_id", r.ID), zap.Strings("slots", r.SlotIDs()), zap.Error(err))
		if s.cfg.ReleaseFailure == ReleaseFailureDiscard {
			if delErr := s.store.Delete(ctx, r); delErr != nil {
				s.logger.Warn("delete unreleased reservation", zap.String("reservation_id", r.ID), zap.Error(delErr))
			}
		} else if markErr := s.store.MarkReleaseFailed(ctx, r, err.Error()); markErr != nil {
			s.logger.Error("record release failure", zap.String("reservation_id", r.ID), zap.Error(markErr))
		}
		return true, fmt.Errorf("%w: reservation %s: %w", domain.ErrReleaseFailed, r.ID, err)
	}

	if err := s.store.Delete(ctx, r); err != nil {
		s.logger.Warn("delete released reservation", zap.String("reservation_id", r.ID), zap.Error(err))
	}
	reservationOutcomes.WithLabelValues("released").Inc()
	s.logger.Info("reservation released", zap.String("reservation_id", r.ID), zap.String("source", string(source)))
	return true, nil
}

// ListReleaseFailed returns reservations whose slots could not be released.
func (s *Service) ListReleaseFailed(ctx context.Context) ([]domain.Reservation, error) {
	return s.store.ListReleaseFailed(ctx)
}

// Reconcile retries the slot releases of a RELEASE_FAILED reservation. It never
// re-arms expiry.
func (s *Service) Reconcile(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != domain.StatusReleaseFailed {
		return domain.ErrNotReleaseFailed
	}
	if err := s.releaseSlots(ctx, r); err != nil {
		return fmt.Errorf("%w: reservation %s: %w", domain.ErrReleaseFailed, r.ID, err)
	}
	if err := s.store.Delete(ctx, r); err != nil {
		return fmt.Errorf("delete reconciled reservation: %w", err)
	}
	reservationOutcomes.WithLabelValues("reconciled").Inc()
	s.logger.Info("reservation reconciled", zap.String("reservation_id", r.ID))
	return nil
}

// DockEvent is the slice of dock telemetry the trip lifecycle needs.
type DockEvent struct {
	SlotID    string
	StationID string
	BicycleID string
	At        time.Time
}

// EndTrip attaches the docked bicycle to the slot and notifies the rider. When the
// bicycle docks somewhere other than the held destination, that hold is released.
// Taking the trip claims it; a dock that fails returns the trip to the index.
func (s *Service) EndTrip(ctx context.Context, ev DockEvent) error {
	if s.trips == nil {
		return domain.ErrNoActiveTrip
	}
	ctx, span := s.tracer.Start(ctx, "reservation.end_trip", trace.WithAttributes(attribute.String("bicycle_id", ev.BicycleID)))
	defer span.End()

	r, err := s.trips.TakeTrip(ctx, ev.BicycleID)
	if err != nil {
		return err
	}
	bike := ev.BicycleID
	from := slotdomain.StatusUnlocked
	if r.SlotEndID != nil && *r.SlotEndID == ev.SlotID {
		from = slotdomain.StatusLocked
	}
	if err := s.retry(ctx, func(ctx context.Context) error {
		_, err := s.slots.Transition(ctx, ev.SlotID, from, slotdomain.StatusLocked, &bike)
		return err
	}); err != nil {
		// Put the trip back so a corrected or redelivered dock event can still end it.
		if putErr := s.trips.PutTrip(context.WithoutCancel(ctx), r); putErr != nil {
			s.logger.Error("restore trip after failed dock", zap.String("reservation_id", r.ID), zap.Error(putErr))
		}
		return fmt.Errorf("dock bicycle %s at %s: %w", bike, ev.SlotID, mapSlotErr(err))
	}
	if r.SlotEndID != nil && *r.SlotEndID != ev.SlotID {
		if err := s.releaseSlot(ctx, *r.SlotEndID); err != nil {
			s.logger.Error("release unused destination hold", zap.String("slot_id", *r.SlotEndID), zap.Error(err))
		}
	}
	s.notify(ctx, domain.Notification{
		Type:          domain.EventEnd,
		UserID:        r.UserID,
		ReservationID: r.ID,
		BicycleID:     &bike,
		StationID:     ev.StationID,
		SlotID:        ev.SlotID,
		At:            ev.At,
	})
	s.logger.Info("trip ended", zap.String("reservation_id", r.ID), zap.String("slot_id", ev.SlotID))
	return nil
}

// holdSlot selects the first matching slot and locks it. A lost compare-and-set is
// retried once with a fresh selection.
func (s *Service) holdSlot(ctx context.Context, stationID string, filter slotdomain.Filter) (slotdomain.Slot, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		candidate, err := s.slots.FindFirstAvailable(ctx, stationID, filter)
		if err != nil {
			holdDuration.WithLabelValues(resultLabel(mapSlotErr(err))).Observe(time.Since(start).Seconds())
			return slotdomain.Slot{}, mapSlotErr(err)
		}
		locked, err := s.slots.Transition(ctx, candidate.ID, slotdomain.StatusUnlocked, slotdomain.StatusLocked, nil)
		if err == nil {
			holdDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
			return locked, nil
		}
		lastErr = mapSlotErr(err)
		if !errors.Is(lastErr, domain.ErrConflictingState) {
			break
		}
	}
	holdDuration.WithLabelValues(resultLabel(lastErr)).Observe(time.Since(start).Seconds())
	return slotdomain.Slot{}, lastErr
}

func (s *Service) compensate(ctx context.Context, r domain.Reservation) {
	for _, slotID := range r.SlotIDs() {
		if slotID == "" {
			continue
		}
		if err := s.releaseSlot(ctx, slotID); err != nil {
			s.logger.Error("compensating slot release failed", zap.String("slot_id", slotID), zap.Error(err))
		}
	}
}

func (s *Service) releaseSlots(ctx context.Context, r domain.Reservation) error {
	var errs error
	for _, slotID := range r.SlotIDs() {
		if err := s.releaseSlot(ctx, slotID); err != nil {
			errs = errors.Join(errs, fmt.Errorf("slot %s: %w", slotID, err))
		}
	}
	return errs
}

func (s *Service) releaseSlot(ctx context.Context, slotID string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.slots.Release(ctx, slotID)
		if err != nil {
			slotReleaseAttempts.WithLabelValues("error").Inc()
			return err
		}
		slotReleaseAttempts.WithLabelValues("ok").Inc()
		return nil
	})
}

// retry repeats fn while the registry reports itself unavailable.
func (s *Service) retry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.cfg.ReleaseMaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, slotdomain.ErrRegistryUnavailable) {
			return err
		}
		if attempt < s.cfg.ReleaseMaxAttempts-1 {
			backoff := s.cfg.ReleaseBackoff << attempt
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}
	}
	return err
}

func (s *Service) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = s.clock.Now()
	}
	if err := s.notifier.SendToUser(ctx, n); err != nil {
		s.logger.Warn("notification dropped", zap.String("user_id", n.UserID), zap.String("type", string(n.Type)), zap.Error(err))
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// idempotencyKey scopes a client key to its rider so riders never share responses.
func idempotencyKey(userID, key string) string {
	return userID + ":" + key
}

func mapSlotErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, slotdomain.ErrNoAvailableSlot):
		return fmt.Errorf("%w: %w", domain.ErrNoAvailableSlot, err)
	case errors.Is(err, slotdomain.ErrConflictingState):
		return fmt.Errorf("%w: %w", domain.ErrConflictingState, err)
	case errors.Is(err, slotdomain.ErrRegistryUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	default:
		return err
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNoAvailableSlot):
		return "no_slot"
	case errors.Is(err, domain.ErrConflictingState):
		return "conflict"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

type uuidGenerator struct{}

func (uuidGenerator) NewID() string { return strings.ToLower(uuid.NewString()) }
