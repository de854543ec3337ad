package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/service"
)

// Error codes carried in JSON error bodies.
const (
	CodeNotFound          = "reservation_not_found"
	CodeNoAvailableSlot   = "no_available_slot"
	CodeConflict          = "conflicting_state"
	CodeAlreadyTerminal   = "already_terminal"
	CodeActiveReservation = "active_reservation"
	CodeNotReleaseFailed  = "not_release_failed"
	CodeReleaseFailed     = "release_failed"
	CodeUnavailable       = "upstream_unavailable"
	CodeInvalid           = "invalid_request"
	CodeInternal          = "internal"
)

// UserHeader identifies the caller when the body does not.
const UserHeader = "X-User-ID"

// ErrorResponse is the body written for failed requests.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateRequest is the trip-start body.
type CreateRequest struct {
	UserID               string          `json:"user_id" validate:"required"`
	StationID            string          `json:"station_id" validate:"required"`
	TravelType           domain.TripType `json:"travel_type,omitempty" validate:"omitempty,oneof=ELECTRIC MECHANIC"`
	DestinationStationID *string         `json:"destination_station_id,omitempty" validate:"omitempty,min=1"`
}

// ConfirmRequest optionally names the bicycle the rider took.
type ConfirmRequest struct {
	BicycleID *string `json:"bicycle_id,omitempty" validate:"omitempty,min=1"`
}

// Option customises the handler.
type Option func(*HTTP)

// WithCreateMiddleware wraps only the trip-start route, e.g. with a rate limiter.
func WithCreateMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(h *HTTP) {
		if mw != nil {
			h.createMW = append(h.createMW, mw)
		}
	}
}

// HTTP exposes reservation endpoints.
type HTTP struct {
	svc      *service.Service
	validate *validator.Validate
	createMW []func(http.Handler) http.Handler
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, opts ...Option) *HTTP {
	h := &HTTP{svc: svc, validate: validator.New()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.With(h.createMW...).Post("/v1/reservations", h.create)
	r.Get("/v1/reservations/release-failed", h.listReleaseFailed)
	r.Get("/v1/reservations/{id}", h.get)
	r.Post("/v1/reservations/{id}/confirm", h.confirm)
	r.Post("/v1/reservations/{id}/cancel", h.cancel)
	r.Post("/v1/reservations/{id}/reconcile", h.reconcile)
	return r
}

func (h *HTTP) create(w http.ResponseWriter, r *http.Request) {
	var payload CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	if payload.UserID == "" {
		payload.UserID = strings.TrimSpace(r.Header.Get(UserHeader))
	}
	if err := h.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	res, err := h.svc.Create(r.Context(), r.Header.Get("Idempotency-Key"), service.CreateRequest{
		UserID:               payload.UserID,
		OriginStationID:      payload.StationID,
		TripType:             payload.TravelType,
		DestinationStationID: payload.DestinationStationID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) get(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) confirm(w http.ResponseWriter, r *http.Request) {
	var payload ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalid, err.Error())
		return
	}
	res, err := h.svc.Confirm(r.Context(), chi.URLParam(r, "id"), payload.BicycleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Cancel(r.Context(), id, strings.TrimSpace(r.Header.Get(UserHeader))); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reservationId": id, "status": string(domain.StatusReleased)})
}

func (h *HTTP) listReleaseFailed(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListReleaseFailed(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *HTTP) reconcile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Reconcile(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reservationId": id, "status": string(domain.StatusReleased)})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrNoAvailableSlot):
		writeError(w, http.StatusConflict, CodeNoAvailableSlot, err.Error())
	case errors.Is(err, domain.ErrActiveReservation):
		writeError(w, http.StatusConflict, CodeActiveReservation, err.Error())
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, CodeAlreadyTerminal, err.Error())
	case errors.Is(err, domain.ErrNotReleaseFailed):
		writeError(w, http.StatusConflict, CodeNotReleaseFailed, err.Error())
	case errors.Is(err, domain.ErrConflictingState):
		writeError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, domain.ErrReleaseFailed):
		writeError(w, http.StatusBadGateway, CodeReleaseFailed, err.Error())
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
