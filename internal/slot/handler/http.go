package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/registry"
)

// Error codes carried in JSON error bodies; the slot client maps them back to domain errors.
const (
	CodeNotFound    = "slot_not_found"
	CodeNoAvailable = "no_available_slot"
	CodeConflict    = "conflicting_state"
	CodeInvalid     = "invalid_request"
	CodeExists      = "slot_exists"
	CodeInternal    = "internal"
)

// ErrorResponse is the body written for failed requests.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransitionRequest is the body of POST /v1/slots/{id}/transition.
type TransitionRequest struct {
	From      domain.Status `json:"from" validate:"required,oneof=LOCKED UNLOCKED ERROR"`
	To        domain.Status `json:"to" validate:"required,oneof=LOCKED UNLOCKED ERROR"`
	BicycleID *string       `json:"bicycle_id,omitempty" validate:"omitempty,min=1"`
}

// CreateRequest is the body of POST /v1/slots.
type CreateRequest struct {
	ID        string        `json:"id" validate:"required"`
	StationID string        `json:"station_id" validate:"required"`
	Kind      domain.Kind   `json:"kind,omitempty" validate:"omitempty,oneof=ELECTRIC MECHANIC"`
	Status    domain.Status `json:"status,omitempty" validate:"omitempty,oneof=LOCKED UNLOCKED ERROR"`
	BicycleID *string       `json:"bicycle_id,omitempty" validate:"omitempty,min=1"`
}

// HTTP exposes the slot registry over REST.
type HTTP struct {
	reg      *registry.Registry
	validate *validator.Validate
}

// NewHTTP constructs a handler.
func NewHTTP(reg *registry.Registry) *HTTP {
	return &HTTP{reg: reg, validate: validator.New()}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Post("/v1/slots", h.createSlot)
	r.Get("/v1/slots", h.listSlots)
	r.Get("/v1/slots/{id}", h.getSlot)
	r.Post("/v1/slots/{id}/transition", h.transition)
	r.Post("/v1/slots/{id}/release", h.release)
	r.Get("/v1/stations/{station}/slots/first-available", h.firstAvailable)
	return r
}

func (h *HTTP) createSlot(w http.ResponseWriter, r *http.Request) {
	var payload CreateRequest
	if !h.decode(w, r, &payload) {
		return
	}
	slot, err := h.reg.Create(r.Context(), registry.CreateSlotRequest{
		ID:        payload.ID,
		StationID: payload.StationID,
		Kind:      payload.Kind,
		Status:    payload.Status,
		BicycleID: payload.BicycleID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (h *HTTP) listSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.reg.List(r.Context(), r.URL.Query().Get("station"))
	if err != nil {
		writeError(w, err)
		return
	}
	if slots == nil {
		slots = []domain.Slot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *HTTP) getSlot(w http.ResponseWriter, r *http.Request) {
	slot, err := h.reg.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *HTTP) firstAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.Filter{Status: domain.Status(q.Get("status")), Kind: domain.Kind(q.Get("kind"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalid, "invalid status filter")
		return
	}
	slot, err := h.reg.FindFirstAvailable(r.Context(), chi.URLParam(r, "station"), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *HTTP) transition(w http.ResponseWriter, r *http.Request) {
	var payload TransitionRequest
	if !h.decode(w, r, &payload) {
		return
	}
	slot, err := h.reg.Transition(r.Context(), chi.URLParam(r, "id"), payload.From, payload.To, payload.BicycleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *HTTP) release(w http.ResponseWriter, r *http.Request) {
	slot, err := h.reg.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalid, err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeErrorCode(w, http.StatusUnprocessableEntity, CodeInvalid, err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSlotNotFound):
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, domain.ErrNoAvailableSlot):
		writeErrorCode(w, http.StatusNotFound, CodeNoAvailable, err.Error())
	case errors.Is(err, domain.ErrConflictingState):
		writeErrorCode(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, domain.ErrSlotExists):
		writeErrorCode(w, http.StatusConflict, CodeExists, err.Error())
	case errors.Is(err, domain.ErrInvalidStatus):
		writeErrorCode(w, http.StatusUnprocessableEntity, CodeInvalid, err.Error())
	default:
		writeErrorCode(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
