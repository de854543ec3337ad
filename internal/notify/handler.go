package notify

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
)

// SendRequest is the body of the internal push endpoint.
type SendRequest struct {
	Type          domain.EventType `json:"type" validate:"required,oneof=START END EXPIRED CANCELLED"`
	UserID        string           `json:"userId" validate:"required"`
	ReservationID string           `json:"reservationId" validate:"required"`
	BicycleID     *string          `json:"bicycleId,omitempty"`
	StationID     string           `json:"stationId,omitempty"`
	SlotID        string           `json:"slotId,omitempty"`
}

// HTTP exposes the push endpoints of the hub.
type HTTP struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	validate  *validator.Validate
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(hub *Hub, heartbeat time.Duration, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate:  validator.New(),
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Router builds the chi router.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/v1/notifications/stream", h.stream)
	r.Get("/v1/notifications/ws", h.socket)
	r.Post("/v1/notifications", h.send)
	return r
}

func userID(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func (h *HTTP) stream(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := NewSSEConn(w, h.heartbeat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.hub.Register(uid, conn)
	defer h.hub.Unregister(uid, conn.ID())
	if err := conn.Serve(r.Context()); err != nil {
		h.logger.Debug("sse stream ended", zap.String("user_id", uid), zap.Error(err))
	}
}

func (h *HTTP) socket(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	conn := NewWSConn(ws)
	h.hub.Register(uid, conn)
	defer h.hub.Unregister(uid, conn.ID())
	if err := conn.Serve(r.Context()); err != nil {
		h.logger.Debug("websocket ended", zap.String("user_id", uid), zap.Error(err))
	}
}

func (h *HTTP) send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := h.hub.SendToUser(r.Context(), domain.Notification{
		Type:          req.Type,
		UserID:        req.UserID,
		ReservationID: req.ReservationID,
		BicycleID:     req.BicycleID,
		StationID:     req.StationID,
		SlotID:        req.SlotID,
		At:            time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
