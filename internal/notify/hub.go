package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
)

var (
	hubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_hub_connections",
		Help: "Open push connections across all users.",
	})
	hubDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_hub_deliveries_total",
		Help: "Per-connection delivery attempts grouped by result.",
	}, []string{"result"})
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Message is one event written to a push connection.
type Message struct {
	Event string
	Data  []byte
}

// Conn is a live push connection. Send must not block.
type Conn interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Hub maps user ids to their live connections. Each user's set is replaced on
// write, so senders iterate a stable snapshot without holding a lock.
type Hub struct {
	users  *xsync.MapOf[string, map[string]Conn]
	logger *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{users: xsync.NewMapOf[string, map[string]Conn](), logger: logger}
}

// Register adds a connection for the user.
func (h *Hub) Register(userID string, c Conn) {
	h.users.Compute(userID, func(old map[string]Conn, _ bool) (map[string]Conn, bool) {
		next := make(map[string]Conn, len(old)+1)
		for id, existing := range old {
			next[id] = existing
		}
		next[c.ID()] = c
		return next, false
	})
	hubConnections.Inc()
	h.logger.Debug("connection registered", zap.String("user_id", userID), zap.String("conn_id", c.ID()))
}

// Unregister removes a connection and closes it. Unknown ids are ignored.
func (h *Hub) Unregister(userID, connID string) {
	var removed Conn
	h.users.Compute(userID, func(old map[string]Conn, loaded bool) (map[string]Conn, bool) {
		if !loaded {
			return nil, true
		}
		c, ok := old[connID]
		if !ok {
			return old, false
		}
		removed = c
		next := make(map[string]Conn, len(old))
		for id, existing := range old {
			if id != connID {
				next[id] = existing
			}
		}
		return next, len(next) == 0
	})
	if removed != nil {
		hubConnections.Dec()
		_ = removed.Close()
		h.logger.Debug("connection removed", zap.String("user_id", userID), zap.String("conn_id", connID))
	}
}

// Connections returns how many connections the user currently has.
func (h *Hub) Connections(userID string) int {
	conns, _ := h.users.Load(userID)
	return len(conns)
}

// SendToUser delivers the notification to every connection of the user. Delivery is
// best-effort: a connection that fails is dropped and the caller never sees the error.
func (h *Hub) SendToUser(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	conns, ok := h.users.Load(n.UserID)
	if !ok {
		hubDeliveries.WithLabelValues("no_connection").Inc()
		return nil
	}
	msg := Message{Event: string(n.Type), Data: data}
	for id, c := range conns {
		if err := c.Send(msg); err != nil {
			hubDeliveries.WithLabelValues("dropped").Inc()
			h.logger.Info("dropping push connection", zap.String("user_id", n.UserID), zap.String("conn_id", id), zap.Error(err))
			h.Unregister(n.UserID, id)
			continue
		}
		hubDeliveries.WithLabelValues("queued").Inc()
	}
	return nil
}
