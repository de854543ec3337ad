package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
)

// Sender is the hub side of the subscriber.
type Sender interface {
	SendToUser(ctx context.Context, n domain.Notification) error
}

// Subscriber feeds notifications published on NATS into the hub. Every instance
// subscribes without a queue group so each sees the events of its own connections.
type Subscriber struct {
	conn    *nats.Conn
	subject string
	sender  Sender
	logger  *zap.Logger
}

// NewSubscriber constructs the subscriber.
func NewSubscriber(conn *nats.Conn, subject string, sender Sender, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{conn: conn, subject: subject, sender: sender, logger: logger}
}

// Run subscribes and blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	defer sub.Unsubscribe() //nolint:errcheck
	s.logger.Info("notification subscriber started", zap.String("subject", s.subject))
	<-ctx.Done()
	return ctx.Err()
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	var n domain.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil || n.UserID == "" {
		s.logger.Warn("malformed notification", zap.ByteString("payload", msg.Data), zap.Error(err))
		return
	}
	if err := s.sender.SendToUser(ctx, n); err != nil {
		s.logger.Warn("deliver notification", zap.String("user_id", n.UserID), zap.Error(err))
	}
}
