package expiry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
)

// Handler consumes expiration signals. Both sources feed the same handler.
type Handler interface {
	HandleExpiration(ctx context.Context, signal domain.ExpirationSignal) error
}

// MarkerStore resolves an expired marker key back to its reservation record.
type MarkerStore interface {
	ParseMarkerKey(key string) (string, bool)
	Get(ctx context.Context, id string) (domain.Reservation, error)
}

// KeyspaceConfig controls the Redis expired-event subscription.
type KeyspaceConfig struct {
	// DB restricts the subscription to one logical database; negative means all.
	DB int
	// ConfigureServer issues CONFIG SET notify-keyspace-events on start. Managed Redis
	// offerings often reject it, so the failure is only logged.
	ConfigureServer bool
}

// KeyspaceListener turns Redis expired events for reservation markers into signals.
type KeyspaceListener struct {
	client  *redis.Client
	store   MarkerStore
	handler Handler
	cfg     KeyspaceConfig
	logger  *zap.Logger
}

// NewKeyspaceListener constructs the listener.
func NewKeyspaceListener(client *redis.Client, store MarkerStore, handler Handler, cfg KeyspaceConfig, logger *zap.Logger) *KeyspaceListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyspaceListener{client: client, store: store, handler: handler, cfg: cfg, logger: logger}
}

// Channel is the pattern the listener subscribes to.
func (l *KeyspaceListener) Channel() string {
	if l.cfg.DB < 0 {
		return "__keyevent@*__:expired"
	}
	return fmt.Sprintf("__keyevent@%d__:expired", l.cfg.DB)
}

// Run blocks until ctx is cancelled.
func (l *KeyspaceListener) Run(ctx context.Context) error {
	if l.cfg.ConfigureServer {
		if err := l.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			l.logger.Warn("enable keyspace notifications", zap.Error(err))
		}
	}
	pubsub := l.client.PSubscribe(ctx, l.Channel())
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", l.Channel(), err)
	}
	l.logger.Info("keyspace listener subscribed", zap.String("channel", l.Channel()))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("keyspace subscription closed")
			}
			l.handleKey(ctx, msg.Payload)
		}
	}
}

func (l *KeyspaceListener) handleKey(ctx context.Context, key string) {
	id, ok := l.store.ParseMarkerKey(key)
	if !ok {
		return
	}
	r, err := l.store.Get(ctx, id)
	if errors.Is(err, domain.ErrReservationNotFound) {
		l.logger.Debug("expired marker without record", zap.String("reservation_id", id))
		return
	}
	if err != nil {
		l.logger.Error("load expired reservation", zap.String("reservation_id", id), zap.Error(err))
		return
	}
	if err := l.handler.HandleExpiration(ctx, r.Signal(domain.SourceKeyspace)); err != nil {
		l.logger.Error("keyspace expiration", zap.String("reservation_id", id), zap.Error(err))
	}
}
