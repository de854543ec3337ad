package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/dockhold/internal/reservation/domain"
)

var delayBusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reservation_delay_bus_messages_total",
	Help: "Delay bus messages handled grouped by stage and action.",
}, []string{"stage", "action"})

// DelayBusConfig names the JetStream stream and subjects used for delayed delivery.
type DelayBusConfig struct {
	Stream         string
	DelaySubject   string
	ExpiredSubject string
	RelayDurable   string
	ExpiredDurable string
	TTL            time.Duration
	FetchBatch     int
	FetchWait      time.Duration
	RetryDelay     time.Duration
	// MaxInFlight bounds the relay consumer's un-acked messages. Every reservation
	// inside its TTL window is one of them.
	MaxInFlight int
}

func (c DelayBusConfig) withDefaults() DelayBusConfig {
	if c.Stream == "" {
		c.Stream = "RESERVATIONS"
	}
	if c.DelaySubject == "" {
		c.DelaySubject = "reservations.delay"
	}
	if c.ExpiredSubject == "" {
		c.ExpiredSubject = "reservations.expired"
	}
	if c.RelayDurable == "" {
		c.RelayDurable = "reservation-delay-relay"
	}
	if c.ExpiredDurable == "" {
		c.ExpiredDurable = "reservation-expired"
	}
	if c.TTL <= 0 {
		c.TTL = 600 * time.Second
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 16
	}
	if c.FetchWait <= 0 {
		c.FetchWait = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 65536
	}
	return c
}

// DelayBus holds each reservation on a delay subject until its TTL has passed, then
// relays it to the expired subject where the handler consumes it. Redelivery with a
// delay stands in for a dead-letter queue with per-message expiry.
type DelayBus struct {
	js      nats.JetStreamContext
	handler Handler
	cfg     DelayBusConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewDelayBus constructs the bus. handler may be nil for publish-only processes.
func NewDelayBus(js nats.JetStreamContext, handler Handler, cfg DelayBusConfig, logger *zap.Logger) *DelayBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelayBus{js: js, handler: handler, cfg: cfg.withDefaults(), logger: logger, now: time.Now}
}

// EnsureStream declares the stream and both subjects explicitly.
func (b *DelayBus) EnsureStream(ctx context.Context) error {
	want := &nats.StreamConfig{
		Name:       b.cfg.Stream,
		Subjects:   []string{b.cfg.DelaySubject, b.cfg.ExpiredSubject},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.cfg.TTL * 4,
		Duplicates: b.cfg.TTL,
	}
	_, err := b.js.StreamInfo(b.cfg.Stream, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := b.js.AddStream(want, nats.Context(ctx)); err != nil {
			return fmt.Errorf("add stream %s: %w", b.cfg.Stream, err)
		}
	case err != nil:
		return fmt.Errorf("stream info %s: %w", b.cfg.Stream, err)
	default:
		if _, err := b.js.UpdateStream(want, nats.Context(ctx)); err != nil {
			return fmt.Errorf("update stream %s: %w", b.cfg.Stream, err)
		}
	}
	return nil
}

// Schedule publishes the reservation's expiration payload to the delay subject. The
// reservation id doubles as the message id so a retried publish is deduplicated.
func (b *DelayBus) Schedule(ctx context.Context, r domain.Reservation) error {
	payload, err := json.Marshal(r.Signal(domain.SourceDelayBus))
	if err != nil {
		return fmt.Errorf("marshal expiration: %w", err)
	}
	if _, err := b.js.Publish(b.cfg.DelaySubject, payload, nats.MsgId(r.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish delayed expiration: %w", err)
	}
	delayBusMessages.WithLabelValues("schedule", "published").Inc()
	return nil
}

// Run starts the relay and the expired consumer and blocks until ctx is cancelled.
func (b *DelayBus) Run(ctx context.Context) error {
	if b.handler == nil {
		return errors.New("delay bus requires an expiration handler")
	}
	relay, err := b.js.PullSubscribe(b.cfg.DelaySubject, b.cfg.RelayDurable,
		nats.AckExplicit(), nats.MaxAckPending(b.cfg.MaxInFlight))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.DelaySubject, err)
	}
	expired, err := b.js.PullSubscribe(b.cfg.ExpiredSubject, b.cfg.ExpiredDurable, nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.cfg.ExpiredSubject, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.consume(ctx, relay, b.relay)
	}()
	go func() {
		defer wg.Done()
		b.consume(ctx, expired, b.expire)
	}()
	wg.Wait()
	return ctx.Err()
}

func (b *DelayBus) consume(ctx context.Context, sub *nats.Subscription, fn func(context.Context, *nats.Msg)) {
	for ctx.Err() == nil {
		msgs, err := sub.Fetch(b.cfg.FetchBatch, nats.MaxWait(b.cfg.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("fetch delayed messages", zap.String("subject", sub.Subject), zap.Error(err))
			select {
			case <-time.After(b.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, msg := range msgs {
			fn(ctx, msg)
		}
	}
}

// relay holds a message back until its original publish time is a full TTL ago.
func (b *DelayBus) relay(ctx context.Context, msg *nats.Msg) {
	md, err := msg.Metadata()
	if err != nil {
		b.logger.Error("delayed message without metadata", zap.Error(err))
		_ = msg.Term()
		return
	}
	if remaining := b.cfg.TTL - b.now().Sub(md.Timestamp); remaining > 0 {
		delayBusMessages.WithLabelValues("relay", "delayed").Inc()
		_ = msg.NakWithDelay(remaining)
		return
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
		opts = append(opts, nats.MsgId(id+":expired"))
	}
	if _, err := b.js.Publish(b.cfg.ExpiredSubject, msg.Data, opts...); err != nil {
		b.logger.Warn("relay expired reservation", zap.Error(err))
		_ = msg.NakWithDelay(b.cfg.RetryDelay)
		return
	}
	delayBusMessages.WithLabelValues("relay", "forwarded").Inc()
	_ = msg.Ack()
}

func (b *DelayBus) expire(ctx context.Context, msg *nats.Msg) {
	var signal domain.ExpirationSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil || signal.ReservationID == "" {
		b.logger.Error("malformed expiration payload", zap.ByteString("payload", msg.Data), zap.Error(err))
		delayBusMessages.WithLabelValues("expired", "dropped").Inc()
		_ = msg.Term()
		return
	}
	signal.Source = domain.SourceDelayBus
	err := b.handler.HandleExpiration(ctx, signal)
	switch {
	case err == nil:
		delayBusMessages.WithLabelValues("expired", "handled").Inc()
	case errors.Is(err, domain.ErrReleaseFailed):
		// Already recorded for reconciliation, so the message is acked.
		b.logger.Error("delay bus expiration", zap.String("reservation_id", signal.ReservationID), zap.Error(err))
		delayBusMessages.WithLabelValues("expired", "release_failed").Inc()
	default:
		b.logger.Warn("delay bus expiration, retrying", zap.String("reservation_id", signal.ReservationID), zap.Error(err))
		delayBusMessages.WithLabelValues("expired", "retry").Inc()
		_ = msg.NakWithDelay(b.cfg.RetryDelay)
		return
	}
	_ = msg.Ack()
}
