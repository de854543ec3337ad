package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSubject is used for rows written without a topic.
const DefaultSubject = "slot.events"

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slot_outbox_relayed_total",
		Help: "Slot events relayed from the outbox table to NATS, by event type.",
	}, []string{"type"})
	relayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slot_outbox_failures_total",
		Help: "Slot events that could not be relayed after all attempts.",
	})
	relayLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slot_outbox_lag_seconds",
		Help: "Age of the oldest slot event relayed in the last batch.",
	})
)

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

func (c *RelayConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Relay drains the outbox table that the slot repository writes in the same
// transaction as each slot change, publishing every row to NATS in id order.
type Relay struct {
	db        *sql.DB
	publisher msgPublisher
	logger    *zap.Logger
	cfg       RelayConfig
	tracer    trace.Tracer
}

// NewRelay builds a relay over db publishing through conn.
func NewRelay(db *sql.DB, conn *nats.Conn, logger *zap.Logger, cfg RelayConfig) *Relay {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{db: db, logger: logger, cfg: cfg, tracer: otel.Tracer("slot.outbox")}
	if conn != nil {
		r.publisher = conn
	}
	return r
}

// Run relays batches until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if r.db == nil || r.publisher == nil {
		return errors.New("outbox relay needs a database and a NATS connection")
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.RelayBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("slot outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type row struct {
	ID        int64
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// RelayBatch publishes one batch of pending rows and returns how many were
// marked published. Rows before a failing one stay marked; the failing row
// and everything after it are retried on the next batch.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := r.claim(ctx, tx)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.claimed", len(rows)))

	var (
		published []int64
		oldest    time.Time
		relayErr  error
	)
	for _, rw := range rows {
		if err := r.publish(ctx, rw); err != nil {
			relayErr = err
			break
		}
		published = append(published, rw.ID)
		if oldest.IsZero() || rw.CreatedAt.Before(oldest) {
			oldest = rw.CreatedAt
		}
	}
	if len(published) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published = true WHERE id = ANY($1)`, published); err != nil {
			return 0, fmt.Errorf("mark published: %w", err)
		}
		relayLag.Set(time.Since(oldest).Seconds())
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(published), relayErr
}

func (r *Relay) claim(ctx context.Context, tx *sql.Tx) ([]row, error) {
	rs, err := tx.QueryContext(ctx,
		`SELECT id, topic, payload, created_at FROM outbox WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`,
		r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rs.Close()
	var out []row
	for rs.Next() {
		var rw row
		if err := rs.Scan(&rw.ID, &rw.Topic, &rw.Payload, &rw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, rw)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

func (r *Relay) publish(ctx context.Context, rw row) error {
	ctx, span := r.tracer.Start(ctx, "outbox.publish")
	defer span.End()

	subject := rw.Topic
	if subject == "" {
		subject = DefaultSubject
	}
	eventType := eventTypeOf(rw.Payload)

	msg := nats.NewMsg(subject)
	msg.Data = rw.Payload
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("outbox-%d", rw.ID))
	msg.Header.Set("x-event-type", eventType)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	for attempt := 1; ; attempt++ {
		err := r.publisher.PublishMsg(msg)
		if err == nil {
			relayedTotal.WithLabelValues(eventType).Inc()
			return nil
		}
		r.logger.Warn("slot event publish failed",
			zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rw.ID))
		if attempt >= r.cfg.MaxAttempts {
			relayFailures.Inc()
			return fmt.Errorf("relay outbox row %d: %w", rw.ID, err)
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * 100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func eventTypeOf(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}
