package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/dockhold/internal/reservation/domain"
)

// DefaultSubject carries user notifications from the trip service to the fan-out.
const DefaultSubject = "notifications.user"

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes user notifications to a NATS subject.
type Publisher struct {
	conn    natsPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	p := &Publisher{subject: subject}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// SendToUser satisfies domain.Notifier. A publisher without a connection drops silently.
func (p *Publisher) SendToUser(ctx context.Context, n domain.Notification) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(n.Type)},
		"x-user-id":    {n.UserID},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
