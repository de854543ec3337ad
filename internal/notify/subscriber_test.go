package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/reservation/domain"
)

type captureSender struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (c *captureSender) SendToUser(_ context.Context, n domain.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func TestSubscriberForwardsValidNotifications(t *testing.T) {
	sender := &captureSender{}
	s := NewSubscriber(nil, "notifications.user", sender, nil)

	s.handle(context.Background(), &nats.Msg{Data: []byte(`{"type":"EXPIRED","userId":"u1","reservationId":"r1"}`)})
	s.handle(context.Background(), &nats.Msg{Data: []byte(`not json`)})
	s.handle(context.Background(), &nats.Msg{Data: []byte(`{"type":"EXPIRED"}`)})

	require.Len(t, sender.got, 1)
	require.Equal(t, "u1", sender.got[0].UserID)
	require.Equal(t, domain.EventExpired, sender.got[0].Type)
}
