package expiry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/expiry"
	"github.com/example/dockhold/internal/reservation/store"
)

type recordingHandler struct {
	mu      sync.Mutex
	signals []domain.ExpirationSignal
}

func (h *recordingHandler) HandleExpiration(_ context.Context, s domain.ExpirationSignal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, s)
	return nil
}

func (h *recordingHandler) received() []domain.ExpirationSignal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ExpirationSignal(nil), h.signals...)
}

// miniredis does not emit keyspace events, so tests publish on the event channel.
func TestKeyspaceListenerDeliversExpiredMarkers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := store.NewRedisStore(client, store.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	end := "SLOT-02"
	require.NoError(t, s.Create(ctx, domain.Reservation{
		ID: "r1", UserID: "u1", StationStartID: "S1", SlotStartID: "SLOT-01", SlotEndID: &end,
		Status: domain.StatusPending,
	}, time.Minute))

	handler := &recordingHandler{}
	listener := expiry.NewKeyspaceListener(client, s, handler, expiry.KeyspaceConfig{DB: 0}, nil)
	require.Equal(t, "__keyevent@0__:expired", listener.Channel())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		mr.Publish(listener.Channel(), "unrelated:key")
		mr.Publish(listener.Channel(), s.DataKey("r1"))
		mr.Publish(listener.Channel(), s.MarkerKey("missing"))
		mr.Publish(listener.Channel(), s.MarkerKey("r1"))
		return len(handler.received()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got := handler.received()[0]
	require.Equal(t, "r1", got.ReservationID)
	require.Equal(t, domain.SourceKeyspace, got.Source)
	require.Equal(t, "SLOT-01", got.SlotStartID)
	require.Equal(t, "SLOT-02", *got.SlotEndID)
	for _, sig := range handler.received() {
		require.Equal(t, "r1", sig.ReservationID)
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestKeyspaceListenerChannelForAllDatabases(t *testing.T) {
	listener := expiry.NewKeyspaceListener(nil, nil, nil, expiry.KeyspaceConfig{DB: -1}, nil)
	require.Equal(t, "__keyevent@*__:expired", listener.Channel())
}
