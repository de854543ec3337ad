package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/expiry"
)

func startJetStream(t *testing.T, ctx context.Context) nats.JetStreamContext {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestDelayBusDeliversAfterTTL(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	js := startJetStream(t, ctx)

	handler := &recordingHandler{}
	ttl := 2 * time.Second
	bus := expiry.NewDelayBus(js, handler, expiry.DelayBusConfig{TTL: ttl, FetchWait: 200 * time.Millisecond}, nil)
	require.NoError(t, bus.EnsureStream(ctx))
	require.NoError(t, bus.EnsureStream(ctx))

	r := domain.Reservation{ID: "r1", UserID: "u1", SlotStartID: "SLOT-01", Status: domain.StatusPending}
	start := time.Now()
	require.NoError(t, bus.Schedule(ctx, r))
	require.NoError(t, bus.Schedule(ctx, r))

	go func() { _ = bus.Run(ctx) }()

	require.Eventually(t, func() bool { return len(handler.received()) > 0 }, 15*time.Second, 100*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), ttl)

	got := handler.received()[0]
	require.Equal(t, "r1", got.ReservationID)
	require.Equal(t, domain.SourceDelayBus, got.Source)

	time.Sleep(time.Second)
	require.Len(t, handler.received(), 1)
}

func TestDelayBusScheduleRequiresStream(t *testing.T) {
	ctx := context.Background()
	js := startJetStream(t, ctx)
	bus := expiry.NewDelayBus(js, nil, expiry.DelayBusConfig{Stream: "OTHER", DelaySubject: "other.delay"}, nil)

	err := bus.Schedule(ctx, domain.Reservation{ID: "r1"})
	require.Error(t, err)
	require.Error(t, bus.Run(ctx))
}

func TestDelayBusRelayInFlightLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	js := startJetStream(t, ctx)

	bus := expiry.NewDelayBus(js, &recordingHandler{}, expiry.DelayBusConfig{FetchWait: 200 * time.Millisecond, MaxInFlight: 5000}, nil)
	require.NoError(t, bus.EnsureStream(ctx))
	go func() { _ = bus.Run(ctx) }()

	require.Eventually(t, func() bool {
		info, err := js.ConsumerInfo("RESERVATIONS", "reservation-delay-relay")
		return err == nil && info.Config.MaxAckPending == 5000
	}, 10*time.Second, 100*time.Millisecond)
}
