package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/slot/client"
	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/handler"
	"github.com/example/dockhold/internal/slot/registry"
	"github.com/example/dockhold/internal/slot/repository"
)

func newServer(t *testing.T) (*client.HTTP, *httptest.Server) {
	t.Helper()
	reg := registry.New(repository.NewMemoryRepository(), nil, nil)
	srv := httptest.NewServer(handler.NewHTTP(reg).Router())
	t.Cleanup(srv.Close)
	return client.NewHTTP(srv.URL, time.Second), srv
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	_, err := c.Create(ctx, handler.CreateRequest{ID: "SLOT-02", StationID: "S1"})
	require.NoError(t, err)
	_, err = c.Create(ctx, handler.CreateRequest{ID: "SLOT-01", StationID: "S1", Status: domain.StatusError})
	require.NoError(t, err)

	slot, err := c.FindFirstAvailable(ctx, "S1", domain.Filter{Status: domain.StatusUnlocked})
	require.NoError(t, err)
	require.Equal(t, "SLOT-02", slot.ID)

	locked, err := c.Transition(ctx, "SLOT-02", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, locked.Status)

	released, err := c.Release(ctx, "SLOT-02")
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnlocked, released.Status)

	slots, err := c.List(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, slots, 2)
}

func TestClientMapsErrors(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	_, err := c.Create(ctx, handler.CreateRequest{ID: "SLOT-01", StationID: "S3", Status: domain.StatusLocked})
	require.NoError(t, err)

	_, err = c.FindFirstAvailable(ctx, "S3", domain.Filter{Status: domain.StatusUnlocked})
	require.ErrorIs(t, err, domain.ErrNoAvailableSlot)

	_, err = c.Transition(ctx, "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.ErrorIs(t, err, domain.ErrConflictingState)

	_, err = c.Release(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSlotNotFound)

	_, err = c.Create(ctx, handler.CreateRequest{ID: "SLOT-01", StationID: "S3"})
	require.ErrorIs(t, err, domain.ErrSlotExists)
}

func TestClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	c := client.NewHTTP(srv.URL, time.Second)

	_, err := c.Release(context.Background(), "SLOT-01")
	require.ErrorIs(t, err, domain.ErrRegistryUnavailable)

	srv.Close()
	_, err = c.Release(context.Background(), "SLOT-01")
	require.ErrorIs(t, err, domain.ErrRegistryUnavailable)
}
