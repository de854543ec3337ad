package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/reservation/domain"
	reservationhandler "github.com/example/dockhold/internal/reservation/handler"
	"github.com/example/dockhold/internal/reservation/service"
	"github.com/example/dockhold/internal/reservation/store"
	slothandler "github.com/example/dockhold/internal/slot/handler"
	"github.com/example/dockhold/internal/slot/registry"
	"github.com/example/dockhold/internal/slot/repository"
)

type noopScheduler struct{}

func (noopScheduler) Schedule(context.Context, domain.Reservation) error { return nil }

func startServers(t *testing.T) (slotURL, reservationURL string) {
	t.Helper()
	reg := registry.New(repository.NewMemoryRepository(), nil, nil)
	slotSrv := httptest.NewServer(slothandler.NewHTTP(reg).Router())
	t.Cleanup(slotSrv.Close)

	st := store.NewMemoryStore()
	svc, err := service.New(service.Deps{Store: st, Scheduler: noopScheduler{}, Slots: reg, Trips: st}, service.Config{})
	require.NoError(t, err)
	resSrv := httptest.NewServer(reservationhandler.NewHTTP(svc).Router())
	t.Cleanup(resSrv.Close)
	return slotSrv.URL, resSrv.URL
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSlotsSeedListRelease(t *testing.T) {
	slotURL, resURL := startServers(t)
	flags := []string{"--slot-url", slotURL, "--reservation-url", resURL}

	out, err := run(t, append([]string{"slots", "seed", "--station", "S1", "--count", "3"}, flags...)...)
	require.NoError(t, err)
	require.Contains(t, out, "3 created, 0 already present")

	out, err = run(t, append([]string{"slots", "seed", "--station", "S1", "--count", "4"}, flags...)...)
	require.NoError(t, err)
	require.Contains(t, out, "1 created, 3 already present")

	out, err = run(t, append([]string{"slots", "list", "--station", "S1"}, flags...)...)
	require.NoError(t, err)
	require.Contains(t, out, "S1-SLOT-01")
	require.Contains(t, out, "S1-SLOT-04")

	out, err = run(t, append([]string{"slots", "release", "S1-SLOT-02"}, flags...)...)
	require.NoError(t, err)
	require.Contains(t, out, "S1-SLOT-02 UNLOCKED")
}

func TestReservationsCommands(t *testing.T) {
	slotURL, resURL := startServers(t)
	flags := []string{"--slot-url", slotURL, "--reservation-url", resURL}

	out, err := run(t, append([]string{"reservations", "failed"}, flags...)...)
	require.NoError(t, err)
	require.Contains(t, out, "START SLOT")

	_, err = run(t, append([]string{"reservations", "reconcile"}, flags...)...)
	require.ErrorContains(t, err, "--all")

	_, err = run(t, append([]string{"reservations", "reconcile", "missing"}, flags...)...)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)

	_, err = run(t, append([]string{"res", "get", "missing"}, flags...)...)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}
