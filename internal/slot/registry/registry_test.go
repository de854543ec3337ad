package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/registry"
	"github.com/example/dockhold/internal/slot/repository"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

func newRegistry(t *testing.T) (*registry.Registry, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	return registry.New(repo, stubClock{t: time.Unix(100, 0).UTC()}, nil), repo
}

func seed(t *testing.T, reg *registry.Registry, id, station string, status domain.Status, kind domain.Kind) {
	t.Helper()
	_, err := reg.Create(context.Background(), registry.CreateSlotRequest{ID: id, StationID: station, Status: status, Kind: kind})
	require.NoError(t, err)
}

func TestFindFirstAvailableIsDeterministic(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-03", "S1", domain.StatusUnlocked, domain.KindAny)
	seed(t, reg, "SLOT-01", "S1", domain.StatusLocked, domain.KindAny)
	seed(t, reg, "SLOT-02", "S1", domain.StatusUnlocked, domain.KindAny)
	seed(t, reg, "SLOT-00", "S2", domain.StatusUnlocked, domain.KindAny)

	slot, err := reg.FindFirstAvailable(context.Background(), "S1", domain.Filter{Status: domain.StatusUnlocked})
	require.NoError(t, err)
	require.Equal(t, "SLOT-02", slot.ID)
}

func TestFindFirstAvailableNeverReturnsErrorSlot(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusError, domain.KindAny)
	seed(t, reg, "SLOT-02", "S1", domain.StatusError, domain.KindAny)

	_, err := reg.FindFirstAvailable(context.Background(), "S1", domain.Filter{})
	require.ErrorIs(t, err, domain.ErrNoAvailableSlot)

	_, err = reg.FindFirstAvailable(context.Background(), "S1", domain.Filter{Status: domain.StatusError})
	require.ErrorIs(t, err, domain.ErrNoAvailableSlot)
}

func TestFindFirstAvailableHonoursKind(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusUnlocked, domain.KindMechanic)
	seed(t, reg, "SLOT-02", "S1", domain.StatusUnlocked, domain.KindElectric)
	seed(t, reg, "SLOT-03", "S1", domain.StatusUnlocked, domain.KindAny)

	slot, err := reg.FindFirstAvailable(context.Background(), "S1", domain.Filter{Status: domain.StatusUnlocked, Kind: domain.KindElectric})
	require.NoError(t, err)
	require.Equal(t, "SLOT-02", slot.ID)
}

func TestStationWithOnlyLockedSlotHasNothingAvailable(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-09", "S3", domain.StatusLocked, domain.KindAny)

	_, err := reg.FindFirstAvailable(context.Background(), "S3", domain.Filter{Status: domain.StatusUnlocked})
	require.ErrorIs(t, err, domain.ErrNoAvailableSlot)
}

func TestTransitionRejectsStaleFromStatus(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusUnlocked, domain.KindAny)

	_, err := reg.Transition(context.Background(), "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.ErrorIs(t, err, domain.ErrConflictingState)

	_, err = reg.Transition(context.Background(), "missing", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.ErrorIs(t, err, domain.ErrSlotNotFound)
}

func TestConcurrentTransitionHasSingleWinner(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusUnlocked, domain.KindAny)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Transition(context.Background(), "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestLockThenReleaseRestoresSlot(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusUnlocked, domain.KindAny)
	before, err := reg.Get(context.Background(), "SLOT-01")
	require.NoError(t, err)

	_, err = reg.Transition(context.Background(), "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil)
	require.NoError(t, err)
	after, err := reg.Release(context.Background(), "SLOT-01")
	require.NoError(t, err)

	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.StationID, after.StationID)
	require.Nil(t, after.BicycleID)
}

func TestReleaseDetachesBicycle(t *testing.T) {
	reg, repo := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusUnlocked, domain.KindAny)
	bike := "BIKE-000123"
	locked, err := reg.Transition(context.Background(), "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, &bike)
	require.NoError(t, err)
	require.Equal(t, bike, *locked.BicycleID)

	released, err := reg.Release(context.Background(), "SLOT-01")
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnlocked, released.Status)
	require.Nil(t, released.BicycleID)

	events := repo.Events()
	require.Len(t, events, 3)
	require.Equal(t, domain.EventSlotReleased, events[2].Type)
	require.Equal(t, domain.StatusLocked, events[2].From)
}

func TestCreateValidatesBicycleInvariant(t *testing.T) {
	reg, _ := newRegistry(t)
	bike := "BIKE-1"
	_, err := reg.Create(context.Background(), registry.CreateSlotRequest{ID: "SLOT-01", StationID: "S1", Status: domain.StatusUnlocked, BicycleID: &bike})
	require.ErrorIs(t, err, domain.ErrInvalidStatus)

	slot, err := reg.Create(context.Background(), registry.CreateSlotRequest{ID: "SLOT-01", StationID: "S1", BicycleID: &bike})
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, slot.Status)

	_, err = reg.Create(context.Background(), registry.CreateSlotRequest{ID: "SLOT-01", StationID: "S1"})
	require.ErrorIs(t, err, domain.ErrSlotExists)
}

func TestTransitionRejectsBicycleOnUnlocked(t *testing.T) {
	reg, _ := newRegistry(t)
	seed(t, reg, "SLOT-01", "S1", domain.StatusLocked, domain.KindAny)
	bike := "BIKE-1"
	_, err := reg.Transition(context.Background(), "SLOT-01", domain.StatusLocked, domain.StatusUnlocked, &bike)
	require.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestUnlockingDetachesBicycle(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	bike := "BIKE-1"
	_, err := reg.Create(ctx, registry.CreateSlotRequest{ID: "SLOT-01", StationID: "S1", BicycleID: &bike})
	require.NoError(t, err)

	slot, err := reg.Transition(ctx, "SLOT-01", domain.StatusLocked, domain.StatusUnlocked, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnlocked, slot.Status)
	require.Nil(t, slot.BicycleID)

	got, err := reg.FindFirstAvailable(ctx, "S1", domain.Filter{Status: domain.StatusUnlocked})
	require.NoError(t, err)
	require.Equal(t, "SLOT-01", got.ID)
	require.Nil(t, got.BicycleID)
}
