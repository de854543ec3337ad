package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/store"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func pending(id, user string) domain.Reservation {
	end := "SLOT-09"
	return domain.Reservation{
		ID:             id,
		UserID:         user,
		StationStartID: "ST-1",
		SlotStartID:    "SLOT-01",
		SlotEndID:      &end,
		TravelType:     domain.TripElectric,
		Status:         domain.StatusPending,
		CreatedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRedisStoreCreateAndGet(t *testing.T) {
	mr, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()

	r := pending("r1", "u1")
	require.NoError(t, s.Create(ctx, r, time.Minute))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, r.SlotIDs(), got.SlotIDs())
	require.Equal(t, domain.StatusPending, got.Status)

	require.Equal(t, time.Minute, mr.TTL(s.MarkerKey("r1")))
	require.Equal(t, 2*time.Minute, mr.TTL(s.DataKey("r1")))

	id, ok, err := s.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", id)

	err = s.Create(ctx, pending("r2", "u1"), time.Minute)
	require.ErrorIs(t, err, domain.ErrActiveReservation)
	require.False(t, mr.Exists(s.DataKey("r2")))
}

func TestRedisStoreCompareAndSet(t *testing.T) {
	mr, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pending("r1", "u1"), time.Minute))

	before, err := s.CompareAndSetStatus(ctx, "r1", domain.StatusPending, domain.StatusReleased)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, before.Status)
	require.False(t, mr.Exists(s.MarkerKey("r1")))

	_, err = s.CompareAndSetStatus(ctx, "r1", domain.StatusPending, domain.StatusConfirmed)
	require.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	_, err = s.CompareAndSetStatus(ctx, "missing", domain.StatusPending, domain.StatusReleased)
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestRedisStoreCompareAndSetSingleWinner(t *testing.T) {
	_, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pending("r1", "u1"), time.Minute))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CompareAndSetStatus(ctx, "r1", domain.StatusPending, domain.StatusReleased); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestRedisStoreDataOutlivesMarker(t *testing.T) {
	mr, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{Grace: 30 * time.Second})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pending("r1", "u1"), time.Minute))

	mr.FastForward(61 * time.Second)
	require.False(t, mr.Exists(s.MarkerKey("r1")))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	mr.FastForward(30 * time.Second)
	_, err = s.Get(ctx, "r1")
	require.ErrorIs(t, err, domain.ErrReservationNotFound)
}

func TestRedisStoreReleaseFailedLifecycle(t *testing.T) {
	mr, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()
	r := pending("r1", "u1")
	require.NoError(t, s.Create(ctx, r, time.Minute))
	_, err := s.CompareAndSetStatus(ctx, "r1", domain.StatusPending, domain.StatusReleased)
	require.NoError(t, err)

	require.NoError(t, s.MarkReleaseFailed(ctx, r, "registry down"))
	require.Equal(t, time.Duration(0), mr.TTL(s.DataKey("r1")))

	failed, err := s.ListReleaseFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, domain.StatusReleaseFailed, failed[0].Status)

	_, active, err := s.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, s.Delete(ctx, r))
	failed, err = s.ListReleaseFailed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestRedisStoreDeleteKeepsNewerUserIndex(t *testing.T) {
	_, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()
	old := pending("r1", "u1")
	require.NoError(t, s.Create(ctx, old, time.Minute))
	require.NoError(t, s.Delete(ctx, old))
	require.NoError(t, s.Create(ctx, pending("r2", "u1"), time.Minute))

	require.NoError(t, s.Delete(ctx, old))
	id, ok, err := s.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r2", id)
}

func TestRedisStoreTripIndex(t *testing.T) {
	_, client := newRedis(t)
	s := store.NewRedisStore(client, store.Options{})
	ctx := context.Background()
	bike := "BIKE-7"
	r := pending("r1", "u1")
	r.BicycleID = &bike
	r.Status = domain.StatusConfirmed

	require.NoError(t, s.PutTrip(ctx, r))
	got, err := s.TakeTrip(ctx, bike)
	require.NoError(t, err)
	require.Equal(t, "r1", got.ID)

	_, err = s.TakeTrip(ctx, bike)
	require.ErrorIs(t, err, domain.ErrNoActiveTrip)
}

func TestParseMarkerKey(t *testing.T) {
	s := store.NewRedisStore(nil, store.Options{})

	id, ok := s.ParseMarkerKey("reservation:abc:ttl")
	require.True(t, ok)
	require.Equal(t, "abc", id)

	for _, key := range []string{"reservation:abc:data", "other:abc:ttl", "reservation:user:u1", "reservation::ttl"} {
		_, ok := s.ParseMarkerKey(key)
		require.False(t, ok, key)
	}
}

func TestRedisIdempotencyRepo(t *testing.T) {
	_, client := newRedis(t)
	repo := store.NewRedisIdempotencyRepo(client, time.Hour)
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "k1", []byte(`{"a":1}`)))
	require.NoError(t, repo.PutResponse(ctx, "k1", []byte(`{"a":2}`)))
	value, ok, err := repo.GetResponse(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(value))
}
