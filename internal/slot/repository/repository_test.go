package repository_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/repository"
)

func TestMemoryRepository(t *testing.T) {
	mem := repository.NewMemoryRepository()
	runRepositoryContract(t, mem)

	events := mem.Events()
	require.NotEmpty(t, events)
	require.Equal(t, domain.EventSlotCreated, events[0].Type)
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("dockhold"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pg.Terminate(ctx)) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewPostgresRepository(db, "slot.events")
	require.NoError(t, repo.Migrate(ctx))
	require.NoError(t, repo.Migrate(ctx))

	runRepositoryContract(t, repo)

	var rows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE topic = 'slot.events'`).Scan(&rows))
	require.Positive(t, rows)
}

func runRepositoryContract(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"SLOT-02", "SLOT-01", "SLOT-03"} {
		_, err := repo.Create(ctx, domain.Slot{ID: id, StationID: "S1", Status: domain.StatusUnlocked, UpdatedAt: at})
		require.NoError(t, err)
	}
	_, err := repo.Create(ctx, domain.Slot{ID: "OTHER-01", StationID: "S2", Status: domain.StatusUnlocked, UpdatedAt: at})
	require.NoError(t, err)

	_, err = repo.Create(ctx, domain.Slot{ID: "SLOT-01", StationID: "S1", Status: domain.StatusUnlocked, UpdatedAt: at})
	require.ErrorIs(t, err, domain.ErrSlotExists)

	slots, err := repo.ListByStation(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, slots, 3)
	require.Equal(t, "SLOT-01", slots[0].ID)
	require.Equal(t, "SLOT-03", slots[2].ID)

	all, err := repo.ListByStation(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)

	bike := "B-7"
	locked, err := repo.Transition(ctx, "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, &bike, at.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.StatusLocked, locked.Status)
	require.Equal(t, "B-7", *locked.BicycleID)

	_, err = repo.Transition(ctx, "SLOT-01", domain.StatusUnlocked, domain.StatusLocked, nil, at)
	require.ErrorIs(t, err, domain.ErrConflictingState)

	_, err = repo.Transition(ctx, "NOPE", domain.StatusUnlocked, domain.StatusLocked, nil, at)
	require.ErrorIs(t, err, domain.ErrSlotNotFound)

	released, err := repo.Release(ctx, "SLOT-01", at.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnlocked, released.Status)
	require.Nil(t, released.BicycleID)

	_, err = repo.Release(ctx, "NOPE", at)
	require.ErrorIs(t, err, domain.ErrSlotNotFound)

	got, err := repo.Get(ctx, "SLOT-01")
	require.NoError(t, err)
	require.Equal(t, domain.StatusUnlocked, got.Status)

	dockBike := "B-9"
	_, err = repo.Transition(ctx, "SLOT-03", domain.StatusUnlocked, domain.StatusLocked, &dockBike, at)
	require.NoError(t, err)
	kept, err := repo.Transition(ctx, "SLOT-03", domain.StatusLocked, domain.StatusLocked, nil, at)
	require.NoError(t, err)
	require.NotNil(t, kept.BicycleID)
	require.Equal(t, "B-9", *kept.BicycleID)
	faulted, err := repo.Transition(ctx, "SLOT-03", domain.StatusLocked, domain.StatusError, nil, at)
	require.NoError(t, err)
	require.Nil(t, faulted.BicycleID)
	stored, err := repo.Get(ctx, "SLOT-03")
	require.NoError(t, err)
	require.Nil(t, stored.BicycleID)

	// Concurrent holds on the same slot: exactly one wins.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Transition(ctx, "SLOT-02", domain.StatusUnlocked, domain.StatusLocked, nil, at); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
