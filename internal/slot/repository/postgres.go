package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/dockhold/internal/slot/domain"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS slots (
	id TEXT PRIMARY KEY,
	station_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	bicycle_id TEXT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS slots_station_idx ON slots (station_id, id);
CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA NOT NULL,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

const slotColumns = `id, station_id, kind, status, bicycle_id, updated_at`

// PostgresRepository stores slots in Postgres. Every state change is written to the
// outbox table in the same transaction so the outbox worker can publish it.
type PostgresRepository struct {
	db    *sql.DB
	topic string
}

// NewPostgresRepository builds the repository; topic is the outbox subject for slot events.
func NewPostgresRepository(db *sql.DB, topic string) *PostgresRepository {
	if topic == "" {
		topic = "slot.events"
	}
	return &PostgresRepository{db: db, topic: topic}
}

// Migrate creates the tables when missing.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("migrate slots: %w", err)
	}
	return nil
}

// Create inserts a slot.
func (p *PostgresRepository) Create(ctx context.Context, slot domain.Slot) (domain.Slot, error) {
	var created domain.Slot
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO slots (`+slotColumns+`) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
			slot.ID, slot.StationID, string(slot.Kind), string(slot.Status), nullString(slot.BicycleID), slot.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrSlotExists
		}
		created = slot
		return p.appendOutbox(ctx, tx, domain.Event{
			SlotID: slot.ID, StationID: slot.StationID, Type: domain.EventSlotCreated,
			To: slot.Status, BicycleID: slot.BicycleID, At: slot.UpdatedAt,
		})
	})
	return created, err
}

// Get loads a slot by id.
func (p *PostgresRepository) Get(ctx context.Context, id string) (domain.Slot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
	slot, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Slot{}, domain.ErrSlotNotFound
	}
	return slot, err
}

// ListByStation returns slots ordered by id. An empty station lists everything.
func (p *PostgresRepository) ListByStation(ctx context.Context, stationID string) ([]domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots`
	var args []any
	if stationID != "" {
		query += ` WHERE station_id = $1`
		args = append(args, stationID)
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select slots: %w", err)
	}
	defer rows.Close()
	var out []domain.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return out, nil
}

// Transition applies a conditional UPDATE guarded by the expected status. Moving out
// of LOCKED detaches the bicycle.
func (p *PostgresRepository) Transition(ctx context.Context, id string, from, to domain.Status, bicycleID *string, at time.Time) (domain.Slot, error) {
	var updated domain.Slot
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`UPDATE slots SET status = $3,
			   bicycle_id = CASE WHEN $3 = 'LOCKED' THEN COALESCE($4, bicycle_id) END,
			   updated_at = $5
			 WHERE id = $1 AND status = $2 RETURNING `+slotColumns,
			id, string(from), string(to), nullString(bicycleID), at)
		slot, err := scanSlot(row)
		if errors.Is(err, sql.ErrNoRows) {
			return p.missOrConflict(ctx, tx, id)
		}
		if err != nil {
			return err
		}
		updated = slot
		return p.appendOutbox(ctx, tx, domain.Event{
			SlotID: id, StationID: slot.StationID, Type: domain.EventSlotTransitions,
			From: from, To: to, BicycleID: slot.BicycleID, At: at,
		})
	})
	return updated, err
}

// Release unconditionally unlocks the slot and detaches its bicycle.
func (p *PostgresRepository) Release(ctx context.Context, id string, at time.Time) (domain.Slot, error) {
	var released domain.Slot
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var previous string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM slots WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrSlotNotFound
			}
			return fmt.Errorf("lock slot: %w", err)
		}
		row := tx.QueryRowContext(ctx,
			`UPDATE slots SET status = $2, bicycle_id = NULL, updated_at = $3 WHERE id = $1 RETURNING `+slotColumns,
			id, string(domain.StatusUnlocked), at)
		slot, err := scanSlot(row)
		if err != nil {
			return err
		}
		released = slot
		return p.appendOutbox(ctx, tx, domain.Event{
			SlotID: id, StationID: slot.StationID, Type: domain.EventSlotReleased,
			From: domain.Status(previous), To: domain.StatusUnlocked, At: at,
		})
	})
	return released, err
}

func (p *PostgresRepository) missOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check slot: %w", err)
	}
	if !exists {
		return domain.ErrSlotNotFound
	}
	return domain.ErrConflictingState
}

func (p *PostgresRepository) appendOutbox(ctx context.Context, tx *sql.Tx, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal slot event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, p.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (p *PostgresRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (domain.Slot, error) {
	var (
		slot      domain.Slot
		kind      string
		status    string
		bicycleID sql.NullString
	)
	if err := row.Scan(&slot.ID, &slot.StationID, &kind, &status, &bicycleID, &slot.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Slot{}, err
		}
		return domain.Slot{}, fmt.Errorf("scan slot: %w", err)
	}
	slot.Kind = domain.Kind(strings.TrimSpace(kind))
	slot.Status = domain.Status(status)
	if bicycleID.Valid {
		v := bicycleID.String
		slot.BicycleID = &v
	}
	slot.UpdatedAt = slot.UpdatedAt.UTC()
	return slot, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
