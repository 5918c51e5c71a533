package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/scheduler"
)

// ScheduleStore persists pending redeliveries as rows indexed by ready_at.
// Due claims rows with FOR UPDATE SKIP LOCKED so a second pump sharing the
// table never hands out the same entry twice within one pass.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore builds a store on the given pool. The caller owns the
// pool lifecycle.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

// Add parks the pending entry until its ReadyAt instant.
func (s *ScheduleStore) Add(ctx context.Context, p *scheduler.Pending) error {
	if p == nil || p.ID == "" {
		return errors.New("postgres: pending entry requires an id")
	}
	payload, err := json.Marshal(p.Envelope)
	if err != nil {
		return fmt.Errorf("postgres: marshal envelope: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO delivery_schedule (id, ready_at, reason, envelope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.ReadyAt.UTC(), p.Reason, payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: add pending entry: %w", err)
	}
	return nil
}

// Due returns entries whose ReadyAt is at or before now, oldest first, up to
// limit. Entries stay in the schedule until Remove confirms their republish.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time, limit int) ([]*scheduler.Pending, error) {
	query := `
		SELECT id, ready_at, reason, envelope
		FROM delivery_schedule
		WHERE ready_at <= $1
		ORDER BY ready_at ASC
		FOR UPDATE SKIP LOCKED`
	args := []any{now.UTC()}
	if limit > 0 {
		query = `
		SELECT id, ready_at, reason, envelope
		FROM delivery_schedule
		WHERE ready_at <= $1
		ORDER BY ready_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query due entries: %w", err)
	}
	defer rows.Close()

	var due []*scheduler.Pending
	for rows.Next() {
		var (
			p       scheduler.Pending
			readyAt time.Time
			payload []byte
		)
		if err := rows.Scan(&p.ID, &readyAt, &p.Reason, &payload); err != nil {
			return nil, fmt.Errorf("postgres: scan pending entry: %w", err)
		}
		p.ReadyAt = readyAt.UTC()

		var env envelope.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("postgres: decode envelope: %w", err)
		}
		p.Envelope = &env
		due = append(due, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query due entries: %w", err)
	}
	return due, nil
}

// Remove deletes the entry by id. Removing an unknown id is a no-op.
func (s *ScheduleStore) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM delivery_schedule WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("postgres: remove pending entry: %w", err)
	}
	return nil
}

// Size returns the number of parked entries.
func (s *ScheduleStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_schedule`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count pending entries: %w", err)
	}
	return n, nil
}

var _ scheduler.Store = (*ScheduleStore)(nil)
