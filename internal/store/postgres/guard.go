package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/delivery-core/internal/idempotency"
)

// Guard is a Postgres-backed idempotency guard. Commit inserts with
// ON CONFLICT DO NOTHING so the first completion wins; rows are removed by
// PurgeCompletedBefore, keeping retention an operational sweep rather than a
// per-query filter.
type Guard struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewGuard builds a Guard on the given pool. The caller owns the pool
// lifecycle.
func NewGuard(pool *pgxpool.Pool) *Guard {
	return &Guard{pool: pool, now: time.Now}
}

// TryBegin admits the key unless a completion row exists.
func (g *Guard) TryBegin(ctx context.Context, businessKey string) (idempotency.Admission, error) {
	var completed bool
	err := g.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM delivery_completions WHERE business_key = $1)`,
		businessKey,
	).Scan(&completed)
	if err != nil {
		return idempotency.Admitted, fmt.Errorf("postgres: check completion: %w", err)
	}
	if completed {
		return idempotency.AlreadyCompleted, nil
	}
	return idempotency.Admitted, nil
}

// Commit records the completion. The conflict clause keeps the first record
// when two deliveries race to commit the same key.
func (g *Guard) Commit(ctx context.Context, businessKey, summary string) error {
	_, err := g.pool.Exec(ctx, `
		INSERT INTO delivery_completions (business_key, result_summary, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (business_key) DO NOTHING`,
		businessKey, summary, g.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("postgres: store completion record: %w", err)
	}
	return nil
}

// Lookup returns the completion record, or nil when the key never completed.
func (g *Guard) Lookup(ctx context.Context, businessKey string) (*idempotency.Record, error) {
	var record idempotency.Record
	err := g.pool.QueryRow(ctx, `
		SELECT business_key, result_summary, completed_at
		FROM delivery_completions
		WHERE business_key = $1`,
		businessKey,
	).Scan(&record.BusinessKey, &record.ResultSummary, &record.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load completion record: %w", err)
	}
	return &record, nil
}

// PurgeCompletedBefore removes completion records older than the cutoff and
// returns how many were removed. Duplicate suppression is only guaranteed for
// keys completed after the cutoff.
func (g *Guard) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := g.pool.Exec(ctx,
		`DELETE FROM delivery_completions WHERE completed_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge completion records: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ idempotency.Guard = (*Guard)(nil)
