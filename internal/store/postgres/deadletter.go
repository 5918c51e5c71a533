package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
)

// DeadLetterStore persists dead-letter entries as rows keyed by business key
// with the envelope as JSONB. The ON CONFLICT upsert is what makes
// re-dead-lettering after a crash idempotent.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore builds a store on the given pool. The caller owns the
// pool lifecycle.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Upsert stores the entry, replacing any existing row for the same business
// key.
func (s *DeadLetterStore) Upsert(ctx context.Context, entry *deadletter.Entry) error {
	if entry == nil || entry.Envelope == nil {
		return errors.New("postgres: dead-letter entry requires an envelope")
	}
	payload, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("postgres: marshal envelope: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO delivery_dead_letters (business_key, origin_queue, final_reason, dead_lettered_at, envelope)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (business_key) DO UPDATE SET
			origin_queue     = EXCLUDED.origin_queue,
			final_reason     = EXCLUDED.final_reason,
			dead_lettered_at = EXCLUDED.dead_lettered_at,
			envelope         = EXCLUDED.envelope`,
		entry.Envelope.BusinessKey,
		entry.Envelope.OriginQueue,
		entry.FinalReason,
		entry.DeadLetteredAt.UTC(),
		payload,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert dead-letter entry: %w", err)
	}
	return nil
}

// Get returns the entry for the key, or nil when absent.
func (s *DeadLetterStore) Get(ctx context.Context, businessKey string) (*deadletter.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT final_reason, dead_lettered_at, envelope
		FROM delivery_dead_letters
		WHERE business_key = $1`,
		businessKey,
	)
	entry, err := scanDeadLetter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load dead-letter entry: %w", err)
	}
	return entry, nil
}

// List returns matching entries ordered by DeadLetteredAt ascending.
func (s *DeadLetterStore) List(ctx context.Context, opts deadletter.ListOptions) ([]*deadletter.Entry, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Queue != "" {
		conds = append(conds, "origin_queue = "+arg(opts.Queue))
	}
	if !opts.Since.IsZero() {
		conds = append(conds, "dead_lettered_at >= "+arg(opts.Since.UTC()))
	}
	if !opts.Until.IsZero() {
		conds = append(conds, "dead_lettered_at <= "+arg(opts.Until.UTC()))
	}

	query := `SELECT final_reason, dead_lettered_at, envelope FROM delivery_dead_letters`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY dead_lettered_at ASC"
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead-letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*deadletter.Entry
	for rows.Next() {
		entry, scanErr := scanDeadLetter(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("postgres: scan dead-letter entry: %w", scanErr)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dead-letter entries: %w", err)
	}
	return entries, nil
}

// Remove deletes the entry for the key. Removing an absent key is a no-op.
func (s *DeadLetterStore) Remove(ctx context.Context, businessKey string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM delivery_dead_letters WHERE business_key = $1`,
		businessKey,
	); err != nil {
		return fmt.Errorf("postgres: remove dead-letter entry: %w", err)
	}
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM delivery_dead_letters`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count dead-letter entries: %w", err)
	}
	return n, nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.Entry, error) {
	var (
		entry   deadletter.Entry
		at      time.Time
		payload []byte
	)
	if err := row.Scan(&entry.FinalReason, &at, &payload); err != nil {
		return nil, err
	}
	entry.DeadLetteredAt = at.UTC()

	var env envelope.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	entry.Envelope = &env
	return &entry, nil
}

var _ deadletter.Store = (*DeadLetterStore)(nil)
