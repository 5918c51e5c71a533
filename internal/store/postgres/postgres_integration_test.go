package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/idempotency"
	"github.com/example/delivery-core/internal/scheduler"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set (integration test)")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres not reachable: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func testEnvelope(key string) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:       uuid.NewString(),
		BusinessKey:     key,
		Payload:         []byte(`{"amount":100}`),
		AttemptCount:    5,
		OriginQueue:     "payments.capture",
		LastError:       "gateway timeout",
		FirstEnqueuedAt: time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond),
	}
}

func TestGuardCommitIsFirstWriteWins(t *testing.T) {
	pool := testPool(t)
	guard := NewGuard(pool)
	ctx := context.Background()
	key := "it-guard-" + uuid.NewString()

	adm, err := guard.TryBegin(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm != idempotency.Admitted {
		t.Fatalf("admission = %v, want admitted", adm)
	}

	if err := guard.Commit(ctx, key, "conf-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := guard.Commit(ctx, key, "conf-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	adm, err = guard.TryBegin(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm != idempotency.AlreadyCompleted {
		t.Fatalf("admission = %v, want already_completed", adm)
	}

	record, err := guard.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record == nil || record.ResultSummary != "conf-1" {
		t.Fatalf("second commit must not replace the record, got %+v", record)
	}
}

func TestGuardPurgeCompletedBefore(t *testing.T) {
	pool := testPool(t)
	guard := NewGuard(pool)
	ctx := context.Background()
	key := "it-purge-" + uuid.NewString()

	if err := guard.Commit(ctx, key, "conf"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := guard.PurgeCompletedBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	record, err := guard.Lookup(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record != nil {
		t.Fatalf("record survived the purge: %+v", record)
	}
}

func TestDeadLetterStoreUpsertGetListRemove(t *testing.T) {
	pool := testPool(t)
	store := NewDeadLetterStore(pool)
	ctx := context.Background()
	key := "it-dlq-" + uuid.NewString()
	t.Cleanup(func() { _ = store.Remove(ctx, key) })

	entry := &deadletter.Entry{
		Envelope:       testEnvelope(key),
		FinalReason:    "max_attempts_exhausted",
		DeadLetteredAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Upserting again must replace, not duplicate.
	entry.FinalReason = "permanent_failure"
	if err := store.Upsert(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.FinalReason != "permanent_failure" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.Envelope.LastError != "gateway timeout" {
		t.Fatalf("envelope did not round-trip: %+v", got.Envelope)
	}

	listed, err := store.List(ctx, deadletter.ListOptions{Queue: "payments.capture"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, e := range listed {
		if e.Envelope.BusinessKey == key {
			found = true
		}
	}
	if !found {
		t.Fatalf("upserted entry missing from list of %d entries", len(listed))
	}

	if err := store.Remove(ctx, key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("entry still present after remove: %+v", got)
	}
}

func TestScheduleStoreNeverReturnsEarly(t *testing.T) {
	pool := testPool(t)
	store := NewScheduleStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := &scheduler.Pending{
		ID:       uuid.NewString(),
		ReadyAt:  now.Add(-time.Second),
		Envelope: testEnvelope("it-sched-ready-" + uuid.NewString()),
	}
	future := &scheduler.Pending{
		ID:       uuid.NewString(),
		ReadyAt:  now.Add(time.Hour),
		Envelope: testEnvelope("it-sched-future-" + uuid.NewString()),
	}
	t.Cleanup(func() {
		_ = store.Remove(ctx, ready.ID)
		_ = store.Remove(ctx, future.ID)
	})

	if err := store.Add(ctx, ready); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Add(ctx, future); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	due, err := store.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range due {
		if p.ReadyAt.After(now) {
			t.Fatalf("entry %s returned %v early", p.ID, p.ReadyAt.Sub(now))
		}
		if p.ID == future.ID {
			t.Fatal("future entry must not be due")
		}
	}

	if err := store.Remove(ctx, ready.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	due, err = store.Due(ctx, now, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, p := range due {
		if p.ID == ready.ID {
			t.Fatal("removed entry still due")
		}
	}
}
