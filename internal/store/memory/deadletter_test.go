package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/store/memory"
)

func entry(key, queue string, attempts int, at time.Time) *deadletter.Entry {
	return &deadletter.Entry{
		Envelope: &envelope.Envelope{
			MessageID:    "msg-" + key,
			BusinessKey:  key,
			Payload:      []byte("body"),
			AttemptCount: attempts,
			OriginQueue:  queue,
		},
		FinalReason:    deadletter.ReasonMaxAttemptsExhausted,
		DeadLetteredAt: at,
	}
}

func TestDeadLetterStoreUpsertReplacesSameKey(t *testing.T) {
	ctx := context.Background()
	s := memory.NewDeadLetterStore()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Upsert(ctx, entry("pay-1", "payments.capture", 3, at)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Upsert(ctx, entry("pay-1", "payments.capture", 5, at.Add(time.Minute))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, upsert must not duplicate a key", count)
	}

	got, err := s.Get(ctx, "pay-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected entry")
	}
	if got.Envelope.AttemptCount != 5 {
		t.Fatalf("attempt count = %d, want the updated record", got.Envelope.AttemptCount)
	}
}

func TestDeadLetterStoreGetAbsent(t *testing.T) {
	s := memory.NewDeadLetterStore()
	got, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent key, got %+v", got)
	}
}

func TestDeadLetterStoreGetReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.NewDeadLetterStore()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Upsert(ctx, entry("pay-1", "payments.capture", 1, at)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, _ := s.Get(ctx, "pay-1")
	first.Envelope.Payload[0] = 'X'
	first.FinalReason = "mutated"

	second, _ := s.Get(ctx, "pay-1")
	if second.Envelope.Payload[0] == 'X' || second.FinalReason == "mutated" {
		t.Fatal("Get must return a copy, not the stored entry")
	}
}

func TestDeadLetterStoreListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := memory.NewDeadLetterStore()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	seed := []*deadletter.Entry{
		entry("pay-3", "payments.capture", 5, base.Add(3*time.Minute)),
		entry("pay-1", "payments.capture", 5, base.Add(1*time.Minute)),
		entry("pay-2", "payments.refund", 5, base.Add(2*time.Minute)),
		entry("pay-4", "payments.capture", 5, base.Add(4*time.Minute)),
	}
	for _, e := range seed {
		if err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := s.List(ctx, deadletter.ListOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].DeadLetteredAt.Before(all[i-1].DeadLetteredAt) {
			t.Fatalf("entries out of order at %d", i)
		}
	}

	captures, err := s.List(ctx, deadletter.ListOptions{Queue: "payments.capture"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(captures) != 3 {
		t.Fatalf("queue filter: len = %d, want 3", len(captures))
	}

	window, err := s.List(ctx, deadletter.ListOptions{
		Since: base.Add(2 * time.Minute),
		Until: base.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("time window: len = %d, want 2", len(window))
	}

	paged, err := s.List(ctx, deadletter.ListOptions{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paged) != 2 {
		t.Fatalf("paging: len = %d, want 2", len(paged))
	}
	if paged[0].Envelope.BusinessKey != "pay-2" || paged[1].Envelope.BusinessKey != "pay-3" {
		t.Fatalf("paging returned wrong slice: %s, %s",
			paged[0].Envelope.BusinessKey, paged[1].Envelope.BusinessKey)
	}

	past, err := s.List(ctx, deadletter.ListOptions{Offset: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(past) != 0 {
		t.Fatalf("offset beyond range: len = %d, want 0", len(past))
	}
}

func TestDeadLetterStoreRemove(t *testing.T) {
	ctx := context.Background()
	s := memory.NewDeadLetterStore()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Remove(ctx, "missing"); err != nil {
		t.Fatalf("removing an absent key must not fail: %v", err)
	}

	if err := s.Upsert(ctx, entry("pay-1", "payments.capture", 1, at)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Remove(ctx, "pay-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.Get(ctx, "pay-1")
	if got != nil {
		t.Fatalf("expected entry removed, got %+v", got)
	}
}
