package deadletter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
)

type stubStore struct {
	mu        sync.Mutex
	entries   []*deadletter.Entry
	upsertErr error
	calls     *[]string
}

func (s *stubStore) Upsert(_ context.Context, entry *deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != nil {
		*s.calls = append(*s.calls, "upsert")
	}
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubStore) Get(context.Context, string) (*deadletter.Entry, error) { return nil, nil }
func (s *stubStore) List(context.Context, deadletter.ListOptions) ([]*deadletter.Entry, error) {
	return nil, nil
}
func (s *stubStore) Remove(context.Context, string) error { return nil }
func (s *stubStore) Count(context.Context) (int, error)   { return 0, nil }

type stubPublisher struct {
	mu        sync.Mutex
	published []*deadletter.Entry
	err       error
	calls     *[]string
}

func (p *stubPublisher) PublishDeadLetter(_ context.Context, entry *deadletter.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls != nil {
		*p.calls = append(*p.calls, "publish")
	}
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, entry)
	return nil
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:    "msg-1",
		BusinessKey:  "pay-1",
		Payload:      []byte("body"),
		AttemptCount: 5,
		OriginQueue:  "payments.capture",
		LastError:    "gateway timeout",
	}
}

func TestNewRouterRequiresStore(t *testing.T) {
	if _, err := deadletter.NewRouter(deadletter.Dependencies{}); err == nil {
		t.Fatal("expected error when store is missing")
	}
}

func TestDeadLetterPersistsThenPublishes(t *testing.T) {
	var calls []string
	store := &stubStore{calls: &calls}
	pub := &stubPublisher{calls: &calls}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	router, err := deadletter.NewRouter(deadletter.Dependencies{
		Store:     store,
		Publisher: pub,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := testEnvelope()
	if err := router.DeadLetter(context.Background(), env, deadletter.ReasonMaxAttemptsExhausted); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(calls) != 2 || calls[0] != "upsert" || calls[1] != "publish" {
		t.Fatalf("expected upsert before publish, got %v", calls)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(store.entries))
	}

	entry := store.entries[0]
	if entry.FinalReason != deadletter.ReasonMaxAttemptsExhausted {
		t.Errorf("final reason = %q, want %q", entry.FinalReason, deadletter.ReasonMaxAttemptsExhausted)
	}
	if !entry.DeadLetteredAt.Equal(now) {
		t.Errorf("dead-lettered at = %v, want %v", entry.DeadLetteredAt, now)
	}
	if entry.Envelope.BusinessKey != "pay-1" || entry.Envelope.AttemptCount != 5 {
		t.Errorf("entry envelope not carried over: %+v", entry.Envelope)
	}

	// The stored envelope must be isolated from the caller's copy.
	env.Payload[0] = 'X'
	if entry.Envelope.Payload[0] == 'X' {
		t.Error("stored entry shares the payload slice with the caller")
	}
}

func TestDeadLetterStoreFailureSkipsPublish(t *testing.T) {
	var calls []string
	store := &stubStore{calls: &calls, upsertErr: errors.New("disk full")}
	pub := &stubPublisher{calls: &calls}

	router, err := deadletter.NewRouter(deadletter.Dependencies{Store: store, Publisher: pub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := router.DeadLetter(context.Background(), testEnvelope(), deadletter.ReasonPermanentFailure); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	if len(calls) != 1 || calls[0] != "upsert" {
		t.Fatalf("publish must not run after a failed upsert, calls: %v", calls)
	}
}

func TestDeadLetterPublishFailureSurfaces(t *testing.T) {
	store := &stubStore{}
	pub := &stubPublisher{err: errors.New("broker unavailable")}

	router, err := deadletter.NewRouter(deadletter.Dependencies{Store: store, Publisher: pub})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = router.DeadLetter(context.Background(), testEnvelope(), deadletter.ReasonPermanentFailure)
	if err == nil {
		t.Fatal("expected error when publish fails")
	}
	// The entry stays persisted; redelivery will upsert it again.
	if len(store.entries) != 1 {
		t.Fatalf("expected entry to remain persisted, got %d", len(store.entries))
	}
}

func TestDeadLetterWithoutPublisherPersistsOnly(t *testing.T) {
	store := &stubStore{}

	router, err := deadletter.NewRouter(deadletter.Dependencies{Store: store})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := router.DeadLetter(context.Background(), testEnvelope(), deadletter.ReasonValidationFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(store.entries))
	}
}

func TestDeadLetterRejectsNilEnvelope(t *testing.T) {
	router, err := deadletter.NewRouter(deadletter.Dependencies{Store: &stubStore{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := router.DeadLetter(context.Background(), nil, deadletter.ReasonPermanentFailure); err == nil {
		t.Fatal("expected error for nil envelope")
	}
}
