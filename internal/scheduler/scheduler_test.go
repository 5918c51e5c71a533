package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/delivery-core/internal/backoff"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/scheduler"
)

type stubStore struct {
	mu      sync.Mutex
	items   map[string]*scheduler.Pending
	addErr  error
	dueErr  error
	removed []string
}

func newStubStore() *stubStore {
	return &stubStore{items: map[string]*scheduler.Pending{}}
}

func (s *stubStore) Add(_ context.Context, p *scheduler.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.items[p.ID] = p
	return nil
}

func (s *stubStore) Due(_ context.Context, now time.Time, limit int) ([]*scheduler.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var due []*scheduler.Pending
	for _, p := range s.items {
		if !p.ReadyAt.After(now) {
			due = append(due, p)
			if limit > 0 && len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (s *stubStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubStore) Size(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

type stubPublisher struct {
	mu        sync.Mutex
	published []publishCall
	err       error
}

type publishCall struct {
	destination string
	env         *envelope.Envelope
}

func (p *stubPublisher) PublishEnvelope(_ context.Context, destination string, env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishCall{destination: destination, env: env})
	return nil
}

func (p *stubPublisher) calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishCall, len(p.published))
	copy(out, p.published)
	return out
}

func failedEnvelope(attempts int) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:    "msg-1",
		BusinessKey:  "pay-1",
		Payload:      []byte("body"),
		AttemptCount: attempts,
		OriginQueue:  "payments.capture",
		LastError:    "gateway timeout",
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{Publisher: &stubPublisher{}}); err == nil {
		t.Fatal("expected error when store is missing")
	}
	if _, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{Store: newStubStore()}); err == nil {
		t.Fatal("expected error when publisher is missing")
	}
}

func TestScheduleParksEnvelopeUntilDelayElapses(t *testing.T) {
	store := newStubStore()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{
		Store:     store,
		Publisher: &stubPublisher{},
		Strategy:  backoff.NewExponential(time.Second, 2, time.Minute),
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := failedEnvelope(3)
	delay, err := s.Schedule(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delay != 4*time.Second {
		t.Fatalf("delay = %v, want %v", delay, 4*time.Second)
	}

	if len(store.items) != 1 {
		t.Fatalf("expected one pending entry, got %d", len(store.items))
	}
	for _, p := range store.items {
		if !p.ReadyAt.Equal(now.Add(4 * time.Second)) {
			t.Errorf("ready at = %v, want %v", p.ReadyAt, now.Add(4*time.Second))
		}
		if p.Reason != "gateway timeout" {
			t.Errorf("reason = %q, want %q", p.Reason, "gateway timeout")
		}
		if p.ID == "" {
			t.Error("pending id must be assigned")
		}

		// The stored envelope must be isolated from the caller's copy.
		env.Payload[0] = 'X'
		if p.Envelope.Payload[0] == 'X' {
			t.Error("pending entry shares the payload slice with the caller")
		}
	}
}

func TestScheduleSurfacesStoreFailure(t *testing.T) {
	store := newStubStore()
	store.addErr = errors.New("disk full")

	s, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{
		Store:     store,
		Publisher: &stubPublisher{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Schedule(context.Background(), failedEnvelope(1)); err == nil {
		t.Fatal("expected error when the store rejects the entry")
	}
}

func TestPumpOnceRepublishesDueEntriesToOriginQueue(t *testing.T) {
	store := newStubStore()
	pub := &stubPublisher{}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	s, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{
		Store:     store,
		Publisher: pub,
		Strategy:  backoff.NewConstant(time.Second),
		Now:       func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Schedule(context.Background(), failedEnvelope(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Nothing is due yet.
	n, err := s.PumpOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 || len(pub.calls()) != 0 {
		t.Fatalf("expected no republish before the delay elapses, got %d", n)
	}

	// Advance past the delay.
	later := now.Add(2 * time.Second)
	clock = &later

	n, err = s.PumpOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one republish, got %d", n)
	}

	calls := pub.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one publish call, got %d", len(calls))
	}
	if calls[0].destination != "payments.capture" {
		t.Errorf("destination = %q, want origin queue", calls[0].destination)
	}
	if calls[0].env.BusinessKey != "pay-1" {
		t.Errorf("business key = %q, want pay-1", calls[0].env.BusinessKey)
	}
	if len(store.items) != 0 {
		t.Errorf("expected entry removed after publish, %d left", len(store.items))
	}
}

func TestPumpOnceKeepsEntryWhenPublishFails(t *testing.T) {
	store := newStubStore()
	pub := &stubPublisher{err: errors.New("broker unavailable")}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := scheduler.New(scheduler.Config{}, scheduler.Dependencies{
		Store:     store,
		Publisher: pub,
		Strategy:  backoff.NewConstant(0),
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Schedule(context.Background(), failedEnvelope(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := s.PumpOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no successful republish, got %d", n)
	}
	if len(store.items) != 1 {
		t.Fatalf("entry must stay parked for the next pass, %d left", len(store.items))
	}
	if len(store.removed) != 0 {
		t.Fatalf("entry must not be removed after a failed publish")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, err := scheduler.New(scheduler.Config{PollInterval: 10 * time.Millisecond}, scheduler.Dependencies{
		Store:     newStubStore(),
		Publisher: &stubPublisher{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}
