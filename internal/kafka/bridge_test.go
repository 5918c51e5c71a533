package kafka_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/dispatch"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/kafka"
	"github.com/example/delivery-core/internal/kafka/consumer"
)

type stubDispatcher struct {
	envs []*envelope.Envelope
	acks []dispatch.Ack
	err  error
}

func (d *stubDispatcher) HandleAsync(_ context.Context, env *envelope.Envelope, ack dispatch.Ack) error {
	d.envs = append(d.envs, env)
	d.acks = append(d.acks, ack)
	return d.err
}

type stubAcker struct {
	acked []*consumer.Record
	err   error
}

func (a *stubAcker) Ack(_ context.Context, record *consumer.Record) error {
	if a.err != nil {
		return a.err
	}
	a.acked = append(a.acked, record)
	return nil
}

type stubDeadLetterer struct {
	envs    []*envelope.Envelope
	reasons []string
	err     error
}

func (s *stubDeadLetterer) DeadLetter(_ context.Context, env *envelope.Envelope, reason string) error {
	if s.err != nil {
		return s.err
	}
	s.envs = append(s.envs, env)
	s.reasons = append(s.reasons, reason)
	return nil
}

func validRecord(t *testing.T) *consumer.Record {
	t.Helper()
	env := &envelope.Envelope{
		MessageID:    "msg-1",
		BusinessKey:  "pay-1",
		Payload:      []byte(`{"payment_id":"pay-1"}`),
		AttemptCount: 1,
		OriginQueue:  "payments.capture",
	}
	return &consumer.Record{
		Topic:     "payments.capture",
		Partition: 0,
		Offset:    42,
		Key:       []byte(env.BusinessKey),
		Value:     env.Payload,
		Timestamp: time.Now(),
		Headers:   env.Headers(),
	}
}

func TestHandlerDecodesRecordAndDispatches(t *testing.T) {
	disp := &stubDispatcher{}
	handler := kafka.Handler(disp, &stubAcker{}, &stubDeadLetterer{}, zerolog.Nop())

	if err := handler(context.Background(), validRecord(t)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(disp.envs) != 1 {
		t.Fatalf("dispatched %d envelopes, want 1", len(disp.envs))
	}

	env := disp.envs[0]
	if env.MessageID != "msg-1" {
		t.Errorf("MessageID = %q, want msg-1", env.MessageID)
	}
	if env.BusinessKey != "pay-1" {
		t.Errorf("BusinessKey = %q, want pay-1", env.BusinessKey)
	}
	if env.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", env.AttemptCount)
	}
}

func TestHandlerFillsMissingMetadataFromRecord(t *testing.T) {
	disp := &stubDispatcher{}
	handler := kafka.Handler(disp, &stubAcker{}, &stubDeadLetterer{}, zerolog.Nop())

	enqueued := time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)
	rec := &consumer.Record{
		Topic:     "payments.capture",
		Key:       []byte("pay-2"),
		Value:     []byte(`{"payment_id":"pay-2"}`),
		Timestamp: enqueued,
		// A first publish from a plain producer carries no headers beyond
		// the key and body.
		Headers: map[string][]byte{},
	}

	if err := handler(context.Background(), rec); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(disp.envs) != 1 {
		t.Fatalf("dispatched %d envelopes, want 1", len(disp.envs))
	}

	env := disp.envs[0]
	if env.OriginQueue != "payments.capture" {
		t.Errorf("OriginQueue = %q, want consumed topic", env.OriginQueue)
	}
	if env.MessageID == "" {
		t.Error("MessageID not assigned")
	}
	if !env.FirstEnqueuedAt.Equal(enqueued) {
		t.Errorf("FirstEnqueuedAt = %v, want record timestamp %v", env.FirstEnqueuedAt, enqueued)
	}
}

func TestHandlerParksUndecodableRecordAndAcks(t *testing.T) {
	disp := &stubDispatcher{}
	acker := &stubAcker{}
	dlq := &stubDeadLetterer{}
	handler := kafka.Handler(disp, acker, dlq, zerolog.Nop())

	rec := &consumer.Record{
		Topic: "payments.capture",
		Value: []byte("payload"),
		// Missing key: the codec cannot build a business identity.
		Headers:   map[string][]byte{"retry-count": []byte("not-a-number")},
		Timestamp: time.Now(),
	}

	if err := handler(context.Background(), rec); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(disp.envs) != 0 {
		t.Errorf("dispatched %d envelopes, want none", len(disp.envs))
	}
	if len(dlq.envs) != 1 {
		t.Fatalf("dead-lettered %d envelopes, want 1", len(dlq.envs))
	}
	if dlq.reasons[0] != "decode_failed" {
		t.Errorf("reason = %q, want decode_failed", dlq.reasons[0])
	}
	if dlq.envs[0].BusinessKey == "" {
		t.Error("parked envelope has no business key")
	}
	if len(acker.acked) != 1 {
		t.Errorf("acked %d records, want 1 after durable park", len(acker.acked))
	}
}

func TestHandlerLeavesRecordUnackedWhenParkFails(t *testing.T) {
	parkErr := errors.New("store unavailable")
	acker := &stubAcker{}
	handler := kafka.Handler(&stubDispatcher{}, acker, &stubDeadLetterer{err: parkErr}, zerolog.Nop())

	rec := &consumer.Record{
		Topic:     "payments.capture",
		Value:     []byte("payload"),
		Headers:   map[string][]byte{"retry-count": []byte("not-a-number")},
		Timestamp: time.Now(),
	}

	if err := handler(context.Background(), rec); !errors.Is(err, parkErr) {
		t.Fatalf("handler error = %v, want %v", err, parkErr)
	}
	if len(acker.acked) != 0 {
		t.Error("record acked although the dead-letter write failed")
	}
}
