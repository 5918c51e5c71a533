// Package publisher layers the engine's publish contracts over the shared
// Kafka producer: envelope republishes for retries and redrives, dead-letter
// announcements, and lifecycle status events.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/dispatch"
	"github.com/example/delivery-core/internal/envelope"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the
// Kafka publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// EnvelopePublisher publishes envelopes to arbitrary topics through the
// shared producer. Retry metadata travels as record headers so it round-trips
// through any broker-native requeue; the payload is the record body and the
// business key is the record key, keeping retries of one key on one
// partition.
type EnvelopePublisher struct {
	producer SyncProducer
	logger   zerolog.Logger
}

// NewEnvelopePublisher constructs an EnvelopePublisher instance.
func NewEnvelopePublisher(prod SyncProducer, logger zerolog.Logger) *EnvelopePublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &EnvelopePublisher{
		producer: prod,
		logger:   logger,
	}
}

// PublishEnvelope writes the envelope to the destination topic synchronously.
func (p *EnvelopePublisher) PublishEnvelope(_ context.Context, destination string, env *envelope.Envelope) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if env == nil {
		return errors.New("kafka publisher: envelope is required")
	}
	if destination == "" {
		return errors.New("kafka publisher: destination topic is required")
	}

	key := []byte(env.BusinessKey)
	if err := p.producer.PublishSync(destination, key, env.Headers(), cloneBytes(env.Payload)); err != nil {
		return fmt.Errorf("kafka publisher: publish envelope: %w", err)
	}
	return nil
}

// DeadLetterPublisher writes dead-letter entries to the configured topic as
// JSON, keyed by business key so the entry stream is queryable per key.
type DeadLetterPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewDeadLetterPublisher constructs a DeadLetterPublisher instance.
func NewDeadLetterPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *DeadLetterPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DeadLetterPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishDeadLetter writes the supplied entry to Kafka synchronously.
func (p *DeadLetterPublisher) PublishDeadLetter(_ context.Context, entry *deadletter.Entry) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if entry == nil || entry.Envelope == nil {
		return errors.New("kafka publisher: dead-letter entry requires an envelope")
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal dead-letter entry: %w", err)
	}

	key := []byte(entry.Envelope.BusinessKey)
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	if err := p.producer.PublishSync(p.topic, key, headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish dead-letter entry: %w", err)
	}
	return nil
}

// StatusPublisher emits lifecycle status events to a Kafka topic using the
// shared producer.
type StatusPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewStatusPublisher constructs a StatusPublisher instance.
func NewStatusPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *StatusPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &StatusPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishStatus writes the supplied status event to Kafka synchronously.
func (p *StatusPublisher) PublishStatus(_ context.Context, event dispatch.StatusEvent) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal status event: %w", err)
	}

	key := []byte(event.BusinessKey)
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
	}

	if err := p.producer.PublishSync(p.topic, key, headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish status event: %w", err)
	}
	return nil
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
