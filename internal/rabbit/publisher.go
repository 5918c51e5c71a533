package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/backoff"
	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/metrics"
)

// Publisher publishes envelopes and dead-letter entries through one AMQP
// channel in confirm mode. Deliveries are persistent and every publish waits
// for the broker's confirm, so a nil error means the write is durable.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp.Channel
	logger zerolog.Logger
}

// NewPublisher puts the channel into confirm mode and wraps it. The caller
// owns the channel lifecycle.
func NewPublisher(ch *amqp.Channel, logger zerolog.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("rabbit: channel is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("rabbit: enable confirm mode: %w", err)
	}
	return &Publisher{
		ch:     ch,
		logger: logger.With().Str("component", "rabbit_publisher").Logger(),
	}, nil
}

// PublishEnvelope writes the envelope to the destination queue through the
// default exchange. Retry metadata travels in the headers table and the
// business key doubles as the AMQP message id.
func (p *Publisher) PublishEnvelope(ctx context.Context, destination string, env *envelope.Envelope) error {
	if env == nil {
		return errors.New("rabbit: envelope is required")
	}
	if destination == "" {
		return errors.New("rabbit: destination queue is required")
	}

	return p.publish(ctx, destination, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.BusinessKey,
		Headers:      toTable(env.Headers()),
		Body:         env.Payload,
	})
}

// PublishDeadLetter writes the entry to the dead-letter queue as JSON.
func (p *Publisher) PublishDeadLetter(ctx context.Context, queue string, entry *deadletter.Entry) error {
	if entry == nil || entry.Envelope == nil {
		return errors.New("rabbit: dead-letter entry requires an envelope")
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("rabbit: marshal dead-letter entry: %w", err)
	}

	return p.publish(ctx, queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    entry.Envelope.BusinessKey,
		Body:         body,
	})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"", // default exchange routes by queue name
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbit: publish to %s: %w", routingKey, err)
	}
	return waitConfirm(ctx, dc)
}

// BoundDeadLetterPublisher adapts the Publisher to the dead-letter router's
// contract by fixing the destination queue.
type BoundDeadLetterPublisher struct {
	publisher *Publisher
	queue     string
}

// NewBoundDeadLetterPublisher binds the publisher to the dead-letter queue.
func NewBoundDeadLetterPublisher(p *Publisher, queue string) *BoundDeadLetterPublisher {
	return &BoundDeadLetterPublisher{publisher: p, queue: queue}
}

// PublishDeadLetter publishes the entry to the bound queue.
func (b *BoundDeadLetterPublisher) PublishDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	return b.publisher.PublishDeadLetter(ctx, b.queue, entry)
}

// DelayPublisher is the broker-native redelivery strategy: instead of
// parking failed envelopes in a schedule store, it publishes them to the
// wait queue with a per-message TTL whose expiry dead-letters them back to
// the main queue. The broker owns durability and the delay clock, so a
// crashed worker loses nothing.
//
// The wait queue only expires messages at its head: a long delay queued
// before a short one holds the short one back. Delays are monotonic in the
// attempt number here, so ordering inversions stay rare and late delivery
// never violates the backoff contract (it is a lower bound).
type DelayPublisher struct {
	publisher *Publisher
	waitQueue string
	strategy  backoff.Strategy
	metrics   metrics.Sink
	logger    zerolog.Logger
}

// NewDelayPublisher builds the delay strategy over the given publisher.
// Strategy defaults to the package default backoff.
func NewDelayPublisher(p *Publisher, waitQueue string, strategy backoff.Strategy, sink metrics.Sink, logger zerolog.Logger) (*DelayPublisher, error) {
	if p == nil {
		return nil, errors.New("rabbit: publisher is required")
	}
	if waitQueue == "" {
		return nil, errors.New("rabbit: wait queue name is required")
	}
	if strategy == nil {
		strategy = backoff.Default()
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &DelayPublisher{
		publisher: p,
		waitQueue: waitQueue,
		strategy:  strategy,
		metrics:   metrics.OrNop(sink),
		logger:    logger.With().Str("component", "rabbit_delay").Logger(),
	}, nil
}

// Schedule publishes the envelope to the wait queue with its backoff delay
// as the message TTL and returns the delay. A nil error means the broker
// holds the redelivery durably; the caller may acknowledge the original
// delivery.
func (d *DelayPublisher) Schedule(ctx context.Context, env *envelope.Envelope) (time.Duration, error) {
	if env == nil {
		return 0, errors.New("rabbit: nil envelope")
	}
	if err := env.Validate(); err != nil {
		return 0, fmt.Errorf("rabbit: %w", err)
	}

	delay := d.strategy.Delay(env.AttemptCount)

	err := d.publisher.publish(ctx, d.waitQueue, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.BusinessKey,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      toTable(env.Headers()),
		Body:         env.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("rabbit: schedule redelivery: %w", err)
	}

	d.metrics.RetryScheduled(delay)
	d.logger.Info().
		Str("business_key", env.BusinessKey).
		Int("attempts", env.AttemptCount).
		Dur("delay", delay).
		Msg("redelivery parked on wait queue")

	return delay, nil
}
