package rabbit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/dispatch"
	"github.com/example/delivery-core/internal/envelope"
)

const defaultPrefetch = 50

// Dispatcher is the slice of the dispatch contract the consumer drives.
type Dispatcher interface {
	HandleAsync(ctx context.Context, env *envelope.Envelope, ack dispatch.Ack) error
}

// Consumer reads the main queue with manual acks and feeds deliveries to the
// dispatcher. Prefetch bounds the unacknowledged deliveries outstanding at
// once, which is the transport half of the engine's backpressure.
type Consumer struct {
	ch          *amqp.Channel
	queue       string
	prefetch    int
	dispatcher  Dispatcher
	deadLetters dispatch.DeadLetterer
	logger      zerolog.Logger
}

// NewConsumer builds a consumer for the given queue. The caller owns the
// channel lifecycle. A prefetch of zero means the package default.
func NewConsumer(ch *amqp.Channel, queue string, prefetch int, d Dispatcher, deadLetters dispatch.DeadLetterer, logger zerolog.Logger) (*Consumer, error) {
	if ch == nil {
		return nil, errors.New("rabbit: channel is required")
	}
	if queue == "" {
		return nil, errors.New("rabbit: queue name is required")
	}
	if d == nil {
		return nil, errors.New("rabbit: dispatcher is required")
	}
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Consumer{
		ch:          ch,
		queue:       queue,
		prefetch:    prefetch,
		dispatcher:  d,
		deadLetters: deadLetters,
		logger:      logger.With().Str("component", "rabbit_consumer").Logger(),
	}, nil
}

// Consume blocks, delivering messages to the dispatcher until the context
// ends or the channel closes. Deliveries are acked only through the
// dispatcher's ack binding; a delivery left unacked returns to the queue
// when the channel closes.
func (c *Consumer) Consume(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbit: set prefetch: %w", err)
	}

	deliveries, err := c.ch.ConsumeWithContext(
		ctx,
		c.queue,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("rabbit: consume %s: %w", c.queue, err)
	}

	c.logger.Info().Str("queue", c.queue).Int("prefetch", c.prefetch).Msg("rabbit consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbit: delivery channel closed")
			}
			if err := c.handle(ctx, delivery); err != nil {
				c.logger.Error().Err(err).
					Uint64("delivery_tag", delivery.DeliveryTag).
					Msg("delivery failed without a durable outcome, left unacked")
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) error {
	ack := func(context.Context) error {
		return delivery.Ack(false)
	}

	env, err := envelope.FromHeaders([]byte(delivery.MessageId), delivery.Body, fromTable(delivery.Headers))
	if err != nil {
		c.logger.Warn().Err(err).Msg("delivery failed to decode, dead-lettering")
		return c.parkUndecodable(ctx, delivery, err, ack)
	}
	if env.OriginQueue == "" {
		env.OriginQueue = c.queue
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.FirstEnqueuedAt.IsZero() && !delivery.Timestamp.IsZero() {
		env.FirstEnqueuedAt = delivery.Timestamp.UTC()
	}

	return c.dispatcher.HandleAsync(ctx, env, ack)
}

func (c *Consumer) parkUndecodable(ctx context.Context, delivery amqp.Delivery, cause error, ack dispatch.Ack) error {
	if c.deadLetters == nil {
		return cause
	}

	key := delivery.MessageId
	if key == "" {
		key = uuid.NewString()
	}

	env := &envelope.Envelope{
		MessageID:       uuid.NewString(),
		BusinessKey:     key,
		Payload:         delivery.Body,
		OriginQueue:     c.queue,
		LastError:       cause.Error(),
		FirstEnqueuedAt: time.Now().UTC(),
		LastAttemptAt:   time.Now().UTC(),
	}

	if err := c.deadLetters.DeadLetter(ctx, env, deadletter.ReasonDecodeFailed); err != nil {
		return err
	}
	return ack(ctx)
}
