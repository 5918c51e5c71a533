// Package kafka binds the Kafka transport to the dispatcher: consumed
// records become envelopes, the per-record offset commit becomes the
// dispatcher's ack.
package kafka

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/dispatch"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/kafka/consumer"
)

// Dispatcher is the slice of the dispatch contract the bridge drives.
type Dispatcher interface {
	HandleAsync(ctx context.Context, env *envelope.Envelope, ack dispatch.Ack) error
}

// Acker commits a consumed record. *consumer.Consumer satisfies it.
type Acker interface {
	Ack(ctx context.Context, record *consumer.Record) error
}

// Handler returns a consumer.Handler that decodes records into envelopes and
// hands them to the dispatcher with the record's offset commit bound as the
// ack. Records that cannot be decoded are parked in the dead-letter store
// and acked: they will never decode on redelivery either, and looping on
// them would stall the partition.
func Handler(d Dispatcher, cons Acker, deadLetters dispatch.DeadLetterer, logger zerolog.Logger) consumer.Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "kafka_bridge").Logger()

	return func(ctx context.Context, rec *consumer.Record) error {
		if d == nil || rec == nil {
			return nil
		}

		ack := func(c context.Context) error {
			return cons.Ack(c, rec)
		}

		env, err := envelope.FromHeaders(rec.Key, rec.Value, rec.Headers)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("topic", rec.Topic).
				Int32("partition", rec.Partition).
				Int64("offset", rec.Offset).
				Msg("record failed to decode, dead-lettering")
			return parkUndecodable(ctx, rec, err, deadLetters, ack)
		}
		if env.OriginQueue == "" {
			// First publishes may omit the header; the consumed topic is by
			// definition where the message was published.
			env.OriginQueue = rec.Topic
		}
		if env.MessageID == "" {
			env.MessageID = uuid.NewString()
		}
		if env.FirstEnqueuedAt.IsZero() {
			env.FirstEnqueuedAt = rec.Timestamp.UTC()
		}

		return d.HandleAsync(ctx, env, ack)
	}
}

// parkUndecodable dead-letters a record whose headers or key are beyond
// repair and acks it after the entry is durable. The synthetic business key
// keeps the entry addressable for operators.
func parkUndecodable(ctx context.Context, rec *consumer.Record, cause error, deadLetters dispatch.DeadLetterer, ack dispatch.Ack) error {
	if deadLetters == nil {
		return cause
	}

	key := string(rec.Key)
	if key == "" {
		key = uuid.NewString()
	}

	env := &envelope.Envelope{
		MessageID:       uuid.NewString(),
		BusinessKey:     key,
		Payload:         rec.Value,
		OriginQueue:     rec.Topic,
		LastError:       cause.Error(),
		FirstEnqueuedAt: rec.Timestamp.UTC(),
		LastAttemptAt:   time.Now().UTC(),
	}

	if err := deadLetters.DeadLetter(ctx, env, deadletter.ReasonDecodeFailed); err != nil {
		// Leave the record unacked; the broker redelivers and the upsert
		// makes the next dead-letter attempt idempotent.
		return err
	}
	return ack(ctx)
}
