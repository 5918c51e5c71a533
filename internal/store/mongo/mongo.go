// Package mongo persists delivery state in MongoDB. Completion records,
// dead-letter entries, and the retry schedule are one collection each, keyed
// by business key (or schedule id); idempotency retention is a TTL index on
// the completions collection.
//
// Usage:
//
//	client, err := mongostore.Connect(ctx, "mongodb://localhost:27017")
//	if err != nil { ... }
//	db := client.Database("delivery")
//	if err := mongostore.Migrate(ctx, db, 7*24*time.Hour); err != nil { ... }
//	guard := mongostore.NewGuard(db)
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/delivery-core/internal/envelope"
)

// Collection names.
const (
	colCompletions = "delivery_completions"
	colDeadLetters = "delivery_dead_letters"
	colSchedule    = "delivery_schedule"
)

// Connect opens a client for the given URI and verifies it with a ping. The
// caller owns the client lifecycle.
func Connect(ctx context.Context, uri string) (*mongod.Client, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// Migrate creates the indexes the stores rely on. A positive retention
// becomes a TTL index on completion records; zero keeps them forever.
func Migrate(ctx context.Context, db *mongod.Database, retention time.Duration) error {
	if retention > 0 {
		_, err := db.Collection(colCompletions).Indexes().CreateOne(ctx, mongod.IndexModel{
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
		})
		if err != nil {
			return fmt.Errorf("mongo: create completions ttl index: %w", err)
		}
	}

	_, err := db.Collection(colDeadLetters).Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys: bson.D{{Key: "dead_lettered_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create dead-letters index: %w", err)
	}

	_, err = db.Collection(colSchedule).Indexes().CreateOne(ctx, mongod.IndexModel{
		Keys: bson.D{{Key: "ready_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: create schedule index: %w", err)
	}
	return nil
}

// envelopeModel is the BSON shape of an envelope.
type envelopeModel struct {
	MessageID       string    `bson:"message_id"`
	BusinessKey     string    `bson:"business_key"`
	Payload         []byte    `bson:"payload,omitempty"`
	AttemptCount    int       `bson:"attempt_count"`
	OriginQueue     string    `bson:"origin_queue"`
	LastError       string    `bson:"last_error,omitempty"`
	ReprocessCount  int       `bson:"reprocess_count,omitempty"`
	FirstEnqueuedAt time.Time `bson:"first_enqueued_at,omitempty"`
	LastAttemptAt   time.Time `bson:"last_attempt_at,omitempty"`
}

func toEnvelopeModel(env *envelope.Envelope) envelopeModel {
	return envelopeModel{
		MessageID:       env.MessageID,
		BusinessKey:     env.BusinessKey,
		Payload:         env.Payload,
		AttemptCount:    env.AttemptCount,
		OriginQueue:     env.OriginQueue,
		LastError:       env.LastError,
		ReprocessCount:  env.ReprocessCount,
		FirstEnqueuedAt: env.FirstEnqueuedAt,
		LastAttemptAt:   env.LastAttemptAt,
	}
}

func fromEnvelopeModel(m envelopeModel) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:       m.MessageID,
		BusinessKey:     m.BusinessKey,
		Payload:         m.Payload,
		AttemptCount:    m.AttemptCount,
		OriginQueue:     m.OriginQueue,
		LastError:       m.LastError,
		ReprocessCount:  m.ReprocessCount,
		FirstEnqueuedAt: m.FirstEnqueuedAt.UTC(),
		LastAttemptAt:   utcOrZero(m.LastAttemptAt),
	}
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
