package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/example/delivery-core/internal/idempotency"
)

// Guard is a Mongo-backed idempotency guard. Completion records are
// documents keyed by business key; the unique _id makes the first insert win
// and the TTL index created by Migrate enforces the retention window.
type Guard struct {
	db  *mongod.Database
	now func() time.Time
}

// NewGuard builds a Guard on the given database. The caller owns the client
// lifecycle.
func NewGuard(db *mongod.Database) *Guard {
	return &Guard{db: db, now: time.Now}
}

type completionModel struct {
	BusinessKey   string    `bson:"_id"`
	ResultSummary string    `bson:"result_summary,omitempty"`
	CompletedAt   time.Time `bson:"completed_at"`
}

// TryBegin admits the key unless a completion document exists.
func (g *Guard) TryBegin(ctx context.Context, businessKey string) (idempotency.Admission, error) {
	n, err := g.db.Collection(colCompletions).CountDocuments(ctx, bson.M{"_id": businessKey})
	if err != nil {
		return idempotency.Admitted, fmt.Errorf("mongo: check completion: %w", err)
	}
	if n > 0 {
		return idempotency.AlreadyCompleted, nil
	}
	return idempotency.Admitted, nil
}

// Commit records the completion. The unique _id keeps the first record when
// two deliveries race to commit the same key: the loser's duplicate-key
// error is swallowed.
func (g *Guard) Commit(ctx context.Context, businessKey, summary string) error {
	_, err := g.db.Collection(colCompletions).InsertOne(ctx, completionModel{
		BusinessKey:   businessKey,
		ResultSummary: summary,
		CompletedAt:   g.now().UTC(),
	})
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mongo: store completion record: %w", err)
	}
	return nil
}

// Lookup returns the completion record, or nil when the key never completed
// or its record expired.
func (g *Guard) Lookup(ctx context.Context, businessKey string) (*idempotency.Record, error) {
	var m completionModel
	err := g.db.Collection(colCompletions).FindOne(ctx, bson.M{"_id": businessKey}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo: load completion record: %w", err)
	}
	return &idempotency.Record{
		BusinessKey:   m.BusinessKey,
		ResultSummary: m.ResultSummary,
		CompletedAt:   m.CompletedAt.UTC(),
	}, nil
}

var _ idempotency.Guard = (*Guard)(nil)
