package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/delivery-core/internal/deadletter"
)

// DeadLetterStore persists dead-letter entries as documents keyed by business
// key. The upsert replace is what makes re-dead-lettering after a crash
// idempotent.
type DeadLetterStore struct {
	db *mongod.Database
}

// NewDeadLetterStore builds a store on the given database. The caller owns
// the client lifecycle.
func NewDeadLetterStore(db *mongod.Database) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

type deadLetterModel struct {
	BusinessKey    string        `bson:"_id"`
	OriginQueue    string        `bson:"origin_queue"`
	FinalReason    string        `bson:"final_reason"`
	DeadLetteredAt time.Time     `bson:"dead_lettered_at"`
	Envelope       envelopeModel `bson:"envelope"`
}

// Upsert stores the entry, replacing any existing document for the same
// business key.
func (s *DeadLetterStore) Upsert(ctx context.Context, entry *deadletter.Entry) error {
	if entry == nil || entry.Envelope == nil {
		return errors.New("mongo: dead-letter entry requires an envelope")
	}

	m := deadLetterModel{
		BusinessKey:    entry.Envelope.BusinessKey,
		OriginQueue:    entry.Envelope.OriginQueue,
		FinalReason:    entry.FinalReason,
		DeadLetteredAt: entry.DeadLetteredAt.UTC(),
		Envelope:       toEnvelopeModel(entry.Envelope),
	}

	_, err := s.db.Collection(colDeadLetters).ReplaceOne(ctx,
		bson.M{"_id": m.BusinessKey},
		m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo: upsert dead-letter entry: %w", err)
	}
	return nil
}

// Get returns the entry for the key, or nil when absent.
func (s *DeadLetterStore) Get(ctx context.Context, businessKey string) (*deadletter.Entry, error) {
	var m deadLetterModel
	err := s.db.Collection(colDeadLetters).FindOne(ctx, bson.M{"_id": businessKey}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongo: load dead-letter entry: %w", err)
	}
	return fromDeadLetterModel(m), nil
}

// List returns matching entries ordered by DeadLetteredAt ascending.
func (s *DeadLetterStore) List(ctx context.Context, opts deadletter.ListOptions) ([]*deadletter.Entry, error) {
	filter := bson.M{}
	if opts.Queue != "" {
		filter["origin_queue"] = opts.Queue
	}
	timeRange := bson.M{}
	if !opts.Since.IsZero() {
		timeRange["$gte"] = opts.Since.UTC()
	}
	if !opts.Until.IsZero() {
		timeRange["$lte"] = opts.Until.UTC()
	}
	if len(timeRange) > 0 {
		filter["dead_lettered_at"] = timeRange
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "dead_lettered_at", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.db.Collection(colDeadLetters).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list dead-letter entries: %w", err)
	}
	defer cursor.Close(ctx)

	var models []deadLetterModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongo: decode dead-letter entries: %w", err)
	}

	entries := make([]*deadletter.Entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, fromDeadLetterModel(m))
	}
	return entries, nil
}

// Remove deletes the entry for the key. Removing an absent key is a no-op.
func (s *DeadLetterStore) Remove(ctx context.Context, businessKey string) error {
	if _, err := s.db.Collection(colDeadLetters).DeleteOne(ctx, bson.M{"_id": businessKey}); err != nil {
		return fmt.Errorf("mongo: remove dead-letter entry: %w", err)
	}
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	n, err := s.db.Collection(colDeadLetters).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo: count dead-letter entries: %w", err)
	}
	return int(n), nil
}

func fromDeadLetterModel(m deadLetterModel) *deadletter.Entry {
	return &deadletter.Entry{
		Envelope:       fromEnvelopeModel(m.Envelope),
		FinalReason:    m.FinalReason,
		DeadLetteredAt: m.DeadLetteredAt.UTC(),
	}
}

var _ deadletter.Store = (*DeadLetterStore)(nil)
