package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/delivery-core/internal/scheduler"
)

// ScheduleStore persists pending redeliveries as documents indexed by
// ready_at. Entries survive process restarts, so a crashed pump resumes
// exactly where it left off.
type ScheduleStore struct {
	db *mongod.Database
}

// NewScheduleStore builds a store on the given database. The caller owns the
// client lifecycle.
func NewScheduleStore(db *mongod.Database) *ScheduleStore {
	return &ScheduleStore{db: db}
}

type pendingModel struct {
	ID       string        `bson:"_id"`
	ReadyAt  time.Time     `bson:"ready_at"`
	Reason   string        `bson:"reason,omitempty"`
	Envelope envelopeModel `bson:"envelope"`
}

// Add parks the pending entry until its ReadyAt instant.
func (s *ScheduleStore) Add(ctx context.Context, p *scheduler.Pending) error {
	if p == nil || p.ID == "" {
		return errors.New("mongo: pending entry requires an id")
	}

	_, err := s.db.Collection(colSchedule).InsertOne(ctx, pendingModel{
		ID:       p.ID,
		ReadyAt:  p.ReadyAt.UTC(),
		Reason:   p.Reason,
		Envelope: toEnvelopeModel(p.Envelope),
	})
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mongo: add pending entry: %w", err)
	}
	return nil
}

// Due returns entries whose ReadyAt is at or before now, oldest first, up to
// limit. Entries stay in the schedule until Remove confirms their republish.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time, limit int) ([]*scheduler.Pending, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "ready_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := s.db.Collection(colSchedule).Find(ctx,
		bson.M{"ready_at": bson.M{"$lte": now.UTC()}},
		findOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: query due entries: %w", err)
	}
	defer cursor.Close(ctx)

	var models []pendingModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongo: decode due entries: %w", err)
	}

	due := make([]*scheduler.Pending, 0, len(models))
	for _, m := range models {
		due = append(due, &scheduler.Pending{
			ID:       m.ID,
			ReadyAt:  m.ReadyAt.UTC(),
			Reason:   m.Reason,
			Envelope: fromEnvelopeModel(m.Envelope),
		})
	}
	return due, nil
}

// Remove deletes the entry by id. Removing an unknown id is a no-op.
func (s *ScheduleStore) Remove(ctx context.Context, id string) error {
	if _, err := s.db.Collection(colSchedule).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("mongo: remove pending entry: %w", err)
	}
	return nil
}

// Size returns the number of parked entries.
func (s *ScheduleStore) Size(ctx context.Context) (int, error) {
	n, err := s.db.Collection(colSchedule).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo: count pending entries: %w", err)
	}
	return int(n), nil
}

var _ scheduler.Store = (*ScheduleStore)(nil)
