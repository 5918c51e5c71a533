package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/delivery-core/internal/scheduler"
)

// ScheduleStore orders pending redeliveries in a Sorted Set scored by ready
// time; the entry bodies live in companion JSON keys. Entries survive process
// restarts, so a crashed pump resumes exactly where it left off.
type ScheduleStore struct {
	client goredis.Cmdable
}

// NewScheduleStore builds a store on the given client. The caller owns the
// client lifecycle.
func NewScheduleStore(client goredis.Cmdable) *ScheduleStore {
	return &ScheduleStore{client: client}
}

// Add parks the pending entry until its ReadyAt instant.
func (s *ScheduleStore) Add(ctx context.Context, p *scheduler.Pending) error {
	if p == nil || p.ID == "" {
		return errors.New("redis: pending entry requires an id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: marshal pending entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, pendingKey(p.ID), payload, 0)
	pipe.ZAdd(ctx, scheduleKey, goredis.Z{Score: scheduleScore(p.ReadyAt), Member: p.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: add pending entry: %w", err)
	}
	return nil
}

// Due returns entries whose ReadyAt is at or before now, oldest first, up to
// limit. Entries stay in the schedule until Remove confirms their republish.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time, limit int) ([]*scheduler.Pending, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, scheduleKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: range due entries: %w", err)
	}

	due := make([]*scheduler.Pending, 0, len(ids))
	for _, id := range ids {
		raw, getErr := s.client.Get(ctx, pendingKey(id)).Bytes()
		if getErr != nil {
			if errors.Is(getErr, goredis.Nil) {
				// Index member without a body, left by a half-applied
				// Remove. Drop it.
				s.client.ZRem(ctx, scheduleKey, id)
				continue
			}
			return nil, fmt.Errorf("redis: load pending entry: %w", getErr)
		}

		var p scheduler.Pending
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("redis: decode pending entry: %w", err)
		}
		due = append(due, &p)
	}
	return due, nil
}

// Remove deletes the entry by id. Removing an unknown id is a no-op.
func (s *ScheduleStore) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, pendingKey(id))
	pipe.ZRem(ctx, scheduleKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove pending entry: %w", err)
	}
	return nil
}

// Size returns the number of parked entries.
func (s *ScheduleStore) Size(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, scheduleKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count pending entries: %w", err)
	}
	return int(n), nil
}

// scheduleScore maps a ready time onto a Sorted Set score: its Unix
// millisecond, rounded up so an entry never sorts as due before it is ready.
func scheduleScore(readyAt time.Time) float64 {
	ms := readyAt.UnixMilli()
	if readyAt.After(time.UnixMilli(ms)) {
		ms++
	}
	return float64(ms)
}

var _ scheduler.Store = (*ScheduleStore)(nil)
