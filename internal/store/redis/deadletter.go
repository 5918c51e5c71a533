package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/delivery-core/internal/deadletter"
)

// DeadLetterStore persists dead-letter entries as JSON strings keyed by
// business key, with a Set index for enumeration. Upsert replaces any
// existing entry for the key, which is what makes re-dead-lettering after a
// crash idempotent.
type DeadLetterStore struct {
	client goredis.Cmdable
}

// NewDeadLetterStore builds a store on the given client. The caller owns the
// client lifecycle.
func NewDeadLetterStore(client goredis.Cmdable) *DeadLetterStore {
	return &DeadLetterStore{client: client}
}

// Upsert stores the entry and indexes its business key.
func (s *DeadLetterStore) Upsert(ctx context.Context, entry *deadletter.Entry) error {
	if entry == nil || entry.Envelope == nil {
		return errors.New("redis: dead-letter entry requires an envelope")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal dead-letter entry: %w", err)
	}

	key := entry.Envelope.BusinessKey
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deadLetterKey(key), payload, 0)
	pipe.SAdd(ctx, deadLetterKeysKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: upsert dead-letter entry: %w", err)
	}
	return nil
}

// Get returns the entry for the key, or nil when absent.
func (s *DeadLetterStore) Get(ctx context.Context, businessKey string) (*deadletter.Entry, error) {
	raw, err := s.client.Get(ctx, deadLetterKey(businessKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: load dead-letter entry: %w", err)
	}

	var entry deadletter.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis: decode dead-letter entry: %w", err)
	}
	return &entry, nil
}

// List returns matching entries ordered by DeadLetteredAt ascending. Index
// keys whose entry vanished (concurrent Remove) are skipped.
func (s *DeadLetterStore) List(ctx context.Context, opts deadletter.ListOptions) ([]*deadletter.Entry, error) {
	keys, err := s.client.SMembers(ctx, deadLetterKeysKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list dead-letter keys: %w", err)
	}

	entries := make([]*deadletter.Entry, 0, len(keys))
	for _, key := range keys {
		entry, getErr := s.Get(ctx, key)
		if getErr != nil || entry == nil {
			continue
		}
		if opts.Queue != "" && entry.Envelope.OriginQueue != opts.Queue {
			continue
		}
		if !opts.Since.IsZero() && entry.DeadLetteredAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && entry.DeadLetteredAt.After(opts.Until) {
			continue
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeadLetteredAt.Before(entries[j].DeadLetteredAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// Remove deletes the entry and its index member. Removing an absent key is a
// no-op.
func (s *DeadLetterStore) Remove(ctx context.Context, businessKey string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, deadLetterKey(businessKey))
	pipe.SRem(ctx, deadLetterKeysKey, businessKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: remove dead-letter entry: %w", err)
	}
	return nil
}

// Count returns the number of parked entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, deadLetterKeysKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count dead-letter entries: %w", err)
	}
	return int(n), nil
}

var _ deadletter.Store = (*DeadLetterStore)(nil)
