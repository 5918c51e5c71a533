package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/example/delivery-core/internal/idempotency"
)

// Guard is a Redis-backed idempotency guard. Completion records are JSON
// strings written with SetNX so the first commit wins; the retention window
// becomes the key TTL.
type Guard struct {
	client    goredis.Cmdable
	retention time.Duration
	now       func() time.Time
}

// NewGuard builds a Guard on the given client. A zero retention keeps
// records forever. The caller owns the client lifecycle.
func NewGuard(client goredis.Cmdable, retention time.Duration) *Guard {
	return &Guard{client: client, retention: retention, now: time.Now}
}

// TryBegin admits the key unless a live completion record exists.
func (g *Guard) TryBegin(ctx context.Context, businessKey string) (idempotency.Admission, error) {
	n, err := g.client.Exists(ctx, completionKey(businessKey)).Result()
	if err != nil {
		return idempotency.Admitted, fmt.Errorf("redis: check completion: %w", err)
	}
	if n > 0 {
		return idempotency.AlreadyCompleted, nil
	}
	return idempotency.Admitted, nil
}

// Commit records the completion. SetNX keeps the first record when two
// deliveries race to commit the same key.
func (g *Guard) Commit(ctx context.Context, businessKey, summary string) error {
	record := idempotency.Record{
		BusinessKey:   businessKey,
		ResultSummary: summary,
		CompletedAt:   g.now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis: marshal completion record: %w", err)
	}
	if err := g.client.SetNX(ctx, completionKey(businessKey), payload, g.retention).Err(); err != nil {
		return fmt.Errorf("redis: store completion record: %w", err)
	}
	return nil
}

// Lookup returns the completion record, or nil when the key never completed
// or its record expired.
func (g *Guard) Lookup(ctx context.Context, businessKey string) (*idempotency.Record, error) {
	raw, err := g.client.Get(ctx, completionKey(businessKey)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: load completion record: %w", err)
	}

	var record idempotency.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("redis: decode completion record: %w", err)
	}
	return &record, nil
}

var _ idempotency.Guard = (*Guard)(nil)
