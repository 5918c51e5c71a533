// Package redis persists delivery state in Redis. Completion records and
// dead-letter entries are stored as JSON strings, the retry schedule as a
// Sorted Set scored by ready time.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	guard := redisstore.NewGuard(client, 24*time.Hour)
package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// All keys are prefixed with "delivery:" to avoid collisions.
const keyPrefix = "delivery:"

// completionKey returns the key for a completion record: delivery:completion:{businessKey}
func completionKey(businessKey string) string { return keyPrefix + "completion:" + businessKey }

// deadLetterKey returns the key for a dead-letter entry: delivery:dlq:{businessKey}
func deadLetterKey(businessKey string) string { return keyPrefix + "dlq:" + businessKey }

// deadLetterKeysKey is the Set tracking parked business keys for enumeration.
const deadLetterKeysKey = keyPrefix + "dlq_keys"

// pendingKey returns the key for a scheduled redelivery: delivery:pending:{id}
func pendingKey(id string) string { return keyPrefix + "pending:" + id }

// scheduleKey is the Sorted Set ordering pending redeliveries by ready time.
const scheduleKey = keyPrefix + "schedule"

// Ping verifies the Redis connection is alive.
func Ping(ctx context.Context, client redis.Cmdable) error {
	return client.Ping(ctx).Err()
}
