// Package memory provides in-process implementations of the engine's store
// contracts. They back single-node deployments and tests; the redis,
// postgres, and mongo packages provide the durable equivalents.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/example/delivery-core/internal/idempotency"
)

// Guard is an in-memory idempotency guard. Records are kept until the
// retention window expires; a zero retention keeps them forever.
type Guard struct {
	mu        sync.Mutex
	records   map[string]idempotency.Record
	retention time.Duration
	now       func() time.Time
}

// NewGuard builds a Guard. Pass a nil clock to use time.Now.
func NewGuard(retention time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{
		records:   map[string]idempotency.Record{},
		retention: retention,
		now:       now,
	}
}

// TryBegin admits the key unless a live completion record exists.
func (g *Guard) TryBegin(_ context.Context, businessKey string) (idempotency.Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.live(businessKey); ok {
		return idempotency.AlreadyCompleted, nil
	}
	return idempotency.Admitted, nil
}

// Commit records the completion. The first write wins: committing an already
// completed key leaves the existing record untouched.
func (g *Guard) Commit(_ context.Context, businessKey, summary string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.live(businessKey); ok {
		return nil
	}
	g.records[businessKey] = idempotency.Record{
		BusinessKey:   businessKey,
		ResultSummary: summary,
		CompletedAt:   g.now().UTC(),
	}
	return nil
}

// Lookup returns a copy of the completion record, or nil when the key has
// none.
func (g *Guard) Lookup(_ context.Context, businessKey string) (*idempotency.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.live(businessKey)
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

// live returns the record for the key, pruning it first when the retention
// window has passed. Callers must hold the mutex.
func (g *Guard) live(businessKey string) (idempotency.Record, bool) {
	rec, ok := g.records[businessKey]
	if !ok {
		return idempotency.Record{}, false
	}
	if g.retention > 0 && g.now().Sub(rec.CompletedAt) >= g.retention {
		delete(g.records, businessKey)
		return idempotency.Record{}, false
	}
	return rec, true
}
