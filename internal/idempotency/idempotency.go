// Package idempotency defines the guard that keeps a business key from being
// processed twice. Implementations live under internal/store; the dispatcher
// only depends on the contract.
package idempotency

import (
	"context"
	"time"
)

// Admission is the verdict of TryBegin.
type Admission int

const (
	// Admitted means no completion is recorded for the key: process it.
	Admitted Admission = iota
	// AlreadyCompleted means the key has a completion record: skip the
	// callback and acknowledge the delivery.
	AlreadyCompleted
)

// String returns the admission name for logs and metrics labels.
func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyCompleted:
		return "already_completed"
	default:
		return "unknown"
	}
}

// Record is the durable proof that a business key completed successfully.
// It is written exactly once and never mutated afterwards.
type Record struct {
	BusinessKey   string    `json:"business_key"`
	ResultSummary string    `json:"result_summary,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Guard decides whether a delivery may run and records completions.
//
// TryBegin is a completed-set check, not a lock: two concurrent deliveries of
// the same key may both be admitted, and the callback's own idempotency (or
// the first Commit) resolves the race. Commit is first-write-wins: once a key
// has a record, later commits must not replace it. Lookup returns nil with no
// error when the key has no completion record.
type Guard interface {
	TryBegin(ctx context.Context, businessKey string) (Admission, error)
	Commit(ctx context.Context, businessKey, summary string) error
	Lookup(ctx context.Context, businessKey string) (*Record, error)
}
