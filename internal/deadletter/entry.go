// Package deadletter holds the parking lot for messages that exhausted their
// retry budget or failed permanently: the durable entry, the store contract,
// and the router that persists and announces new arrivals.
package deadletter

import (
	"context"
	"time"

	"github.com/example/delivery-core/internal/envelope"
)

// Final reasons recorded on a dead-letter entry. They double as bounded
// metrics label values.
const (
	ReasonPermanentFailure     = "permanent_failure"
	ReasonMaxAttemptsExhausted = "max_attempts_exhausted"
	ReasonValidationFailed     = "validation_failed"
	ReasonDecodeFailed         = "decode_failed"
)

// Entry is a dead-lettered message together with why and when it was parked.
// The envelope keeps everything needed for a later manual reprocess.
type Entry struct {
	Envelope       *envelope.Envelope `json:"envelope"`
	FinalReason    string             `json:"final_reason"`
	DeadLetteredAt time.Time          `json:"dead_lettered_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Envelope = e.Envelope.Clone()
	return &clone
}

// ListOptions narrows a List call. Zero values mean "no filter"; Limit 0
// means no cap.
type ListOptions struct {
	Queue  string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// Store persists dead-letter entries keyed by business key. Upsert must be
// idempotent: writing an entry whose envelope carries an already stored
// business key replaces the record instead of duplicating it. Get returns
// nil with no error when the key is absent; Remove of an absent key is not
// an error. List returns entries ordered by DeadLetteredAt ascending.
type Store interface {
	Upsert(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, businessKey string) (*Entry, error)
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)
	Remove(ctx context.Context, businessKey string) error
	Count(ctx context.Context) (int, error)
}
