// Package envelope defines the message envelope that carries a business
// payload together with its retry metadata, and the codec that maps the
// metadata onto broker headers so it round-trips through Kafka records and
// AMQP tables alike.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMissingBusinessKey is returned when neither the headers nor the record
// key carry a business key. Such a message cannot be guarded or dead-lettered
// by key and must be treated as a poison message by the caller.
var ErrMissingBusinessKey = errors.New("envelope: business key is required")

// Envelope wraps an opaque business payload with the delivery metadata the
// engine tracks across attempts. The payload is owned by the producer and is
// never modified; everything else is bookkeeping owned by whichever component
// currently holds the message (dispatcher, scheduler, or dead-letter router).
type Envelope struct {
	// MessageID identifies this logical message across retries and
	// republishes. Assigned once at first publish.
	MessageID string `json:"message_id"`

	// BusinessKey is the stable business identity used for idempotency,
	// e.g. a payment id. Required, non-empty.
	BusinessKey string `json:"business_key"`

	// Payload is the producer-owned business content, passed through the
	// engine untouched.
	Payload []byte `json:"payload"`

	// AttemptCount is the number of delivery attempts already made. Zero on
	// first publish; incremented by the dispatcher each time the message is
	// handed to the callback.
	AttemptCount int `json:"attempt_count"`

	// OriginQueue is the destination the message was first published to.
	// Immutable after creation; retries and reprocesses go back to it.
	OriginQueue string `json:"origin_queue"`

	// LastError holds the human-readable cause of the most recent failure.
	// Overwritten on each failure, empty until the first one.
	LastError string `json:"last_error,omitempty"`

	// ReprocessCount is the number of manual redrives from the dead-letter
	// store. The gateway enforces a ceiling on it.
	ReprocessCount int `json:"reprocess_count,omitempty"`

	FirstEnqueuedAt time.Time `json:"first_enqueued_at"`
	LastAttemptAt   time.Time `json:"last_attempt_at,omitempty"`
}

// New constructs a first-publish envelope for the given business key,
// payload, and origin queue. AttemptCount starts at zero.
func New(businessKey string, payload []byte, originQueue string, now time.Time) (*Envelope, error) {
	if businessKey == "" {
		return nil, ErrMissingBusinessKey
	}
	if originQueue == "" {
		return nil, errors.New("envelope: origin queue is required")
	}

	return &Envelope{
		MessageID:       uuid.NewString(),
		BusinessKey:     businessKey,
		Payload:         cloneBytes(payload),
		OriginQueue:     originQueue,
		FirstEnqueuedAt: now.UTC(),
	}, nil
}

// Validate reports whether the envelope satisfies the invariants the engine
// relies on. It is called by the dispatcher before any processing happens.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.New("envelope: nil envelope")
	}
	if e.BusinessKey == "" {
		return ErrMissingBusinessKey
	}
	if e.OriginQueue == "" {
		return errors.New("envelope: origin queue is required")
	}
	if e.AttemptCount < 0 {
		return fmt.Errorf("envelope: attempt count must not be negative, got %d", e.AttemptCount)
	}
	return nil
}

// Clone returns a deep copy so the envelope can cross an ownership boundary
// (dispatcher to scheduler, scheduler to publisher) without sharing the
// payload slice.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Payload = cloneBytes(e.Payload)
	return &clone
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}
