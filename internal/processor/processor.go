// Package processor defines the business callback contract the dispatcher
// invokes for every delivered message, together with the sentinel errors
// callbacks use to classify their failures.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTransient and ErrPermanent are sentinel errors processors use when
// classifying failures. A transient failure is retried with backoff; a
// permanent one goes straight to the dead-letter store. Errors that wrap
// neither sentinel are treated as transient.
var (
	ErrTransient = errors.New("transient error")
	ErrPermanent = errors.New("permanent error")
)

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapPermanent annotates an error as permanent.
func WrapPermanent(err error) error {
	if err == nil {
		return ErrPermanent
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Task is what a processor sees for a single delivery attempt. Attempt is
// 1-based: the first delivery of a message is attempt 1. LastError carries
// the failure reason recorded by the previous attempt, empty on the first.
type Task struct {
	BusinessKey     string
	Payload         []byte
	Attempt         int
	LastError       string
	FirstEnqueuedAt time.Time
}

// Processor is the caller-supplied business callback. The returned summary is
// persisted in the idempotency record on success and surfaced to operators;
// keep it short (a confirmation code, not a document). A nil error means the
// work is done and the message must never be processed again.
type Processor interface {
	Process(ctx context.Context, task Task) (summary string, err error)
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, task Task) (string, error)

// Process invokes the function.
func (f Func) Process(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}
