// Package metrics defines the observability sink the delivery engine reports
// into. The engine never talks to a metrics backend directly; callers inject
// a Sink (the Prometheus one here, or a stub in tests) and nil is replaced by
// a no-op.
package metrics

import "time"

// Sink receives delivery lifecycle observations. Implementations must be
// safe for concurrent use.
type Sink interface {
	// MessageProcessed records a terminal dispatch outcome for one delivery
	// attempt and how long the attempt took.
	MessageProcessed(outcome string, attempt int, duration time.Duration)
	// RetryScheduled records that a redelivery was scheduled after delay.
	RetryScheduled(delay time.Duration)
	// DeadLettered records a message parked in the dead-letter store.
	DeadLettered(reason string)
	// DuplicateSuppressed records a delivery skipped by the idempotency guard.
	DuplicateSuppressed()
	// Reprocessed records the result of a manual redrive.
	Reprocessed(result string)
	// InFlight tracks the number of handlers currently running.
	InFlight(delta int)
	// SchedulerPending reports the current size of the redelivery schedule.
	SchedulerPending(n int)
}

// Nop discards all observations.
type Nop struct{}

func (Nop) MessageProcessed(string, int, time.Duration) {}
func (Nop) RetryScheduled(time.Duration)                {}
func (Nop) DeadLettered(string)                         {}
func (Nop) DuplicateSuppressed()                        {}
func (Nop) Reprocessed(string)                          {}
func (Nop) InFlight(int)                                {}
func (Nop) SchedulerPending(int)                        {}

// OrNop returns the sink unchanged, or a Nop when it is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
