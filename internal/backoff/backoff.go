// Package backoff provides retry delay strategies for message redelivery.
// All strategies are stateless and safe for concurrent use. Delays are
// deterministic: the engine relies on reproducible schedules, so strategies
// must not apply jitter.
package backoff

import (
	"math"
	"time"
)

// Defaults used when a policy field is left unset.
const (
	DefaultInitial    = time.Second
	DefaultMultiplier = 2.0
	DefaultMax        = time.Minute
)

// Strategy computes the delay before a redelivery attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure. Delay(0) is
	// always zero: the first delivery is never delayed.
	Delay(attempt int) time.Duration
}

// Exponential grows the delay geometrically with the attempt number.
// Delay = min(Initial * Multiplier^(attempt-1), Max).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy. Non-positive or
// sub-one inputs fall back to the package defaults.
func NewExponential(initial time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	return &Exponential{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1))
	// Compare as float: a large attempt overflows time.Duration before the
	// cap would apply.
	if e.Max > 0 && d >= float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval, or zero for attempt 0.
func (c *Constant) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return c.Interval
}

// Default returns the strategy the engine uses when none is configured:
// exponential with 1s initial delay, doubling, capped at one minute.
func Default() Strategy {
	return NewExponential(DefaultInitial, DefaultMultiplier, DefaultMax)
}
