// Package scheduler delays failed messages and feeds them back to their
// origin queue once the backoff delay has elapsed. Retries are new publishes,
// never in-place requeues, so redelivery order stays independent of the
// consumer's position.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/delivery-core/internal/backoff"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/metrics"
)

// Pending is one scheduled redelivery waiting for its ReadyAt instant.
type Pending struct {
	ID       string             `json:"id"`
	ReadyAt  time.Time          `json:"ready_at"`
	Envelope *envelope.Envelope `json:"envelope"`
	Reason   string             `json:"reason,omitempty"`
}

// Store persists pending redeliveries. Due returns entries whose ReadyAt is
// at or before now, oldest first, never more than limit (limit <= 0 means no
// cap) and never an entry that is not yet ready. Remove of an unknown id is
// not an error: the pump removes entries after republishing and a crashed
// pump may retry the removal.
type Store interface {
	Add(ctx context.Context, p *Pending) error
	Due(ctx context.Context, now time.Time, limit int) ([]*Pending, error)
	Remove(ctx context.Context, id string) error
	Size(ctx context.Context) (int, error)
}

// Publisher republishes an envelope to a destination queue or topic.
type Publisher interface {
	PublishEnvelope(ctx context.Context, destination string, env *envelope.Envelope) error
}

// Config tunes the pump.
type Config struct {
	// PollInterval is how often the pump checks for due entries.
	PollInterval time.Duration
	// BatchLimit caps how many due entries one pump pass republishes.
	BatchLimit int
	// RepublishPerSecond throttles republishes to smooth mass-expiry bursts.
	// Zero disables the throttle.
	RepublishPerSecond float64
}

// Dependencies wires the scheduler's collaborators. Store and Publisher are
// required; Strategy defaults to the package default backoff.
type Dependencies struct {
	Store     Store
	Publisher Publisher
	Strategy  backoff.Strategy
	Logger    zerolog.Logger
	Metrics   metrics.Sink
	Now       func() time.Time
}

// Scheduler owns the redelivery schedule: Schedule parks a failed envelope,
// Run pumps due entries back onto their origin queue.
type Scheduler struct {
	cfg       Config
	store     Store
	publisher Publisher
	strategy  backoff.Strategy
	limiter   *rate.Limiter
	logger    zerolog.Logger
	metrics   metrics.Sink
	now       func() time.Time
}

// New validates configuration and dependencies and builds a Scheduler.
func New(cfg Config, deps Dependencies) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("scheduler: publisher is required")
	}
	if deps.Strategy == nil {
		deps.Strategy = backoff.Default()
	}
	if reflect.ValueOf(deps.Logger).IsZero() {
		deps.Logger = zerolog.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}

	var limiter *rate.Limiter
	if cfg.RepublishPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RepublishPerSecond), 1)
	}

	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		publisher: deps.Publisher,
		strategy:  deps.Strategy,
		limiter:   limiter,
		logger:    deps.Logger.With().Str("component", "scheduler").Logger(),
		metrics:   metrics.OrNop(deps.Metrics),
		now:       deps.Now,
	}, nil
}

// Schedule parks the envelope until its backoff delay elapses and returns the
// delay. The envelope's attempt count must already reflect the failed
// attempt; the delay for the next attempt is derived from it. An error means
// nothing durable happened and the caller must not acknowledge the delivery.
func (s *Scheduler) Schedule(ctx context.Context, env *envelope.Envelope) (time.Duration, error) {
	if env == nil {
		return 0, errors.New("scheduler: nil envelope")
	}
	if err := env.Validate(); err != nil {
		return 0, fmt.Errorf("scheduler: %w", err)
	}

	delay := s.strategy.Delay(env.AttemptCount)
	pending := &Pending{
		ID:       uuid.NewString(),
		ReadyAt:  s.now().Add(delay).UTC(),
		Envelope: env.Clone(),
		Reason:   env.LastError,
	}

	if err := s.store.Add(ctx, pending); err != nil {
		return 0, fmt.Errorf("scheduler: add pending redelivery: %w", err)
	}

	s.metrics.RetryScheduled(delay)
	s.reportSize(ctx)
	s.logger.Info().
		Str("business_key", env.BusinessKey).
		Str("origin_queue", env.OriginQueue).
		Int("attempts", env.AttemptCount).
		Dur("delay", delay).
		Msg("redelivery scheduled")

	return delay, nil
}

// Run pumps due entries until the context is cancelled. It is meant to be
// supervised by the caller (one pump per process; concurrent pumps would
// duplicate republishes, which the guard absorbs but the broker pays for).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("scheduler pump started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler pump stopped")
			return nil
		case <-ticker.C:
			if _, err := s.PumpOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("pump pass failed")
			}
		}
	}
}

// PumpOnce republishes every entry due at this instant and returns how many
// were republished. Entries are removed only after a confirmed publish: a
// crash in between produces a duplicate delivery for the guard to absorb,
// never a lost message. A failed publish leaves the entry for the next pass.
func (s *Scheduler) PumpOnce(ctx context.Context) (int, error) {
	due, err := s.store.Due(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("scheduler: fetch due entries: %w", err)
	}

	published := 0
	for _, p := range due {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return published, nil
			}
		}

		if err := s.publisher.PublishEnvelope(ctx, p.Envelope.OriginQueue, p.Envelope); err != nil {
			s.logger.Error().Err(err).
				Str("business_key", p.Envelope.BusinessKey).
				Str("origin_queue", p.Envelope.OriginQueue).
				Msg("republish failed, entry kept for next pass")
			continue
		}
		published++

		if err := s.store.Remove(ctx, p.ID); err != nil {
			// Worst case the next pass republishes the entry again and the
			// idempotency guard suppresses the duplicate.
			s.logger.Warn().Err(err).
				Str("pending_id", p.ID).
				Msg("failed to remove republished entry")
		}
	}

	s.reportSize(ctx)
	return published, nil
}

func (s *Scheduler) reportSize(ctx context.Context) {
	size, err := s.store.Size(ctx)
	if err != nil {
		return
	}
	s.metrics.SchedulerPending(size)
}
