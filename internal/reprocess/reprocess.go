// Package reprocess implements the manual redrive gateway: it takes a
// business key parked in the dead-letter store and feeds the message back to
// its origin queue with a fresh attempt budget.
package reprocess

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/idempotency"
	"github.com/example/delivery-core/internal/metrics"
)

// Result is the outcome of a reprocess request. The values double as metrics
// label values.
type Result string

const (
	// ResultRequeued means the message went back to its origin queue.
	ResultRequeued Result = "requeued"
	// ResultNotFound means no dead-letter entry exists for the key.
	ResultNotFound Result = "not_found"
	// ResultAlreadySucceeded means the key completed since it was parked;
	// the stale entry is removed instead of requeued.
	ResultAlreadySucceeded Result = "already_succeeded"
	// ResultLimitExceeded means the entry hit the reprocess ceiling and
	// stays parked.
	ResultLimitExceeded Result = "limit_exceeded"
)

// DefaultReprocessLimit bounds manual redrives per entry when the config
// leaves ReprocessLimit zero.
const DefaultReprocessLimit = 3

// Completions is the guard's read side: it answers whether a key already has
// a completion record.
type Completions interface {
	Lookup(ctx context.Context, businessKey string) (*idempotency.Record, error)
}

// Publisher republishes an envelope to a destination queue or topic.
type Publisher interface {
	PublishEnvelope(ctx context.Context, destination string, env *envelope.Envelope) error
}

// Config contains the gateway settings.
type Config struct {
	// ReprocessLimit is how many times one entry may be requeued. Zero
	// means DefaultReprocessLimit; negative disables the ceiling.
	ReprocessLimit int
}

// Dependencies collects the gateway's collaborators.
type Dependencies struct {
	Store       deadletter.Store
	Completions Completions
	Publisher   Publisher
	Logger      zerolog.Logger
	Metrics     metrics.Sink
	Tracer      trace.Tracer
	Now         func() time.Time
}

// Gateway requeues dead-lettered messages on operator request.
type Gateway struct {
	cfg         Config
	store       deadletter.Store
	completions Completions
	publisher   Publisher
	logger      zerolog.Logger
	metrics     metrics.Sink
	tracer      trace.Tracer
	now         func() time.Time
}

// New validates the dependencies and constructs a Gateway.
func New(cfg Config, deps Dependencies) (*Gateway, error) {
	if cfg.ReprocessLimit == 0 {
		cfg.ReprocessLimit = DefaultReprocessLimit
	}
	if deps.Store == nil {
		return nil, errors.New("reprocess: store is required")
	}
	if deps.Completions == nil {
		return nil, errors.New("reprocess: completions lookup is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("reprocess: publisher is required")
	}
	if reflect.ValueOf(deps.Logger).IsZero() {
		deps.Logger = zerolog.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/example/delivery-core/internal/reprocess")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Gateway{
		cfg:         cfg,
		store:       deps.Store,
		completions: deps.Completions,
		publisher:   deps.Publisher,
		logger:      deps.Logger.With().Str("component", "reprocess_gateway").Logger(),
		metrics:     metrics.OrNop(deps.Metrics),
		tracer:      deps.Tracer,
		now:         deps.Now,
	}, nil
}

// Reprocess requeues the dead-lettered message identified by businessKey.
// The republished envelope starts over with a zero attempt count and an
// incremented reprocess count. A non-nil error means nothing conclusive
// happened and the request can simply be retried; the Result is only
// meaningful when the error is nil.
func (g *Gateway) Reprocess(ctx context.Context, businessKey string) (Result, error) {
	if businessKey == "" {
		return "", errors.New("reprocess: business key is required")
	}

	ctx, span := g.tracer.Start(ctx, "delivery.reprocess.requeue", trace.WithAttributes(
		attribute.String("messaging.business_key", businessKey),
	))
	defer span.End()

	result, err := g.reprocess(ctx, businessKey)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("messaging.reprocess_result", string(result)))
	g.metrics.Reprocessed(string(result))
	return result, nil
}

func (g *Gateway) reprocess(ctx context.Context, businessKey string) (Result, error) {
	entry, err := g.store.Get(ctx, businessKey)
	if err != nil {
		return "", fmt.Errorf("reprocess: load dead-letter entry: %w", err)
	}
	if entry == nil {
		return ResultNotFound, nil
	}

	record, err := g.completions.Lookup(ctx, businessKey)
	if err != nil {
		return "", fmt.Errorf("reprocess: check completion: %w", err)
	}
	if record != nil {
		// The key completed through another path while parked. The entry is
		// stale; requeueing it would only bounce off the guard.
		if err := g.store.Remove(ctx, businessKey); err != nil {
			g.logger.Warn().Err(err).
				Str("business_key", businessKey).
				Msg("failed to remove stale dead-letter entry")
		}
		g.logger.Info().
			Str("business_key", businessKey).
			Msg("reprocess skipped, key already completed")
		return ResultAlreadySucceeded, nil
	}

	if g.cfg.ReprocessLimit > 0 && entry.Envelope.ReprocessCount >= g.cfg.ReprocessLimit {
		g.logger.Warn().
			Str("business_key", businessKey).
			Int("reprocess_count", entry.Envelope.ReprocessCount).
			Int("limit", g.cfg.ReprocessLimit).
			Msg("reprocess ceiling reached, entry stays parked")
		return ResultLimitExceeded, nil
	}

	env := entry.Envelope.Clone()
	env.AttemptCount = 0
	env.LastError = ""
	env.ReprocessCount++

	if err := g.publisher.PublishEnvelope(ctx, env.OriginQueue, env); err != nil {
		return "", fmt.Errorf("reprocess: republish to origin queue: %w", err)
	}

	// Remove after the publish is confirmed. A crash in between leaves a
	// redundant entry that the guard neutralises on the next reprocess; the
	// message itself is never lost.
	if err := g.store.Remove(ctx, businessKey); err != nil {
		g.logger.Warn().Err(err).
			Str("business_key", businessKey).
			Msg("failed to remove requeued dead-letter entry")
	}

	g.logger.Info().
		Str("business_key", businessKey).
		Str("origin_queue", env.OriginQueue).
		Int("reprocess_count", env.ReprocessCount).
		Msg("dead-lettered message requeued")

	return ResultRequeued, nil
}
