// Package operator exposes the read-and-redrive surface for humans and
// external tooling: listing dead letters, checking completions, requeueing,
// and purging. It composes the stores and the reprocess gateway without
// adding semantics of its own.
package operator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/idempotency"
	"github.com/example/delivery-core/internal/reprocess"
)

// Completions is the guard's read side.
type Completions interface {
	Lookup(ctx context.Context, businessKey string) (*idempotency.Record, error)
}

// Reprocessor requeues a dead-lettered key.
type Reprocessor interface {
	Reprocess(ctx context.Context, businessKey string) (reprocess.Result, error)
}

// Dependencies collects the service's collaborators.
type Dependencies struct {
	Store       deadletter.Store
	Completions Completions
	Reprocessor Reprocessor
	Logger      zerolog.Logger
}

// Service is the operator facade.
type Service struct {
	store       deadletter.Store
	completions Completions
	reprocessor Reprocessor
	logger      zerolog.Logger
}

// NewService validates the dependencies and constructs a Service.
func NewService(deps Dependencies) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("operator: store is required")
	}
	if deps.Completions == nil {
		return nil, errors.New("operator: completions lookup is required")
	}
	if deps.Reprocessor == nil {
		return nil, errors.New("operator: reprocessor is required")
	}
	if reflect.ValueOf(deps.Logger).IsZero() {
		deps.Logger = zerolog.Nop()
	}

	return &Service{
		store:       deps.Store,
		completions: deps.Completions,
		reprocessor: deps.Reprocessor,
		logger:      deps.Logger.With().Str("component", "operator").Logger(),
	}, nil
}

// ListDeadLetters returns parked entries matching the options, oldest first.
func (s *Service) ListDeadLetters(ctx context.Context, opts deadletter.ListOptions) ([]*deadletter.Entry, error) {
	entries, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("operator: list dead letters: %w", err)
	}
	return entries, nil
}

// DeadLetterCount returns the number of parked entries.
func (s *Service) DeadLetterCount(ctx context.Context) (int, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("operator: count dead letters: %w", err)
	}
	return count, nil
}

// Completion returns the completion record for the key, or nil when the key
// never completed.
func (s *Service) Completion(ctx context.Context, businessKey string) (*idempotency.Record, error) {
	record, err := s.completions.Lookup(ctx, businessKey)
	if err != nil {
		return nil, fmt.Errorf("operator: look up completion: %w", err)
	}
	return record, nil
}

// Reprocess requeues the dead-lettered key through the gateway.
func (s *Service) Reprocess(ctx context.Context, businessKey string) (reprocess.Result, error) {
	return s.reprocessor.Reprocess(ctx, businessKey)
}

// Purge removes a parked entry without requeueing it. It reports whether an
// entry existed. Purging is for messages an operator has decided to abandon.
func (s *Service) Purge(ctx context.Context, businessKey string) (bool, error) {
	entry, err := s.store.Get(ctx, businessKey)
	if err != nil {
		return false, fmt.Errorf("operator: load dead-letter entry: %w", err)
	}
	if entry == nil {
		return false, nil
	}
	if err := s.store.Remove(ctx, businessKey); err != nil {
		return false, fmt.Errorf("operator: purge dead-letter entry: %w", err)
	}
	s.logger.Info().
		Str("business_key", businessKey).
		Str("origin_queue", entry.Envelope.OriginQueue).
		Msg("dead-letter entry purged")
	return true, nil
}
