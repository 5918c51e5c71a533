// Package dispatch implements the delivery state machine: it takes a
// consumed envelope plus its ack binding, runs the idempotency guard and the
// business processor, and drives the message to exactly one terminal state
// (completed, duplicate, retry scheduled, or dead-lettered). The delivery is
// acknowledged only after the terminal state is durable; any persistence
// failure leaves the message unacked so the broker redelivers it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/example/delivery-core/internal/deadletter"
	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/idempotency"
	"github.com/example/delivery-core/internal/metrics"
	"github.com/example/delivery-core/internal/processor"
)

// Outcome is the terminal state a handled delivery reached. The values
// double as metrics label values.
type Outcome string

const (
	// OutcomeCompleted means the processor succeeded and the completion is
	// recorded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeDuplicate means the guard suppressed the delivery because the
	// key already completed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRetryScheduled means a transient failure parked the message for
	// a delayed redelivery.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeDeadLettered means the message is parked for manual review.
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Status event types published to the optional StatusPublisher.
const (
	StatusReceived       = "received"
	StatusAttempt        = "attempt"
	StatusCompleted      = "completed"
	StatusDuplicate      = "duplicate"
	StatusRetryScheduled = "retry_scheduled"
	StatusDeadLettered   = "dead_lettered"
)

// DefaultMaxAttempts bounds deliveries per message when the config leaves
// MaxAttempts zero.
const DefaultMaxAttempts = 5

// maxErrorLength caps the failure text recorded on envelopes and entries so
// a pathological error cannot blow up broker headers.
const maxErrorLength = 1024

// Ack acknowledges the delivery with the broker (offset commit for Kafka,
// basic.ack for AMQP). The dispatcher calls it exactly once, strictly after
// the terminal outcome is durable.
type Ack func(ctx context.Context) error

// StatusEvent describes one lifecycle update for a message.
type StatusEvent struct {
	Type        string        `json:"type"`
	MessageID   string        `json:"message_id"`
	BusinessKey string        `json:"business_key"`
	OriginQueue string        `json:"origin_queue"`
	Attempt     int           `json:"attempt"`
	Error       string        `json:"error,omitempty"`
	Summary     string        `json:"summary,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Guard is the slice of the idempotency contract the dispatcher needs.
type Guard interface {
	TryBegin(ctx context.Context, businessKey string) (idempotency.Admission, error)
	Commit(ctx context.Context, businessKey, summary string) error
}

// RetryScheduler parks a failed envelope for delayed redelivery and returns
// the applied delay.
type RetryScheduler interface {
	Schedule(ctx context.Context, env *envelope.Envelope) (time.Duration, error)
}

// DeadLetterer routes a finally-failed envelope to the dead-letter store.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, env *envelope.Envelope, finalReason string) error
}

// StatusPublisher emits lifecycle events. Publishing failures are logged and
// never change a delivery's outcome.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
}

// Config contains the runtime settings for the dispatcher.
type Config struct {
	// MaxAttempts is the total delivery budget per message, first attempt
	// included. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// CallbackTimeout bounds a single processor invocation. Zero disables
	// the bound.
	CallbackTimeout time.Duration
	// MsgMaxBytes rejects larger payloads as permanent validation failures.
	// Zero disables the check.
	MsgMaxBytes int
	// Concurrency bounds the handlers HandleAsync may run at once. Zero
	// means 1.
	Concurrency int
}

// Dependencies collects the runtime collaborators required by the dispatcher.
type Dependencies struct {
	Processor       processor.Processor
	Guard           Guard
	Scheduler       RetryScheduler
	DeadLetters     DeadLetterer
	StatusPublisher StatusPublisher
	Logger          zerolog.Logger
	Metrics         metrics.Sink
	Tracer          trace.Tracer
	Now             func() time.Time
}

// Dispatcher drives consumed envelopes through the delivery state machine.
type Dispatcher struct {
	cfg             Config
	processor       processor.Processor
	guard           Guard
	scheduler       RetryScheduler
	deadLetters     DeadLetterer
	statusPublisher StatusPublisher
	logger          zerolog.Logger
	metrics         metrics.Sink
	tracer          trace.Tracer
	now             func() time.Time

	semaphore *semaphore.Weighted
	wg        sync.WaitGroup
	closing   atomic.Bool
}

// New constructs a dispatcher after validating configuration and
// dependencies.
func New(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if cfg.MaxAttempts < 0 {
		return nil, errors.New("dispatch: max attempts cannot be negative")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallbackTimeout < 0 {
		return nil, errors.New("dispatch: callback timeout cannot be negative")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("dispatch: msg max bytes cannot be negative")
	}
	if cfg.Concurrency < 0 {
		return nil, errors.New("dispatch: concurrency cannot be negative")
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if deps.Processor == nil {
		return nil, errors.New("dispatch: processor dependency is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("dispatch: guard dependency is required")
	}
	if deps.Scheduler == nil {
		return nil, errors.New("dispatch: scheduler dependency is required")
	}
	if deps.DeadLetters == nil {
		return nil, errors.New("dispatch: dead letterer dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/example/delivery-core/internal/dispatch")
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Dispatcher{
		cfg:             cfg,
		processor:       deps.Processor,
		guard:           deps.Guard,
		scheduler:       deps.Scheduler,
		deadLetters:     deps.DeadLetters,
		statusPublisher: deps.StatusPublisher,
		logger:          logger,
		metrics:         metrics.OrNop(deps.Metrics),
		tracer:          tracer,
		now:             nowFunc,
		semaphore:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Handle processes one delivery to its terminal state and acknowledges it.
// A returned error means no terminal state was reached durably and the
// delivery was NOT acknowledged: the broker will redeliver it. Handle is safe
// for concurrent use; callers bound their own concurrency (HandleAsync does
// this with the configured semaphore).
func (d *Dispatcher) Handle(ctx context.Context, env *envelope.Envelope, ack Ack) (Outcome, error) {
	if env == nil {
		return "", errors.New("dispatch: nil envelope")
	}
	if ack == nil {
		return "", errors.New("dispatch: ack binding is required")
	}

	ctx, span := d.tracer.Start(ctx, "delivery.dispatch.handle", trace.WithAttributes(
		attribute.String("messaging.business_key", env.BusinessKey),
		attribute.String("messaging.origin_queue", env.OriginQueue),
		attribute.Int("messaging.attempt", env.AttemptCount+1),
	))
	defer span.End()

	d.metrics.InFlight(1)
	defer d.metrics.InFlight(-1)

	outcome, err := d.handle(ctx, env, ack)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(attribute.String("messaging.outcome", string(outcome)))
	return outcome, nil
}

func (d *Dispatcher) handle(ctx context.Context, env *envelope.Envelope, ack Ack) (Outcome, error) {
	if ctx.Err() != nil {
		return "", fmt.Errorf("dispatch: context ended before processing: %w", ctx.Err())
	}

	start := d.now()
	attempt := env.AttemptCount + 1

	// Validation failures are permanent: the payload will not shrink and a
	// missing key will not appear on redelivery. Park the message instead of
	// looping on it.
	if err := d.validateEnvelope(env); err != nil {
		d.logger.Warn().
			Str("business_key", env.BusinessKey).
			Str("message_id", env.MessageID).
			Err(err).
			Msg("envelope rejected by validation")
		return d.deadLetterAndAck(ctx, d.poisonable(env, err), deadletter.ReasonValidationFailed, attempt, start, ack)
	}

	d.publishStatus(ctx, d.event(env, StatusReceived, attempt))

	adm, err := d.guard.TryBegin(ctx, env.BusinessKey)
	if err != nil {
		return "", fmt.Errorf("dispatch: idempotency check: %w", err)
	}
	if adm == idempotency.AlreadyCompleted {
		if err := ack(ctx); err != nil {
			return "", fmt.Errorf("dispatch: ack suppressed duplicate: %w", err)
		}
		d.metrics.DuplicateSuppressed()
		d.metrics.MessageProcessed(string(OutcomeDuplicate), attempt, d.now().Sub(start))
		d.publishStatus(ctx, d.event(env, StatusDuplicate, attempt))
		d.logger.Info().
			Str("business_key", env.BusinessKey).
			Str("message_id", env.MessageID).
			Msg("duplicate delivery suppressed")
		return OutcomeDuplicate, nil
	}

	d.publishStatus(ctx, d.event(env, StatusAttempt, attempt))

	summary, procErr := d.invoke(ctx, env, attempt)
	duration := d.now().Sub(start)

	logEvent := d.logger.With().
		Str("business_key", env.BusinessKey).
		Str("message_id", env.MessageID).
		Str("origin_queue", env.OriginQueue).
		Int("attempt", attempt).
		Dur("duration", duration).
		Logger()

	if procErr == nil {
		if err := d.guard.Commit(ctx, env.BusinessKey, summary); err != nil {
			return "", fmt.Errorf("dispatch: record completion: %w", err)
		}
		if err := ack(ctx); err != nil {
			return "", fmt.Errorf("dispatch: ack completed delivery: %w", err)
		}
		d.metrics.MessageProcessed(string(OutcomeCompleted), attempt, duration)
		event := d.event(env, StatusCompleted, attempt)
		event.Summary = summary
		d.publishStatus(ctx, event)
		logEvent.Info().Msg("message processed successfully")
		return OutcomeCompleted, nil
	}

	// A dead parent context means shutdown, not a business failure. Leave
	// the message unacked so the broker redelivers it after restart.
	if ctx.Err() != nil {
		logEvent.Warn().Err(procErr).Msg("context ended during processing, delivery left unacked")
		return "", fmt.Errorf("dispatch: context ended during processing: %w", ctx.Err())
	}

	logEvent.Warn().Err(procErr).Msg("processor returned error")

	failed := env.Clone()
	failed.AttemptCount = attempt
	failed.LastError = truncateError(procErr)
	failed.LastAttemptAt = d.now().UTC()

	if errors.Is(procErr, processor.ErrPermanent) {
		return d.deadLetterAndAck(ctx, failed, deadletter.ReasonPermanentFailure, attempt, start, ack)
	}

	if attempt >= d.cfg.MaxAttempts {
		return d.deadLetterAndAck(ctx, failed, deadletter.ReasonMaxAttemptsExhausted, attempt, start, ack)
	}

	delay, err := d.scheduler.Schedule(ctx, failed)
	if err != nil {
		return "", fmt.Errorf("dispatch: schedule redelivery: %w", err)
	}
	if err := ack(ctx); err != nil {
		return "", fmt.Errorf("dispatch: ack after scheduling redelivery: %w", err)
	}
	d.metrics.MessageProcessed(string(OutcomeRetryScheduled), attempt, duration)
	event := d.event(failed, StatusRetryScheduled, attempt)
	event.Error = failed.LastError
	event.Delay = delay
	d.publishStatus(ctx, event)
	logEvent.Info().Dur("delay", delay).Msg("redelivery scheduled after transient failure")
	return OutcomeRetryScheduled, nil
}

// HandleAsync runs Handle on a goroutine bounded by the configured
// concurrency. Failures are logged; the delivery stays unacked for broker
// redelivery, mirroring the synchronous contract.
func (d *Dispatcher) HandleAsync(ctx context.Context, env *envelope.Envelope, ack Ack) error {
	if d.closing.Load() {
		return errors.New("dispatch: dispatcher is closed")
	}
	if err := d.semaphore.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("dispatch: acquire concurrency slot: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.semaphore.Release(1)

		if _, err := d.Handle(ctx, env, ack); err != nil {
			d.logger.Error().
				Str("business_key", env.BusinessKey).
				Str("message_id", env.MessageID).
				Err(err).
				Msg("delivery failed without a durable outcome, left unacked")
		}
	}()
	return nil
}

// Close stops accepting new asynchronous work and waits for in-flight
// handlers to reach their terminal states, or for the context to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closing.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain interrupted: %w", ctx.Err())
	}
}

// invoke runs the processor under the callback timeout, converting panics
// into errors so a misbehaving callback is a transient failure rather than a
// crashed worker.
func (d *Dispatcher) invoke(ctx context.Context, env *envelope.Envelope, attempt int) (summary string, err error) {
	callCtx := ctx
	if d.cfg.CallbackTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallbackTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
			d.logger.Error().
				Str("business_key", env.BusinessKey).
				Int("attempt", attempt).
				Bytes("stack", debug.Stack()).
				Msg("processor panicked")
		}
	}()

	return d.processor.Process(callCtx, processor.Task{
		BusinessKey:     env.BusinessKey,
		Payload:         env.Payload,
		Attempt:         attempt,
		LastError:       env.LastError,
		FirstEnqueuedAt: env.FirstEnqueuedAt,
	})
}

func (d *Dispatcher) validateEnvelope(env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if d.cfg.MsgMaxBytes > 0 && len(env.Payload) > d.cfg.MsgMaxBytes {
		return fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d bytes", len(env.Payload), d.cfg.MsgMaxBytes)
	}
	return nil
}

// poisonable returns a copy of the envelope that can be parked: a missing
// business key is replaced so the entry stays addressable in the store.
func (d *Dispatcher) poisonable(env *envelope.Envelope, cause error) *envelope.Envelope {
	out := env.Clone()
	if out.BusinessKey == "" {
		if out.BusinessKey = out.MessageID; out.BusinessKey == "" {
			out.BusinessKey = uuid.NewString()
		}
	}
	if out.OriginQueue == "" {
		out.OriginQueue = "unknown"
	}
	out.LastError = truncateError(cause)
	out.LastAttemptAt = d.now().UTC()
	return out
}

func (d *Dispatcher) deadLetterAndAck(ctx context.Context, env *envelope.Envelope, reason string, attempt int, start time.Time, ack Ack) (Outcome, error) {
	if err := d.deadLetters.DeadLetter(ctx, env, reason); err != nil {
		return "", fmt.Errorf("dispatch: dead letter message: %w", err)
	}
	if err := ack(ctx); err != nil {
		return "", fmt.Errorf("dispatch: ack dead-lettered delivery: %w", err)
	}
	d.metrics.MessageProcessed(string(OutcomeDeadLettered), attempt, d.now().Sub(start))
	event := d.event(env, StatusDeadLettered, attempt)
	event.Error = env.LastError
	d.publishStatus(ctx, event)
	return OutcomeDeadLettered, nil
}

func (d *Dispatcher) event(env *envelope.Envelope, eventType string, attempt int) StatusEvent {
	return StatusEvent{
		Type:        eventType,
		MessageID:   env.MessageID,
		BusinessKey: env.BusinessKey,
		OriginQueue: env.OriginQueue,
		Attempt:     attempt,
		Timestamp:   d.now().UTC(),
	}
}

func (d *Dispatcher) publishStatus(ctx context.Context, event StatusEvent) {
	if d.statusPublisher == nil {
		return
	}
	if err := d.statusPublisher.PublishStatus(ctx, event); err != nil {
		d.logger.Error().
			Str("business_key", event.BusinessKey).
			Str("event", event.Type).
			Err(err).
			Msg("failed to publish status event")
	}
}

func truncateError(err error) string {
	text := err.Error()
	if len(text) > maxErrorLength {
		return text[:maxErrorLength]
	}
	return text
}
