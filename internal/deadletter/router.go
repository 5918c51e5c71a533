package deadletter

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/envelope"
	"github.com/example/delivery-core/internal/metrics"
)

// Publisher announces a dead-letter entry on the configured dead-letter
// destination. Implementations are bound to their destination at
// construction time.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, entry *Entry) error
}

// Dependencies wires the router's collaborators. Store is required.
// Publisher is optional: without one, entries are only persisted, which is
// enough for single-node deployments that inspect the store directly.
type Dependencies struct {
	Store     Store
	Publisher Publisher
	Logger    zerolog.Logger
	Metrics   metrics.Sink
	Now       func() time.Time
}

// Router persists a failed message in the dead-letter store and then
// publishes it to the dead-letter destination. Both steps are durable
// prerequisites for acknowledging the original delivery.
type Router struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	metrics   metrics.Sink
	now       func() time.Time
}

// NewRouter validates the dependencies and constructs a Router.
func NewRouter(deps Dependencies) (*Router, error) {
	if deps.Store == nil {
		return nil, errors.New("deadletter: store is required")
	}
	if reflect.ValueOf(deps.Logger).IsZero() {
		deps.Logger = zerolog.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Router{
		store:     deps.Store,
		publisher: deps.Publisher,
		logger:    deps.Logger.With().Str("component", "deadletter_router").Logger(),
		metrics:   metrics.OrNop(deps.Metrics),
		now:       deps.Now,
	}, nil
}

// DeadLetter parks the envelope with the given final reason. The entry is
// upserted first so a crash between persist and publish leaves a parked
// record rather than a lost message. Any error means the caller must not
// acknowledge the delivery.
func (r *Router) DeadLetter(ctx context.Context, env *envelope.Envelope, finalReason string) error {
	if env == nil {
		return errors.New("deadletter: nil envelope")
	}

	entry := &Entry{
		Envelope:       env.Clone(),
		FinalReason:    finalReason,
		DeadLetteredAt: r.now().UTC(),
	}

	if err := r.store.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("deadletter: persist entry: %w", err)
	}

	if r.publisher != nil {
		if err := r.publisher.PublishDeadLetter(ctx, entry); err != nil {
			return fmt.Errorf("deadletter: publish entry: %w", err)
		}
	}

	r.metrics.DeadLettered(finalReason)
	r.logger.Warn().
		Str("business_key", env.BusinessKey).
		Str("origin_queue", env.OriginQueue).
		Str("final_reason", finalReason).
		Int("attempts", env.AttemptCount).
		Msg("message dead-lettered")

	return nil
}
