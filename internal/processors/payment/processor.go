package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/processor"
)

// Processor captures payments. It decodes the capture request from the
// message payload, submits it to the configured gateway, and classifies
// failures: malformed payloads and 4xx gateway verdicts are permanent,
// everything else is transient and retried by the engine.
type Processor struct {
	provider Provider
	logger   zerolog.Logger
}

// NewProcessor constructs a payment processor using the provided gateway.
func NewProcessor(provider Provider, logger zerolog.Logger) (*Processor, error) {
	if provider == nil {
		return nil, errors.New("payment processor: provider dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Processor{
		provider: provider,
		logger:   logger.With().Str("component", "payment_processor").Logger(),
	}, nil
}

// Process captures the payment described by the task payload and returns the
// gateway confirmation code as the completion summary.
func (p *Processor) Process(ctx context.Context, task processor.Task) (string, error) {
	var req Request
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return "", processor.WrapPermanent(fmt.Errorf("payment processor: decode request: %v", err))
	}
	if req.PaymentID == "" {
		return "", processor.WrapPermanent(errors.New("payment processor: payment id is required"))
	}
	if req.Amount <= 0 {
		return "", processor.WrapPermanent(fmt.Errorf("payment processor: amount must be positive, got %d", req.Amount))
	}

	if task.Attempt > 1 {
		p.logger.Info().
			Str("payment_id", req.PaymentID).
			Int("attempt", task.Attempt).
			Str("last_error", task.LastError).
			Msg("retrying payment capture")
	}

	conf, err := p.provider.Capture(ctx, &req)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.Permanent() {
			return "", processor.WrapPermanent(err)
		}
		// Timeouts, 5xx verdicts, and transport errors are all worth a
		// retry against a healthy gateway.
		return "", processor.WrapTransient(err)
	}

	p.logger.Info().
		Str("payment_id", req.PaymentID).
		Str("confirmation", conf.Code).
		Msg("payment captured")

	return conf.Code, nil
}

var _ processor.Processor = (*Processor)(nil)
