package payment

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the mock behaviours. A request selects one through
// its scenario field; unknown or empty values use the provider default.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// Option customises the mock provider.
type Option func(*MockProvider)

// WithScenario sets the default scenario used when a request does not
// specify one.
func WithScenario(s Scenario) Option {
	return func(p *MockProvider) {
		p.defaultScenario = s
	}
}

// WithLatency configures the artificial latency injected before responding.
func WithLatency(d time.Duration) Option {
	return func(p *MockProvider) {
		if d < 0 {
			d = 0
		}
		p.latency = d
	}
}

// WithClock overrides the clock used to timestamp confirmations.
func WithClock(now func() time.Time) Option {
	return func(p *MockProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// MockProvider is a deterministic payment gateway for tests and dev rigs.
type MockProvider struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	latency         time.Duration
	now             func() time.Time

	mu       sync.Mutex
	captures int
}

// NewMockProvider constructs a mock payment gateway.
func NewMockProvider(logger zerolog.Logger, opts ...Option) *MockProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &MockProvider{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		latency:         10 * time.Millisecond,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Captures returns how many successful captures the provider performed.
func (p *MockProvider) Captures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captures
}

// Capture simulates a gateway capture according to the selected scenario.
func (p *MockProvider) Capture(ctx context.Context, req *Request) (*Confirmation, error) {
	if req == nil {
		return nil, errors.New("payment mock: request is required")
	}

	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	scenario := p.defaultScenario
	if req.Scenario != "" {
		scenario = Scenario(strings.ToLower(req.Scenario))
	}

	switch scenario {
	case ScenarioTransient:
		return nil, &GatewayError{StatusCode: 503, Message: "gateway temporarily unavailable"}
	case ScenarioPermanent:
		return nil, &GatewayError{StatusCode: 402, Message: "card declined"}
	case ScenarioTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		p.mu.Lock()
		p.captures++
		n := p.captures
		p.mu.Unlock()

		p.logger.Debug().
			Str("payment_id", req.PaymentID).
			Int64("amount", req.Amount).
			Msg("mock capture succeeded")

		return &Confirmation{
			Code:       fmt.Sprintf("mock-%s-%d", req.PaymentID, n),
			CapturedAt: p.now().UTC(),
		}, nil
	}
}

var _ Provider = (*MockProvider)(nil)
