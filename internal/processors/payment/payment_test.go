package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-core/internal/processor"
	"github.com/example/delivery-core/internal/processors/payment"
)

func capturePayload(t *testing.T, req payment.Request) []byte {
	t.Helper()
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return raw
}

func TestProcessorCapturesPayment(t *testing.T) {
	provider := payment.NewMockProvider(zerolog.Nop(), payment.WithLatency(0))
	proc, err := payment.NewProcessor(provider, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	summary, err := proc.Process(context.Background(), processor.Task{
		BusinessKey: "pay-1",
		Payload: capturePayload(t, payment.Request{
			PaymentID: "pay-1",
			Amount:    2500,
			Currency:  "EUR",
		}),
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.HasPrefix(summary, "mock-pay-1-") {
		t.Errorf("summary = %q, want mock confirmation code", summary)
	}
	if provider.Captures() != 1 {
		t.Errorf("Captures = %d, want 1", provider.Captures())
	}
}

func TestProcessorClassifiesMalformedPayloadPermanent(t *testing.T) {
	proc, err := payment.NewProcessor(payment.NewMockProvider(zerolog.Nop(), payment.WithLatency(0)), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	_, err = proc.Process(context.Background(), processor.Task{
		BusinessKey: "pay-2",
		Payload:     []byte("{not json"),
		Attempt:     1,
	})
	if !errors.Is(err, processor.ErrPermanent) {
		t.Fatalf("Process error = %v, want ErrPermanent", err)
	}
}

func TestProcessorValidatesRequestFields(t *testing.T) {
	proc, err := payment.NewProcessor(payment.NewMockProvider(zerolog.Nop(), payment.WithLatency(0)), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	cases := []struct {
		name string
		req  payment.Request
	}{
		{"missing payment id", payment.Request{Amount: 100}},
		{"zero amount", payment.Request{PaymentID: "pay-3"}},
		{"negative amount", payment.Request{PaymentID: "pay-3", Amount: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := proc.Process(context.Background(), processor.Task{
				Payload: capturePayload(t, tc.req),
				Attempt: 1,
			})
			if !errors.Is(err, processor.ErrPermanent) {
				t.Fatalf("Process error = %v, want ErrPermanent", err)
			}
		})
	}
}

func TestProcessorClassifiesGatewayVerdicts(t *testing.T) {
	proc, err := payment.NewProcessor(payment.NewMockProvider(zerolog.Nop(), payment.WithLatency(0)), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	run := func(scenario string) error {
		_, err := proc.Process(context.Background(), processor.Task{
			Payload: capturePayload(t, payment.Request{
				PaymentID: "pay-4",
				Amount:    100,
				Scenario:  scenario,
			}),
			Attempt: 1,
		})
		return err
	}

	if err := run("transient"); !errors.Is(err, processor.ErrTransient) {
		t.Errorf("transient scenario error = %v, want ErrTransient", err)
	}
	if err := run("permanent"); !errors.Is(err, processor.ErrPermanent) {
		t.Errorf("permanent scenario error = %v, want ErrPermanent", err)
	}
}

func TestProcessorTreatsTimeoutAsTransient(t *testing.T) {
	proc, err := payment.NewProcessor(payment.NewMockProvider(zerolog.Nop(), payment.WithLatency(0)), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = proc.Process(ctx, processor.Task{
		Payload: capturePayload(t, payment.Request{
			PaymentID: "pay-5",
			Amount:    100,
			Scenario:  "timeout",
		}),
		Attempt: 1,
	})
	if !errors.Is(err, processor.ErrTransient) {
		t.Fatalf("Process error = %v, want ErrTransient", err)
	}
}

func TestMockProviderDefaultScenarioOption(t *testing.T) {
	provider := payment.NewMockProvider(zerolog.Nop(),
		payment.WithLatency(0),
		payment.WithScenario(payment.ScenarioPermanent),
	)

	_, err := provider.Capture(context.Background(), &payment.Request{PaymentID: "pay-6", Amount: 100})
	var gwErr *payment.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("Capture error = %v, want GatewayError", err)
	}
	if !gwErr.Permanent() {
		t.Errorf("Permanent() = false, want true for status %d", gwErr.StatusCode)
	}

	// A per-request scenario wins over the provider default.
	conf, err := provider.Capture(context.Background(), &payment.Request{
		PaymentID: "pay-6",
		Amount:    100,
		Scenario:  "success",
	})
	if err != nil {
		t.Fatalf("Capture success scenario: %v", err)
	}
	if conf.Code == "" {
		t.Error("confirmation code is empty")
	}
}

func TestMockProviderStampsConfirmationWithClock(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	provider := payment.NewMockProvider(zerolog.Nop(),
		payment.WithLatency(0),
		payment.WithClock(func() time.Time { return fixed }),
	)

	conf, err := provider.Capture(context.Background(), &payment.Request{PaymentID: "pay-7", Amount: 1})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !conf.CapturedAt.Equal(fixed) {
		t.Errorf("CapturedAt = %v, want %v", conf.CapturedAt, fixed)
	}
}
