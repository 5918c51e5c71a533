// Package payment is the reference processor for the delivery engine: it
// captures payments against an external gateway and classifies gateway
// failures into the engine's transient/permanent taxonomy. Other business
// domains plug in the same way with their own processor implementation.
package payment

import (
	"context"
	"fmt"
	"time"
)

// Request is the business payload a payment capture message carries.
type Request struct {
	PaymentID string  `json:"payment_id"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	Method    string  `json:"method,omitempty"`
	Scenario  string  `json:"scenario,omitempty"`
	Reference string  `json:"reference,omitempty"`
	Meta      MetaMap `json:"meta,omitempty"`
}

// MetaMap carries free-form request metadata.
type MetaMap map[string]string

// Confirmation is the gateway's proof of a captured payment.
type Confirmation struct {
	Code       string
	CapturedAt time.Time
}

// GatewayError is a failure reported by the payment gateway. StatusCode
// follows HTTP conventions: 4xx means the request itself is bad and will
// never succeed, 5xx means the gateway is unhealthy and the capture is worth
// retrying.
type GatewayError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether the failure can never succeed on retry.
func (e *GatewayError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Provider submits capture requests to a payment gateway.
type Provider interface {
	Capture(ctx context.Context, req *Request) (*Confirmation, error)
}
