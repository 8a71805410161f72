// Package gateway is the thin client boundary to the external card/UPI
// payment gateway. The rest of the service depends only on the Client
// interface so tests can substitute a fake.
package gateway

import (
	"context"
	"time"
)

// Config holds gateway credentials and endpoints
type Config struct {
	BaseURL       string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.gateway.test/v1"`
	KeyID         string        `envconfig:"GATEWAY_KEY_ID" required:"true"`
	KeySecret     string        `envconfig:"GATEWAY_KEY_SECRET" required:"true"`
	WebhookSecret string        `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`
	Timeout       time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`
}

// Order is a gateway-side payment order
type Order struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Receipt     string `json:"receipt"`
	Status      string `json:"status"`
}

// Payment is the gateway's authoritative record of a payment attempt
type Payment struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"` // created, authorized, captured, failed
	Method      string `json:"method"`
	FeeMinor    int64  `json:"fee,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorReason string `json:"error_description,omitempty"`
}

// Gateway payment statuses
const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentFailed     = "failed"
)

// Refund is a gateway-side refund record
type Refund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
}

// CreateOrderRequest is the request to open a gateway order
type CreateOrderRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// Client is the abstract gateway interface consumed by the payment core
type Client interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	FetchPayment(ctx context.Context, gatewayTransactionID string) (*Payment, error)
	CreateRefund(ctx context.Context, gatewayTransactionID string, amountMinor int64, notes map[string]string) (*Refund, error)
	VerifyPaymentSignature(gatewayOrderID, gatewayTransactionID, signature string) bool
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}
