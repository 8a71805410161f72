// Package events defines the event envelope and payment event payloads
// published for downstream notification and monitoring consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
)

// NATS subjects for payment events
const (
	SubjectAudit            = "payments.audit"
	SubjectOrderPaid        = "payments.order.paid"
	SubjectOrderFailed      = "payments.order.failed"
	SubjectRefundCreated    = "payments.refund.created"
	SubjectRetryScheduled   = "payments.retry.scheduled"
	SubjectDunningExhausted = "payments.dunning.exhausted"
)

// EventType identifies the type of payment event
type EventType string

const (
	EventOrderPaid        EventType = "payments.order.paid"
	EventOrderFailed      EventType = "payments.order.failed"
	EventRefundCreated    EventType = "payments.refund.created"
	EventRetryScheduled   EventType = "payments.retry.scheduled"
	EventDunningExhausted EventType = "payments.dunning.exhausted"
	EventAuditAppended    EventType = "payments.audit.appended"
)

// Envelope wraps all events with common metadata
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope
func NewEnvelope(eventType EventType, tenantID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the event data into a struct
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to the message broker. Delivery is
// fire-and-forget; the payment state machine never depends on it.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *Envelope) error
}

// NoopPublisher drops events; used when no broker is configured.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(ctx context.Context, subject string, env *Envelope) error {
	return nil
}

// OrderPaidEvent is published when a payment order reaches paid.
type OrderPaidEvent struct {
	PaymentOrderID       string      `json:"payment_order_id"`
	GatewayOrderID       string      `json:"gateway_order_id"`
	GatewayTransactionID string      `json:"gateway_transaction_id"`
	TargetKind           string      `json:"target_kind"`
	TargetID             string      `json:"target_id"`
	Amount               money.Money `json:"amount"`
	Method               string      `json:"method,omitempty"`
	CapturedAt           *time.Time  `json:"captured_at,omitempty"`
}

// OrderFailedEvent is published when a payment attempt fails.
type OrderFailedEvent struct {
	PaymentOrderID       string      `json:"payment_order_id"`
	GatewayOrderID       string      `json:"gateway_order_id"`
	GatewayTransactionID string      `json:"gateway_transaction_id,omitempty"`
	TargetKind           string      `json:"target_kind"`
	TargetID             string      `json:"target_id"`
	Amount               money.Money `json:"amount"`
	ErrorCode            string      `json:"error_code,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
}

// RefundCreatedEvent is published when a refund is recorded.
type RefundCreatedEvent struct {
	RefundID             string      `json:"refund_id"`
	TransactionID        string      `json:"transaction_id"`
	GatewayTransactionID string      `json:"gateway_transaction_id"`
	Amount               money.Money `json:"amount"`
	Reason               string      `json:"reason,omitempty"`
}

// RetryScheduledEvent is published when a retry attempt is scheduled.
type RetryScheduledEvent struct {
	RetryID               string    `json:"retry_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	PaymentOrderID        string    `json:"payment_order_id"`
	AttemptNumber         int       `json:"attempt_number"`
	ScheduledAt           time.Time `json:"scheduled_at"`
	Reason                string    `json:"reason,omitempty"`
}

// DunningExhaustedEvent is published when retries for a billing cycle are
// exhausted; this is the operator-facing channel for terminal failures.
type DunningExhaustedEvent struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	SubscriptionID        string `json:"subscription_id,omitempty"`
	BillingCycleID        string `json:"billing_cycle_id,omitempty"`
	Attempts              int    `json:"attempts"`
}

// AuditAppendedEvent mirrors an audit log row to the broker.
type AuditAppendedEvent struct {
	AuditID    string    `json:"audit_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
