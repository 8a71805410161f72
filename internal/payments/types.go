// Package payments implements the payment order lifecycle: opening
// gateway-backed orders, verifying checkout confirmations, reconciling
// gateway webhooks, scheduling retries and dunning, and processing
// refunds.
package payments

import (
	"time"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

// OrderStatus represents the status of a payment order.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "created"
	OrderAttempted OrderStatus = "attempted"
	OrderPaid      OrderStatus = "paid"
	OrderFailed    OrderStatus = "failed"
	OrderExpired   OrderStatus = "expired"
)

// IsTerminal reports whether the order status is terminal. Terminal
// orders are immutable.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderPaid || s == OrderFailed || s == OrderExpired
}

// TransactionStatus represents the status of a payment transaction.
type TransactionStatus string

const (
	TxnCreated        TransactionStatus = "created"
	TxnAuthorized     TransactionStatus = "authorized"
	TxnCaptured       TransactionStatus = "captured"
	TxnFailed         TransactionStatus = "failed"
	TxnRetryInitiated TransactionStatus = "retry_initiated"
)

// transitionsFrom lists the statuses a transaction may move to the given
// status from. A transaction never regresses; a retry starts a new
// transaction lineage rather than mutating the old one.
var transitionsFrom = map[TransactionStatus][]TransactionStatus{
	TxnAuthorized:     {TxnCreated},
	TxnCaptured:       {TxnCreated, TxnAuthorized},
	TxnFailed:         {TxnCreated, TxnAuthorized},
	TxnRetryInitiated: {TxnCreated, TxnFailed},
}

// AllowedFrom returns the statuses from which a transaction may legally
// move to the target status.
func AllowedFrom(to TransactionStatus) []TransactionStatus {
	return transitionsFrom[to]
}

// RetryStatus represents the status of a scheduled retry.
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryCompleted RetryStatus = "completed"
	RetryAbandoned RetryStatus = "abandoned"
)

// PaymentOrder is a local record of an intent to pay, tied 1:1 to a
// gateway-side order. It expires passively; consumers treat an expired
// non-terminal order as unusable.
type PaymentOrder struct {
	ID             string            `json:"id"`
	GatewayOrderID string            `json:"gateway_order_id"`
	Amount         money.Money       `json:"amount"`
	Status         OrderStatus       `json:"status"`
	OwnerID        string            `json:"owner_id"`
	TenantID       string            `json:"tenant_id"`
	Target         targets.Ref       `json:"target"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Expired reports whether the order's payment window has closed.
func (o *PaymentOrder) Expired(now time.Time) bool {
	return !o.ExpiresAt.After(now)
}

// Usable reports whether new payment activity may be attached to the
// order.
func (o *PaymentOrder) Usable(now time.Time) bool {
	return !o.Status.IsTerminal() && !o.Expired(now)
}

// PaymentTransaction is the actual attempted/settled payment event from
// the gateway. GatewayTransactionID is unique and is the primary
// deduplication key for verification and webhook convergence.
type PaymentTransaction struct {
	ID                   string            `json:"id"`
	GatewayTransactionID string            `json:"gateway_transaction_id"`
	PaymentOrderID       string            `json:"payment_order_id"`
	Amount               money.Money       `json:"amount"`
	Status               TransactionStatus `json:"status"`
	Method               string            `json:"method,omitempty"`
	CapturedAt           *time.Time        `json:"captured_at,omitempty"`
	RefundedAt           *time.Time        `json:"refunded_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Refundable reports whether the transaction can accept a refund.
func (t *PaymentTransaction) Refundable() bool {
	return t.Status == TxnCaptured && t.RefundedAt == nil
}

// RetryEligible reports whether a retry may be opened against the
// transaction. A retry_initiated transaction stays eligible: the attempt
// cap is enforced per original transaction, not per status. Stale created
// transactions (checkout abandoned past the order window) are also
// eligible.
func (t *PaymentTransaction) RetryEligible(now time.Time, staleAfter time.Duration) bool {
	if t.RefundedAt != nil {
		return false
	}
	switch t.Status {
	case TxnFailed, TxnRetryInitiated:
		return true
	case TxnCreated:
		return now.Sub(t.CreatedAt) >= staleAfter
	default:
		return false
	}
}

// PaymentRetry records one scheduled follow-up attempt for a failed
// transaction. AttemptNumber is strictly increasing per original
// transaction and bounded by the configured maximum.
type PaymentRetry struct {
	ID                    string      `json:"id"`
	OriginalTransactionID string      `json:"original_transaction_id"`
	PaymentOrderID        string      `json:"payment_order_id"`
	AttemptNumber         int         `json:"attempt_number"`
	ScheduledAt           time.Time   `json:"scheduled_at"`
	Reason                string      `json:"reason,omitempty"`
	Status                RetryStatus `json:"status"`
	CreatedAt             time.Time   `json:"created_at"`
}

// PaymentRefund reverses a captured transaction. At most one refund
// exists per transaction; the refund amount never exceeds the captured
// amount.
type PaymentRefund struct {
	ID              string      `json:"id"`
	TransactionID   string      `json:"transaction_id"`
	GatewayRefundID string      `json:"gateway_refund_id,omitempty"`
	Amount          money.Money `json:"amount"`
	Status          string      `json:"status"`
	Reason          string      `json:"reason,omitempty"`
	ProcessedAt     time.Time   `json:"processed_at"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Principal is the verified caller identity produced by the upstream
// auth layer.
type Principal struct {
	UserID   string
	Role     string
	TenantID string
}

// IsAdmin reports whether the principal holds an administrative role.
func (p Principal) IsAdmin() bool {
	return p.Role == "admin"
}

// CanAct reports whether the principal may act on a resource owned by
// ownerID within tenantID.
func (p Principal) CanAct(ownerID, tenantID string) bool {
	if p.UserID == ownerID {
		return true
	}
	return p.IsAdmin() && p.TenantID == tenantID
}

// Metadata keys linking a retry order back to its original transaction.
const (
	MetaOriginalTransactionID = "original_transaction_id"
	MetaAttemptNumber         = "attempt_number"
)
