// Package targets gives the payment core its view of the entities it
// charges for: orders and subscription billing cycles. Both are owned by
// other subsystems; this package reads them for validation and writes
// only their documented payment status fields.
package targets

import (
	"time"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
)

// Kind discriminates the two payable target types.
type Kind string

const (
	KindOrder        Kind = "order"
	KindBillingCycle Kind = "billing_cycle"
)

// Ref points at a payable target.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Order status values owned by the order subsystem.
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderCancelled = "cancelled"
)

// Payment status values this subsystem writes.
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentPaid       = "paid"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

// Subscription status values.
const (
	SubscriptionActive    = "active"
	SubscriptionSuspended = "suspended"
)

// Billing cycle status values.
const (
	CyclePending  = "pending"
	CyclePaid     = "paid"
	CycleFailed   = "failed"
	CycleRefunded = "refunded"
)

// Order is a purchase order awaiting payment.
type Order struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenant_id"`
	UserID        string      `json:"user_id"`
	Status        string      `json:"status"`
	PaymentStatus string      `json:"payment_status"`
	Total         money.Money `json:"total"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Payable reports whether the order can accept a new payment.
func (o *Order) Payable() bool {
	if o.Status != OrderPending && o.Status != OrderConfirmed {
		return false
	}
	return o.PaymentStatus != PaymentPaid && o.PaymentStatus != PaymentRefunded
}

// BillingCycle is one billing period of a subscription.
type BillingCycle struct {
	ID              string      `json:"id"`
	SubscriptionID  string      `json:"subscription_id"`
	TenantID        string      `json:"tenant_id"`
	UserID          string      `json:"user_id"`
	Amount          money.Money `json:"amount"`
	DueDate         time.Time   `json:"due_date"`
	Status          string      `json:"status"`
	DunningAttempts int         `json:"dunning_attempts"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Payable reports whether the cycle is due and still pending.
func (c *BillingCycle) Payable(now time.Time) bool {
	return c.Status == CyclePending && !c.DueDate.After(now)
}

// Subscription is the recurring plan a billing cycle belongs to.
type Subscription struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
}
