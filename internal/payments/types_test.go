package payments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusIsTerminal(t *testing.T) {
	assert.False(t, OrderCreated.IsTerminal())
	assert.False(t, OrderAttempted.IsTerminal())
	assert.True(t, OrderPaid.IsTerminal())
	assert.True(t, OrderFailed.IsTerminal())
	assert.True(t, OrderExpired.IsTerminal())
}

func TestTransactionTransitions(t *testing.T) {
	tests := []struct {
		to      TransactionStatus
		allowed []TransactionStatus
	}{
		{TxnAuthorized, []TransactionStatus{TxnCreated}},
		{TxnCaptured, []TransactionStatus{TxnCreated, TxnAuthorized}},
		{TxnFailed, []TransactionStatus{TxnCreated, TxnAuthorized}},
		{TxnRetryInitiated, []TransactionStatus{TxnCreated, TxnFailed}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, AllowedFrom(tt.to), "edges into %s", tt.to)
	}

	// Terminal states have no outgoing edges: nothing transitions from
	// captured or failed into authorized, and nothing targets created.
	assert.NotContains(t, AllowedFrom(TxnAuthorized), TxnCaptured)
	assert.NotContains(t, AllowedFrom(TxnAuthorized), TxnFailed)
	assert.Empty(t, AllowedFrom(TxnCreated))
}

func TestOrderExpiry(t *testing.T) {
	now := time.Now().UTC()
	order := &PaymentOrder{
		Status:    OrderCreated,
		ExpiresAt: now.Add(30 * time.Minute),
	}

	assert.False(t, order.Expired(now))
	assert.True(t, order.Usable(now))

	assert.True(t, order.Expired(now.Add(31*time.Minute)))
	assert.False(t, order.Usable(now.Add(31*time.Minute)))

	order.Status = OrderPaid
	assert.False(t, order.Usable(now))
}

func TestRefundable(t *testing.T) {
	now := time.Now().UTC()

	txn := &PaymentTransaction{Status: TxnCaptured}
	assert.True(t, txn.Refundable())

	txn.RefundedAt = &now
	assert.False(t, txn.Refundable())

	for _, s := range []TransactionStatus{TxnCreated, TxnAuthorized, TxnFailed, TxnRetryInitiated} {
		assert.False(t, (&PaymentTransaction{Status: s}).Refundable(), "status %s", s)
	}
}

func TestRetryEligible(t *testing.T) {
	now := time.Now().UTC()
	window := 30 * time.Minute

	t.Run("failed is eligible", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnFailed, CreatedAt: now}
		assert.True(t, txn.RetryEligible(now, window))
	})

	t.Run("retry_initiated stays eligible", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnRetryInitiated, CreatedAt: now}
		assert.True(t, txn.RetryEligible(now, window))
	})

	t.Run("fresh created is not", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnCreated, CreatedAt: now}
		assert.False(t, txn.RetryEligible(now, window))
	})

	t.Run("stale created is eligible", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnCreated, CreatedAt: now.Add(-time.Hour)}
		assert.True(t, txn.RetryEligible(now, window))
	})

	t.Run("captured is not", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnCaptured, CreatedAt: now}
		assert.False(t, txn.RetryEligible(now, window))
	})

	t.Run("refunded is never eligible", func(t *testing.T) {
		txn := &PaymentTransaction{Status: TxnFailed, CreatedAt: now, RefundedAt: &now}
		assert.False(t, txn.RetryEligible(now, window))
	})
}

func TestPrincipalCanAct(t *testing.T) {
	owner := Principal{UserID: "u1", Role: "customer", TenantID: "t1"}
	admin := Principal{UserID: "admin1", Role: "admin", TenantID: "t1"}
	otherTenantAdmin := Principal{UserID: "admin2", Role: "admin", TenantID: "t2"}
	stranger := Principal{UserID: "u2", Role: "customer", TenantID: "t1"}

	assert.True(t, owner.CanAct("u1", "t1"))
	assert.True(t, admin.CanAct("u1", "t1"))
	assert.False(t, otherTenantAdmin.CanAct("u1", "t1"))
	assert.False(t, stranger.CanAct("u1", "t1"))
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{RetryBackoff: []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}}

	assert.Equal(t, 5*time.Minute, cfg.BackoffDelay(1))
	assert.Equal(t, 30*time.Minute, cfg.BackoffDelay(2))
	assert.Equal(t, 2*time.Hour, cfg.BackoffDelay(3))

	// Past the schedule the delay clamps to the last entry.
	assert.Equal(t, 2*time.Hour, cfg.BackoffDelay(4))
	assert.Equal(t, 2*time.Hour, cfg.BackoffDelay(10))

	// The schedule never decreases.
	for i := 2; i <= 6; i++ {
		assert.GreaterOrEqual(t, cfg.BackoffDelay(i), cfg.BackoffDelay(i-1))
	}

	assert.Equal(t, time.Duration(0), Config{}.BackoffDelay(1))
}

func TestKindOf(t *testing.T) {
	err := E(KindConflict, "already active")
	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, IsKind(err, KindConflict))

	wrapped := Wrap(KindGateway, err, "calling gateway")
	assert.Equal(t, KindGateway, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
