package payments_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/events"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/gateway"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments/paymenttest"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

var (
	owner = payments.Principal{UserID: "u1", Role: "customer", TenantID: "t1"}
	admin = payments.Principal{UserID: "adm", Role: "admin", TenantID: "t1"}
)

type fixture struct {
	service   *payments.Service
	store     *paymenttest.FakeStore
	targets   *paymenttest.FakeTargets
	gateway   *paymenttest.FakeGateway
	publisher *paymenttest.CapturePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     paymenttest.NewFakeStore(),
		targets:   paymenttest.NewFakeTargets(),
		gateway:   paymenttest.NewFakeGateway(),
		publisher: &paymenttest.CapturePublisher{},
	}
	cfg := payments.Config{
		OrderExpiry:        30 * time.Minute,
		MaxRetryAttempts:   3,
		RetryBackoff:       []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour},
		IdempotencyTTL:     48 * time.Hour,
		MaxDunningAttempts: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = payments.NewService(paymenttest.FakeDB{}, f.store, f.targets, f.gateway, f.publisher, logger, cfg)
	return f
}

func (f *fixture) seedOrderTarget(id string) {
	f.targets.Orders[id] = &targets.Order{
		ID:            id,
		TenantID:      "t1",
		UserID:        "u1",
		Status:        targets.OrderPending,
		PaymentStatus: targets.PaymentPending,
		Total:         money.New(50000, money.INR),
		CreatedAt:     time.Now().UTC(),
	}
}

func (f *fixture) seedCycleTarget(cycleID, subID string) {
	f.targets.Subs[subID] = &targets.Subscription{
		ID: subID, TenantID: "t1", UserID: "u1", Status: targets.SubscriptionActive,
	}
	f.targets.Cycles[cycleID] = &targets.BillingCycle{
		ID:             cycleID,
		SubscriptionID: subID,
		TenantID:       "t1",
		UserID:         "u1",
		Amount:         money.New(29900, money.INR),
		DueDate:        time.Now().UTC().Add(-time.Hour),
		Status:         targets.CyclePending,
	}
}

func (f *fixture) openOrder(t *testing.T, targetRef targets.Ref) *payments.PaymentOrder {
	t.Helper()
	order, err := f.service.OpenOrder(context.Background(), payments.OpenOrderRequest{
		Target:    targetRef,
		Principal: owner,
	})
	require.NoError(t, err)
	return order
}

func orderRef(id string) targets.Ref {
	return targets.Ref{Kind: targets.KindOrder, ID: id}
}

func cycleRef(id string) targets.Ref {
	return targets.Ref{Kind: targets.KindBillingCycle, ID: id}
}

func TestOpenOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")

		order, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: owner,
		})
		require.NoError(t, err)

		assert.Equal(t, payments.OrderCreated, order.Status)
		assert.Equal(t, int64(50000), order.Amount.AmountMinor)
		assert.Equal(t, money.INR, order.Amount.Currency)
		assert.NotEmpty(t, order.GatewayOrderID)
		assert.WithinDuration(t, time.Now().UTC().Add(30*time.Minute), order.ExpiresAt, 5*time.Second)

		assert.Equal(t, targets.PaymentProcessing, f.targets.Orders["ord1"].PaymentStatus)
		assert.Equal(t, 1, f.store.AuditCount(payments.EntityPaymentOrder, order.ID, "opened"))
	})

	t.Run("amount override", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")

		amount := int64(12345)
		order, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Amount:    &amount,
			Principal: owner,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(12345), order.Amount.AmountMinor)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")

		amount := int64(0)
		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Amount:    &amount,
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})

	t.Run("rejects unsupported currency", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")

		currency := money.Currency("XYZ")
		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Currency:  &currency,
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})

	t.Run("unknown target", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("missing"),
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindNotFound))
	})

	t.Run("non-payable target", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		f.targets.Orders["ord1"].PaymentStatus = targets.PaymentPaid

		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})

	t.Run("stranger denied, tenant admin allowed", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")

		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: payments.Principal{UserID: "u2", Role: "customer", TenantID: "t1"},
		})
		assert.True(t, payments.IsKind(err, payments.KindAuthorization))

		_, err = f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: admin,
		})
		assert.NoError(t, err)
	})

	t.Run("second open conflicts while first is active", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		f.openOrder(t, orderRef("ord1"))

		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindConflict))
	})

	t.Run("gateway failure surfaces and persists nothing", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		f.gateway.CreateOrderErr = assert.AnError

		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    orderRef("ord1"),
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindGateway))
		assert.Empty(t, f.store.Orders)
	})

	t.Run("billing cycle not yet due", func(t *testing.T) {
		f := newFixture(t)
		f.seedCycleTarget("cyc1", "sub1")
		f.targets.Cycles["cyc1"].DueDate = time.Now().UTC().Add(24 * time.Hour)

		_, err := f.service.OpenOrder(ctx, payments.OpenOrderRequest{
			Target:    cycleRef("cyc1"),
			Principal: owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})
}

func seedCapturedPayment(f *fixture, order *payments.PaymentOrder, gwTxnID string) {
	f.gateway.Payments[gwTxnID] = &gateway.Payment{
		ID:          gwTxnID,
		OrderID:     order.GatewayOrderID,
		AmountMinor: order.Amount.AmountMinor,
		Currency:    string(order.Amount.Currency),
		Status:      gateway.PaymentCaptured,
		Method:      "upi",
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("captured payment settles the order", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		result, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)
		assert.Equal(t, payments.TxnCaptured, result.Status)
		assert.False(t, result.AlreadyProcessed)

		stored, err := f.store.GetOrder(ctx, nil, order.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.OrderPaid, stored.Status)
		assert.Equal(t, targets.PaymentPaid, f.targets.Orders["ord1"].PaymentStatus)
		assert.Contains(t, f.publisher.Subjects(), events.SubjectOrderPaid)

		mirrored := 0
		for _, s := range f.publisher.Subjects() {
			if s == events.SubjectAudit {
				mirrored++
			}
		}
		assert.Equal(t, 3, mirrored, "opened, payment_captured and paid entries mirrored")
	})

	t.Run("repeat verification is a read", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		req := payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		}

		_, err := f.service.Verify(ctx, req)
		require.NoError(t, err)
		result, err := f.service.Verify(ctx, req)
		require.NoError(t, err)

		assert.True(t, result.AlreadyProcessed)
		assert.Equal(t, payments.TxnCaptured, result.Status)
		assert.Equal(t, 1, f.store.AuditCount(payments.EntityTransaction, "pay_1", "payment_captured"))
		assert.Equal(t, 1, f.store.AuditCount(payments.EntityPaymentOrder, order.ID, "paid"))
	})

	t.Run("invalid signature is rejected before any lookup", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")

		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            "deadbeef",
			Principal:            owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindAuthentication))
		assert.Empty(t, f.store.Txns)
	})

	t.Run("amount mismatch is an integrity failure", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")
		f.gateway.Payments["pay_1"].AmountMinor = 1

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindIntegrity))
	})

	t.Run("failed payment cancels the order target", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		f.gateway.Payments["pay_1"] = &gateway.Payment{
			ID:          "pay_1",
			OrderID:     order.GatewayOrderID,
			AmountMinor: order.Amount.AmountMinor,
			Status:      gateway.PaymentFailed,
			ErrorCode:   "BAD_FUNDS",
		}

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		result, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)
		assert.Equal(t, payments.TxnFailed, result.Status)

		stored, err := f.store.GetOrder(ctx, nil, order.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.OrderFailed, stored.Status)
		assert.Equal(t, targets.OrderCancelled, f.targets.Orders["ord1"].Status)
		assert.Contains(t, f.publisher.Subjects(), events.SubjectOrderFailed)
	})

	t.Run("expired order cannot be verified", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")
		f.store.Orders[order.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))

		_, err = f.store.GetTransactionByGatewayID(ctx, nil, "pay_1")
		assert.Error(t, err)
	})

	t.Run("replayed verification still requires authorization", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		req := payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		}
		_, err := f.service.Verify(ctx, req)
		require.NoError(t, err)

		req.Principal = payments.Principal{UserID: "u2", Role: "customer", TenantID: "t1"}
		_, err = f.service.Verify(ctx, req)
		assert.True(t, payments.IsKind(err, payments.KindAuthorization))
	})
}

func (f *fixture) seedFailedTransaction(t *testing.T, targetID string) (*payments.PaymentOrder, *payments.PaymentTransaction) {
	t.Helper()
	f.seedOrderTarget(targetID)
	order := f.openOrder(t, orderRef(targetID))

	gwTxnID := "pay_" + targetID
	f.gateway.Payments[gwTxnID] = &gateway.Payment{
		ID:          gwTxnID,
		OrderID:     order.GatewayOrderID,
		AmountMinor: order.Amount.AmountMinor,
		Status:      gateway.PaymentFailed,
		ErrorCode:   "DECLINED",
	}
	sig := gateway.SignPayment(order.GatewayOrderID, gwTxnID, paymenttest.KeySecret)
	_, err := f.service.Verify(context.Background(), payments.VerifyRequest{
		GatewayOrderID:       order.GatewayOrderID,
		GatewayTransactionID: gwTxnID,
		Signature:            sig,
		Principal:            owner,
	})
	require.NoError(t, err)

	txn, err := f.store.GetTransactionByGatewayID(context.Background(), nil, gwTxnID)
	require.NoError(t, err)
	return order, txn
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("schedules with backoff and marks lineage", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedFailedTransaction(t, "ord1")

		retry, err := f.service.Retry(ctx, payments.RetryRequest{
			OriginalTransactionID: txn.ID,
			Reason:                "card declined",
			Principal:             owner,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, retry.AttemptNumber)
		assert.Equal(t, payments.RetryPending, retry.Status)
		assert.WithinDuration(t, time.Now().UTC().Add(5*time.Minute), retry.ScheduledAt, 5*time.Second)

		updated, err := f.store.GetTransaction(ctx, nil, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.TxnRetryInitiated, updated.Status)

		newOrder, err := f.store.GetOrder(ctx, nil, retry.PaymentOrderID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, newOrder.Metadata[payments.MetaOriginalTransactionID])
		assert.Equal(t, "1", newOrder.Metadata[payments.MetaAttemptNumber])

		assert.Contains(t, f.publisher.Subjects(), events.SubjectRetryScheduled)
	})

	t.Run("caps attempts", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedFailedTransaction(t, "ord1")

		delays := []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour}
		for i := 1; i <= 3; i++ {
			retry, err := f.service.Retry(ctx, payments.RetryRequest{
				OriginalTransactionID: txn.ID,
				Principal:             owner,
			})
			require.NoError(t, err)
			assert.Equal(t, i, retry.AttemptNumber)
			assert.WithinDuration(t, time.Now().UTC().Add(delays[i-1]), retry.ScheduledAt, 5*time.Second)
		}

		_, err := f.service.Retry(ctx, payments.RetryRequest{
			OriginalTransactionID: txn.ID,
			Principal:             owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindConflict))
		assert.Contains(t, f.publisher.Subjects(), events.SubjectDunningExhausted)
	})

	t.Run("refunded transaction is not retryable", func(t *testing.T) {
		f := newFixture(t)
		f.seedOrderTarget("ord1")
		order := f.openOrder(t, orderRef("ord1"))
		seedCapturedPayment(f, order, "pay_1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_1", paymenttest.KeySecret)
		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)

		txn, err := f.store.GetTransactionByGatewayID(ctx, nil, "pay_1")
		require.NoError(t, err)
		_, err = f.service.Refund(ctx, payments.RefundRequest{
			TransactionID: txn.ID,
			Principal:     owner,
		})
		require.NoError(t, err)

		_, err = f.service.Retry(ctx, payments.RetryRequest{
			OriginalTransactionID: txn.ID,
			Principal:             owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindConflict))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.Retry(ctx, payments.RetryRequest{
			OriginalTransactionID: "missing",
			Principal:             owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindNotFound))
	})
}

func (f *fixture) seedCapturedTransaction(t *testing.T, targetID string) (*payments.PaymentOrder, *payments.PaymentTransaction) {
	t.Helper()
	f.seedOrderTarget(targetID)
	order := f.openOrder(t, orderRef(targetID))
	gwTxnID := "pay_" + targetID
	seedCapturedPayment(f, order, gwTxnID)

	sig := gateway.SignPayment(order.GatewayOrderID, gwTxnID, paymenttest.KeySecret)
	_, err := f.service.Verify(context.Background(), payments.VerifyRequest{
		GatewayOrderID:       order.GatewayOrderID,
		GatewayTransactionID: gwTxnID,
		Signature:            sig,
		Principal:            owner,
	})
	require.NoError(t, err)

	txn, err := f.store.GetTransactionByGatewayID(context.Background(), nil, gwTxnID)
	require.NoError(t, err)
	return order, txn
}

func TestRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("refunds captured transaction and cascades", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedCapturedTransaction(t, "ord1")

		refund, err := f.service.Refund(ctx, payments.RefundRequest{
			TransactionID: txn.ID,
			Reason:        "customer request",
			Principal:     owner,
		})
		require.NoError(t, err)

		assert.Equal(t, txn.Amount, refund.Amount)
		assert.NotEmpty(t, refund.GatewayRefundID)

		updated, err := f.store.GetTransaction(ctx, nil, txn.ID)
		require.NoError(t, err)
		assert.NotNil(t, updated.RefundedAt)

		assert.Equal(t, targets.PaymentRefunded, f.targets.Orders["ord1"].PaymentStatus)
		assert.Contains(t, f.publisher.Subjects(), events.SubjectRefundCreated)
	})

	t.Run("partial refund amount is honored", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedCapturedTransaction(t, "ord1")

		amount := txn.Amount.AmountMinor / 2
		refund, err := f.service.Refund(ctx, payments.RefundRequest{
			TransactionID: txn.ID,
			Amount:        &amount,
			Principal:     owner,
		})
		require.NoError(t, err)
		assert.Equal(t, amount, refund.Amount.AmountMinor)
	})

	t.Run("rejects amount exceeding capture", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedCapturedTransaction(t, "ord1")

		amount := txn.Amount.AmountMinor + 1
		_, err := f.service.Refund(ctx, payments.RefundRequest{
			TransactionID: txn.ID,
			Amount:        &amount,
			Principal:     owner,
		})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})

	t.Run("second refund conflicts", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedCapturedTransaction(t, "ord1")

		_, err := f.service.Refund(ctx, payments.RefundRequest{TransactionID: txn.ID, Principal: owner})
		require.NoError(t, err)

		_, err = f.service.Refund(ctx, payments.RefundRequest{TransactionID: txn.ID, Principal: owner})
		assert.True(t, payments.IsKind(err, payments.KindConflict))
	})

	t.Run("non-captured transaction is not refundable", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedFailedTransaction(t, "ord1")

		_, err := f.service.Refund(ctx, payments.RefundRequest{TransactionID: txn.ID, Principal: owner})
		assert.True(t, payments.IsKind(err, payments.KindValidation))
	})

	t.Run("gateway refund failure leaves state untouched", func(t *testing.T) {
		f := newFixture(t)
		_, txn := f.seedCapturedTransaction(t, "ord1")
		f.gateway.CreateRefundErr = assert.AnError

		_, err := f.service.Refund(ctx, payments.RefundRequest{TransactionID: txn.ID, Principal: owner})
		assert.True(t, payments.IsKind(err, payments.KindGateway))

		updated, err := f.store.GetTransaction(ctx, nil, txn.ID)
		require.NoError(t, err)
		assert.Nil(t, updated.RefundedAt)
		assert.Empty(t, f.store.Refunds)
	})
}

func TestBillingCycleLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("successful payment reactivates suspended subscription", func(t *testing.T) {
		f := newFixture(t)
		f.seedCycleTarget("cyc1", "sub1")
		f.targets.Subs["sub1"].Status = targets.SubscriptionSuspended

		order := f.openOrder(t, cycleRef("cyc1"))
		seedCapturedPayment(f, order, "pay_c1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_c1", paymenttest.KeySecret)
		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_c1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)

		assert.Equal(t, targets.CyclePaid, f.targets.Cycles["cyc1"].Status)
		assert.Equal(t, 0, f.targets.Cycles["cyc1"].DunningAttempts)
		assert.Equal(t, targets.SubscriptionActive, f.targets.Subs["sub1"].Status)
	})

	t.Run("final failed attempt surfaces dunning exhaustion", func(t *testing.T) {
		f := newFixture(t)
		f.seedCycleTarget("cyc1", "sub1")
		f.targets.Cycles["cyc1"].DunningAttempts = 2

		order := f.openOrder(t, cycleRef("cyc1"))
		f.gateway.Payments["pay_c1"] = &gateway.Payment{
			ID:          "pay_c1",
			OrderID:     order.GatewayOrderID,
			AmountMinor: order.Amount.AmountMinor,
			Status:      gateway.PaymentFailed,
			ErrorCode:   "BAD_FUNDS",
		}

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_c1", paymenttest.KeySecret)
		result, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_c1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)
		assert.Equal(t, payments.TxnFailed, result.Status)

		assert.Equal(t, targets.SubscriptionSuspended, f.targets.Subs["sub1"].Status)
		assert.Contains(t, f.publisher.Subjects(), events.SubjectOrderFailed)
		assert.Contains(t, f.publisher.Subjects(), events.SubjectDunningExhausted)
	})

	t.Run("cycle refund cascades to refunded status", func(t *testing.T) {
		f := newFixture(t)
		f.seedCycleTarget("cyc1", "sub1")

		order := f.openOrder(t, cycleRef("cyc1"))
		seedCapturedPayment(f, order, "pay_c1")

		sig := gateway.SignPayment(order.GatewayOrderID, "pay_c1", paymenttest.KeySecret)
		_, err := f.service.Verify(ctx, payments.VerifyRequest{
			GatewayOrderID:       order.GatewayOrderID,
			GatewayTransactionID: "pay_c1",
			Signature:            sig,
			Principal:            owner,
		})
		require.NoError(t, err)

		txn, err := f.store.GetTransactionByGatewayID(ctx, nil, "pay_c1")
		require.NoError(t, err)
		_, err = f.service.Refund(ctx, payments.RefundRequest{
			TransactionID: txn.ID,
			Reason:        "plan cancelled",
			Principal:     owner,
		})
		require.NoError(t, err)

		assert.Equal(t, targets.CycleRefunded, f.targets.Cycles["cyc1"].Status)
	})
}
