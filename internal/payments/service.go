package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/events"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/gateway"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

// DB is the transactional substrate the service runs on.
type DB interface {
	database.Querier
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Store persists payment entities and the audit log.
type Store interface {
	CreateOrder(ctx context.Context, q database.Querier, order *PaymentOrder) error
	GetOrder(ctx context.Context, q database.Querier, id string) (*PaymentOrder, error)
	GetOrderByGatewayID(ctx context.Context, q database.Querier, gatewayOrderID string) (*PaymentOrder, error)
	GetActiveOrderForTarget(ctx context.Context, q database.Querier, target targets.Ref) (*PaymentOrder, error)
	SetOrderStatus(ctx context.Context, q database.Querier, id string, to OrderStatus, from ...OrderStatus) (bool, error)
	ExpireStaleOrders(ctx context.Context, q database.Querier) (int64, error)

	GetTransaction(ctx context.Context, q database.Querier, id string) (*PaymentTransaction, error)
	GetTransactionByGatewayID(ctx context.Context, q database.Querier, gatewayTransactionID string) (*PaymentTransaction, error)
	UpsertTransaction(ctx context.Context, q database.Querier, txn *PaymentTransaction) (bool, error)
	MarkTransactionRetryInitiated(ctx context.Context, q database.Querier, id string) (bool, error)
	SetTransactionRefunded(ctx context.Context, q database.Querier, id string, refundedAt time.Time) (bool, error)

	CountRetries(ctx context.Context, q database.Querier, originalTransactionID string) (int, error)
	CreateRetry(ctx context.Context, q database.Querier, retry *PaymentRetry) error

	GetRefundByTransactionID(ctx context.Context, q database.Querier, transactionID string) (*PaymentRefund, error)
	CreateRefund(ctx context.Context, q database.Querier, refund *PaymentRefund) error
	CreateRefundIfAbsent(ctx context.Context, q database.Querier, refund *PaymentRefund) (bool, error)

	AppendAudit(ctx context.Context, q database.Querier, entry *AuditEntry) error
}

// TargetStore applies the status writes this subsystem is allowed to
// make on its targets.
type TargetStore interface {
	GetOrder(ctx context.Context, q database.Querier, id string) (*targets.Order, error)
	GetBillingCycle(ctx context.Context, q database.Querier, id string) (*targets.BillingCycle, error)
	GetSubscription(ctx context.Context, q database.Querier, id string) (*targets.Subscription, error)

	MarkOrderProcessing(ctx context.Context, q database.Querier, id string) error
	MarkOrderPaid(ctx context.Context, q database.Querier, id string) (bool, error)
	CancelOrderForFailedPayment(ctx context.Context, q database.Querier, id string) (bool, error)
	MarkOrderRefunded(ctx context.Context, q database.Querier, id string) (bool, error)

	MarkCyclePaid(ctx context.Context, q database.Querier, id string) (bool, error)
	MarkCycleRefunded(ctx context.Context, q database.Querier, id string) (bool, error)
	IncrementCycleDunning(ctx context.Context, q database.Querier, id string) (int, error)
	SuspendSubscription(ctx context.Context, q database.Querier, id string) (bool, error)
	ReactivateSubscription(ctx context.Context, q database.Querier, id string) (bool, error)
}

// Service drives the payment order lifecycle. All collaborators are
// injected so tests can substitute them.
type Service struct {
	db        DB
	store     Store
	targets   TargetStore
	gateway   gateway.Client
	publisher events.Publisher
	logger    *slog.Logger
	cfg       Config
}

// NewService creates a payment service.
func NewService(db DB, store Store, targetStore TargetStore, gw gateway.Client, publisher events.Publisher, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		db:        db,
		store:     store,
		targets:   targetStore,
		gateway:   gw,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Config returns the service configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// targetInfo is the normalized view of a payable target.
type targetInfo struct {
	OwnerID        string
	TenantID       string
	Amount         money.Money
	Payable        bool
	SubscriptionID string
}

func (s *Service) loadTarget(ctx context.Context, q database.Querier, ref targets.Ref) (*targetInfo, error) {
	switch ref.Kind {
	case targets.KindOrder:
		o, err := s.targets.GetOrder(ctx, q, ref.ID)
		if err != nil {
			if database.IsNotFound(err) {
				return nil, E(KindNotFound, "order %s not found", ref.ID)
			}
			return nil, err
		}
		return &targetInfo{
			OwnerID:  o.UserID,
			TenantID: o.TenantID,
			Amount:   o.Total,
			Payable:  o.Payable(),
		}, nil
	case targets.KindBillingCycle:
		c, err := s.targets.GetBillingCycle(ctx, q, ref.ID)
		if err != nil {
			if database.IsNotFound(err) {
				return nil, E(KindNotFound, "billing cycle %s not found", ref.ID)
			}
			return nil, err
		}
		return &targetInfo{
			OwnerID:        c.UserID,
			TenantID:       c.TenantID,
			Amount:         c.Amount,
			Payable:        c.Payable(time.Now().UTC()),
			SubscriptionID: c.SubscriptionID,
		}, nil
	default:
		return nil, E(KindValidation, "unknown target kind %q", ref.Kind)
	}
}

// OpenOrderRequest is the request to open a payment order.
type OpenOrderRequest struct {
	Target    targets.Ref
	Amount    *int64
	Currency  *money.Currency
	Principal Principal
}

// OpenOrder opens a payable intent against a target: it creates the
// gateway-side order and persists the local PaymentOrder with a 30
// minute expiry window.
func (s *Service) OpenOrder(ctx context.Context, req OpenOrderRequest) (*PaymentOrder, error) {
	// Passive expiry: fold stale orders before validating.
	if _, err := s.store.ExpireStaleOrders(ctx, s.db); err != nil {
		s.logger.Warn("expiring stale orders failed", "error", err)
	}

	info, err := s.loadTarget(ctx, s.db, req.Target)
	if err != nil {
		return nil, err
	}

	if !req.Principal.CanAct(info.OwnerID, info.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not pay for %s %s", req.Principal.UserID, req.Target.Kind, req.Target.ID)
	}
	if !info.Payable {
		return nil, E(KindValidation, "%s %s is not payable", req.Target.Kind, req.Target.ID)
	}

	amount := info.Amount
	if req.Amount != nil {
		amount.AmountMinor = *req.Amount
	}
	if req.Currency != nil {
		amount.Currency = *req.Currency
	}
	if amount.AmountMinor <= 0 {
		return nil, E(KindValidation, "amount must be positive")
	}
	if !money.IsSupported(amount.Currency) {
		return nil, E(KindValidation, "unsupported currency %q", amount.Currency)
	}

	if existing, err := s.store.GetActiveOrderForTarget(ctx, s.db, req.Target); err == nil {
		return nil, E(KindConflict, "payment order %s already active for %s %s", existing.ID, req.Target.Kind, req.Target.ID)
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	orderID := ulid.Make().String()

	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		AmountMinor: amount.AmountMinor,
		Currency:    string(amount.Currency),
		Receipt:     orderID,
		Notes: map[string]string{
			"target_kind": string(req.Target.Kind),
			"target_id":   req.Target.ID,
		},
	})
	if err != nil {
		// Not retried inline; the caller may re-invoke.
		return nil, Wrap(KindGateway, err, "creating gateway order")
	}

	now := time.Now().UTC()
	order := &PaymentOrder{
		ID:             orderID,
		GatewayOrderID: gwOrder.ID,
		Amount:         amount,
		Status:         OrderCreated,
		OwnerID:        info.OwnerID,
		TenantID:       info.TenantID,
		Target:         req.Target,
		ExpiresAt:      now.Add(s.cfg.OrderExpiry),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	opened := NewAuditEntry(EntityPaymentOrder, order.ID, "opened", "", string(OrderCreated), req.Principal.UserID)
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.CreateOrder(ctx, tx, order); err != nil {
			return err
		}
		if req.Target.Kind == targets.KindOrder {
			if err := s.targets.MarkOrderProcessing(ctx, tx, req.Target.ID); err != nil {
				return err
			}
		}
		return s.store.AppendAudit(ctx, tx, opened)
	})
	if err != nil {
		return nil, err
	}

	s.mirrorAudit(ctx, order.TenantID, []*AuditEntry{opened})

	s.logger.Info("payment order opened",
		"payment_order_id", order.ID,
		"gateway_order_id", order.GatewayOrderID,
		"target_kind", req.Target.Kind,
		"target_id", req.Target.ID,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
	)

	return order, nil
}

// VerifyRequest is the client-driven checkout confirmation.
type VerifyRequest struct {
	GatewayOrderID       string
	GatewayTransactionID string
	Signature            string
	Principal            Principal
}

// VerifyResult is the outcome of a verification call.
type VerifyResult struct {
	Status           TransactionStatus
	AlreadyProcessed bool
}

// Verify handles the synchronous confirmation path. It is best-effort:
// the webhook engine remains authoritative, and both converge on the
// same upsert keyed by gateway transaction ID.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if !s.gateway.VerifyPaymentSignature(req.GatewayOrderID, req.GatewayTransactionID, req.Signature) {
		return nil, E(KindAuthentication, "payment signature mismatch for %s", req.GatewayTransactionID)
	}

	order, err := s.store.GetOrderByGatewayID(ctx, s.db, req.GatewayOrderID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, E(KindNotFound, "payment order for gateway order %s not found", req.GatewayOrderID)
		}
		return nil, err
	}
	if !req.Principal.CanAct(order.OwnerID, order.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not verify order %s", req.Principal.UserID, order.ID)
	}

	// Idempotent: a transaction already recorded for this gateway
	// transaction ID is returned as-is, with no state re-mutation.
	if existing, err := s.store.GetTransactionByGatewayID(ctx, s.db, req.GatewayTransactionID); err == nil {
		return &VerifyResult{Status: existing.Status, AlreadyProcessed: true}, nil
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	if !order.Usable(time.Now().UTC()) {
		return nil, E(KindValidation, "payment order %s is expired or closed", order.ID)
	}

	payment, err := s.gateway.FetchPayment(ctx, req.GatewayTransactionID)
	if err != nil {
		return nil, Wrap(KindGateway, err, "fetching payment %s", req.GatewayTransactionID)
	}
	if payment.OrderID != "" && payment.OrderID != req.GatewayOrderID {
		return nil, E(KindIntegrity, "payment %s belongs to order %s, not %s", payment.ID, payment.OrderID, req.GatewayOrderID)
	}
	if payment.AmountMinor != order.Amount.AmountMinor {
		return nil, E(KindIntegrity, "payment amount %d does not match order amount %d", payment.AmountMinor, order.Amount.AmountMinor)
	}

	status := mapGatewayStatus(payment.Status)
	var paid, failed, exhausted bool
	var audited []*AuditEntry

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		switch status {
		case TxnCaptured, TxnAuthorized:
			capturedAt := (*time.Time)(nil)
			if status == TxnCaptured {
				now := time.Now().UTC()
				capturedAt = &now
			}
			applied, entries, err := s.applySuccess(ctx, tx, order, req.GatewayTransactionID, payment.Method, status, capturedAt, req.Principal.UserID)
			if err != nil {
				return err
			}
			paid = applied
			audited = entries
			return nil
		case TxnFailed:
			applied, dunned, entries, err := s.applyFailure(ctx, tx, order, req.GatewayTransactionID, payment.Method, payment.ErrorCode, req.Principal.UserID)
			failed = applied
			exhausted = dunned
			audited = entries
			return err
		default:
			// Payment still in flight on the gateway; record the
			// transaction so later deliveries converge on it.
			_, err := s.store.UpsertTransaction(ctx, tx, s.newTransaction(order, req.GatewayTransactionID, payment.Method, TxnCreated, nil))
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	if paid {
		s.publishOrderPaid(ctx, order, req.GatewayTransactionID, payment.Method, nil)
	}
	if failed {
		s.PublishOrderFailed(ctx, order, req.GatewayTransactionID, payment.ErrorCode, payment.ErrorReason)
		if exhausted {
			s.publishDunningExhausted(ctx, order, req.GatewayTransactionID, s.cfg.MaxDunningAttempts)
		}
	}
	s.mirrorAudit(ctx, order.TenantID, audited)

	s.logger.Info("payment verified",
		"payment_order_id", order.ID,
		"gateway_transaction_id", req.GatewayTransactionID,
		"status", status,
	)

	return &VerifyResult{Status: status}, nil
}

func mapGatewayStatus(status string) TransactionStatus {
	switch status {
	case gateway.PaymentCaptured:
		return TxnCaptured
	case gateway.PaymentAuthorized:
		return TxnAuthorized
	case gateway.PaymentFailed:
		return TxnFailed
	default:
		return TxnCreated
	}
}

func (s *Service) newTransaction(order *PaymentOrder, gatewayTransactionID, method string, status TransactionStatus, capturedAt *time.Time) *PaymentTransaction {
	now := time.Now().UTC()
	return &PaymentTransaction{
		ID:                   ulid.Make().String(),
		GatewayTransactionID: gatewayTransactionID,
		PaymentOrderID:       order.ID,
		Amount:               order.Amount,
		Status:               status,
		Method:               method,
		CapturedAt:           capturedAt,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// applySuccess records a successful payment and flips the order and its
// target, appending one audit entry per applied transition. It is
// idempotent: replays and racing writers affect no rows and append no
// audit entries. The appended entries are returned so the caller can
// mirror them after commit.
func (s *Service) applySuccess(ctx context.Context, q database.Querier, order *PaymentOrder, gatewayTransactionID, method string, status TransactionStatus, capturedAt *time.Time, actor string) (bool, []*AuditEntry, error) {
	txn := s.newTransaction(order, gatewayTransactionID, method, status, capturedAt)

	applied, err := s.store.UpsertTransaction(ctx, q, txn)
	if err != nil {
		return false, nil, err
	}
	if !applied {
		return false, nil, nil
	}

	var audited []*AuditEntry
	entry := NewAuditEntry(EntityTransaction, gatewayTransactionID, "payment_"+string(status), string(TxnCreated), string(status), actor)
	if err := s.store.AppendAudit(ctx, q, entry); err != nil {
		return false, nil, err
	}
	audited = append(audited, entry)

	orderMoved, err := s.store.SetOrderStatus(ctx, q, order.ID, OrderPaid, OrderCreated, OrderAttempted)
	if err != nil {
		return false, nil, err
	}
	if orderMoved {
		entry := NewAuditEntry(EntityPaymentOrder, order.ID, "paid", string(order.Status), string(OrderPaid), actor)
		if err := s.store.AppendAudit(ctx, q, entry); err != nil {
			return false, nil, err
		}
		audited = append(audited, entry)
	}

	switch order.Target.Kind {
	case targets.KindOrder:
		if _, err := s.targets.MarkOrderPaid(ctx, q, order.Target.ID); err != nil {
			return false, nil, err
		}
	case targets.KindBillingCycle:
		if _, err := s.targets.MarkCyclePaid(ctx, q, order.Target.ID); err != nil {
			return false, nil, err
		}
		cycle, err := s.targets.GetBillingCycle(ctx, q, order.Target.ID)
		if err != nil {
			return false, nil, err
		}
		if _, err := s.targets.ReactivateSubscription(ctx, q, cycle.SubscriptionID); err != nil {
			return false, nil, err
		}
	}

	return true, audited, nil
}

// applyFailure records a failed payment, cancels order targets, and
// advances dunning for billing cycles. It returns whether the failure
// was newly applied, for billing cycles whether dunning is now
// exhausted (subscription suspended), and the appended audit entries.
func (s *Service) applyFailure(ctx context.Context, q database.Querier, order *PaymentOrder, gatewayTransactionID, method, errorCode, actor string) (applied bool, exhausted bool, audited []*AuditEntry, err error) {
	txn := s.newTransaction(order, gatewayTransactionID, method, TxnFailed, nil)

	applied, err = s.store.UpsertTransaction(ctx, q, txn)
	if err != nil || !applied {
		return applied, false, nil, err
	}

	entry := NewAuditEntry(EntityTransaction, gatewayTransactionID, "payment_failed", string(TxnCreated), string(TxnFailed), actor)
	entry.Detail = errorCode
	if err := s.store.AppendAudit(ctx, q, entry); err != nil {
		return false, false, nil, err
	}
	audited = append(audited, entry)

	orderMoved, err := s.store.SetOrderStatus(ctx, q, order.ID, OrderFailed, OrderCreated, OrderAttempted)
	if err != nil {
		return false, false, nil, err
	}
	if orderMoved {
		entry := NewAuditEntry(EntityPaymentOrder, order.ID, "failed", string(order.Status), string(OrderFailed), actor)
		if err := s.store.AppendAudit(ctx, q, entry); err != nil {
			return false, false, nil, err
		}
		audited = append(audited, entry)
	}

	switch order.Target.Kind {
	case targets.KindOrder:
		if _, err := s.targets.CancelOrderForFailedPayment(ctx, q, order.Target.ID); err != nil {
			return false, false, nil, err
		}
	case targets.KindBillingCycle:
		attempts, err := s.targets.IncrementCycleDunning(ctx, q, order.Target.ID)
		if err != nil {
			return false, false, nil, err
		}
		if attempts >= s.cfg.MaxDunningAttempts {
			cycle, err := s.targets.GetBillingCycle(ctx, q, order.Target.ID)
			if err != nil {
				return false, false, nil, err
			}
			if _, err := s.targets.SuspendSubscription(ctx, q, cycle.SubscriptionID); err != nil {
				return false, false, nil, err
			}
			exhausted = true
		}
	}

	return true, exhausted, audited, nil
}

// RetryRequest asks for a follow-up attempt against a failed transaction.
type RetryRequest struct {
	OriginalTransactionID string
	Reason                string
	Principal             Principal
}

// Retry opens a new payment order lineage for a failed transaction and
// schedules it per the backoff schedule. The original transaction is
// marked retry_initiated and remains queryable history.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (*PaymentRetry, error) {
	txn, err := s.store.GetTransaction(ctx, s.db, req.OriginalTransactionID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, E(KindNotFound, "transaction %s not found", req.OriginalTransactionID)
		}
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, s.db, txn.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	if !req.Principal.CanAct(order.OwnerID, order.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not retry transaction %s", req.Principal.UserID, txn.ID)
	}

	// A refunded transaction is never retried.
	if _, err := s.store.GetRefundByTransactionID(ctx, s.db, txn.ID); err == nil {
		return nil, E(KindConflict, "transaction %s has a refund and cannot be retried", txn.ID)
	} else if !database.IsNotFound(err) {
		return nil, err
	}
	if !txn.RetryEligible(time.Now().UTC(), s.cfg.OrderExpiry) {
		return nil, E(KindValidation, "transaction %s is not eligible for retry (status %s)", txn.ID, txn.Status)
	}

	prior, err := s.store.CountRetries(ctx, s.db, txn.ID)
	if err != nil {
		return nil, err
	}
	attemptNumber := prior + 1
	if attemptNumber > s.cfg.MaxRetryAttempts {
		s.publishDunningExhausted(ctx, order, txn.ID, prior)
		return nil, E(KindConflict, "retry limit reached for transaction %s (%d attempts)", txn.ID, prior)
	}

	delay := s.cfg.BackoffDelay(attemptNumber)
	now := time.Now().UTC()
	scheduledAt := now.Add(delay)

	newOrderID := ulid.Make().String()
	gwOrder, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		AmountMinor: order.Amount.AmountMinor,
		Currency:    string(order.Amount.Currency),
		Receipt:     newOrderID,
		Notes: map[string]string{
			MetaOriginalTransactionID: txn.ID,
			MetaAttemptNumber:         strconv.Itoa(attemptNumber),
		},
	})
	if err != nil {
		return nil, Wrap(KindGateway, err, "creating gateway order for retry")
	}

	newOrder := &PaymentOrder{
		ID:             newOrderID,
		GatewayOrderID: gwOrder.ID,
		Amount:         order.Amount,
		Status:         OrderCreated,
		OwnerID:        order.OwnerID,
		TenantID:       order.TenantID,
		Target:         order.Target,
		Metadata: map[string]string{
			MetaOriginalTransactionID: txn.ID,
			MetaAttemptNumber:         strconv.Itoa(attemptNumber),
		},
		ExpiresAt: scheduledAt.Add(s.cfg.OrderExpiry),
		CreatedAt: now,
		UpdatedAt: now,
	}

	retry := &PaymentRetry{
		ID:                    ulid.Make().String(),
		OriginalTransactionID: txn.ID,
		PaymentOrderID:        newOrderID,
		AttemptNumber:         attemptNumber,
		ScheduledAt:           scheduledAt,
		Reason:                req.Reason,
		Status:                RetryPending,
		CreatedAt:             now,
	}

	var audited []*AuditEntry
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.CreateOrder(ctx, tx, newOrder); err != nil {
			return err
		}
		if err := s.store.CreateRetry(ctx, tx, retry); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				return E(KindConflict, "retry attempt %d already recorded for %s", attemptNumber, txn.ID)
			}
			return err
		}
		moved, err := s.store.MarkTransactionRetryInitiated(ctx, tx, txn.ID)
		if err != nil {
			return err
		}
		if moved {
			entry := NewAuditEntry(EntityTransaction, txn.GatewayTransactionID, "retry_initiated", string(txn.Status), string(TxnRetryInitiated), req.Principal.UserID)
			if err := s.store.AppendAudit(ctx, tx, entry); err != nil {
				return err
			}
			audited = append(audited, entry)
		}
		entry := NewAuditEntry(EntityRetry, retry.ID, "retry_scheduled", "", string(RetryPending), req.Principal.UserID)
		entry.Detail = fmt.Sprintf("attempt %d, delay %s", attemptNumber, delay)
		if err := s.store.AppendAudit(ctx, tx, entry); err != nil {
			return err
		}
		audited = append(audited, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishRetryScheduled(ctx, order.TenantID, retry)
	s.mirrorAudit(ctx, order.TenantID, audited)

	s.logger.Info("payment retry scheduled",
		"retry_id", retry.ID,
		"original_transaction_id", txn.ID,
		"attempt_number", attemptNumber,
		"scheduled_at", scheduledAt,
	)

	return retry, nil
}

// RefundRequest asks to reverse a captured transaction.
type RefundRequest struct {
	TransactionID string
	Amount        *int64
	Reason        string
	Principal     Principal
}

// Refund reverses a captured transaction through the gateway, persists
// the (at most one) refund record, and cascades the target.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*PaymentRefund, error) {
	txn, err := s.store.GetTransaction(ctx, s.db, req.TransactionID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, E(KindNotFound, "transaction %s not found", req.TransactionID)
		}
		return nil, err
	}

	order, err := s.store.GetOrder(ctx, s.db, txn.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	if !req.Principal.CanAct(order.OwnerID, order.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not refund transaction %s", req.Principal.UserID, txn.ID)
	}

	if !txn.Refundable() {
		return nil, E(KindValidation, "transaction %s is not refundable (status %s)", txn.ID, txn.Status)
	}
	if _, err := s.store.GetRefundByTransactionID(ctx, s.db, txn.ID); err == nil {
		return nil, E(KindConflict, "transaction %s is already refunded", txn.ID)
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	amount := txn.Amount
	if req.Amount != nil {
		amount.AmountMinor = *req.Amount
	}
	if amount.AmountMinor <= 0 {
		return nil, E(KindValidation, "refund amount must be positive")
	}
	if amount.AmountMinor > txn.Amount.AmountMinor {
		return nil, E(KindValidation, "refund amount %d exceeds transaction amount %d", amount.AmountMinor, txn.Amount.AmountMinor)
	}

	gwRefund, err := s.gateway.CreateRefund(ctx, txn.GatewayTransactionID, amount.AmountMinor, map[string]string{
		"reason": req.Reason,
	})
	if err != nil {
		// Not retried automatically; the caller must re-invoke.
		return nil, Wrap(KindGateway, err, "creating gateway refund for %s", txn.GatewayTransactionID)
	}

	now := time.Now().UTC()
	refund := &PaymentRefund{
		ID:              ulid.Make().String(),
		TransactionID:   txn.ID,
		GatewayRefundID: gwRefund.ID,
		Amount:          amount,
		Status:          gwRefund.Status,
		Reason:          req.Reason,
		ProcessedAt:     now,
		CreatedAt:       now,
	}

	refundEntry := NewAuditEntry(EntityRefund, refund.ID, "refund_created", string(TxnCaptured), "refunded", req.Principal.UserID)
	refundEntry.Detail = req.Reason

	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.store.CreateRefund(ctx, tx, refund); err != nil {
			if errors.Is(err, database.ErrAlreadyExists) {
				return E(KindConflict, "transaction %s is already refunded", txn.ID)
			}
			return err
		}
		if _, err := s.store.SetTransactionRefunded(ctx, tx, txn.ID, now); err != nil {
			return err
		}
		switch order.Target.Kind {
		case targets.KindOrder:
			if _, err := s.targets.MarkOrderRefunded(ctx, tx, order.Target.ID); err != nil {
				return err
			}
		case targets.KindBillingCycle:
			if _, err := s.targets.MarkCycleRefunded(ctx, tx, order.Target.ID); err != nil {
				return err
			}
		}
		return s.store.AppendAudit(ctx, tx, refundEntry)
	})
	if err != nil {
		return nil, err
	}

	s.publishRefundCreated(ctx, order.TenantID, refund, txn.GatewayTransactionID)
	s.mirrorAudit(ctx, order.TenantID, []*AuditEntry{refundEntry})

	s.logger.Info("refund processed",
		"refund_id", refund.ID,
		"transaction_id", txn.ID,
		"amount", amount.AmountMinor,
	)

	return refund, nil
}

// GetOrderForPrincipal retrieves a payment order the principal may see.
func (s *Service) GetOrderForPrincipal(ctx context.Context, id string, p Principal) (*PaymentOrder, error) {
	order, err := s.store.GetOrder(ctx, s.db, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, E(KindNotFound, "payment order %s not found", id)
		}
		return nil, err
	}
	if !p.CanAct(order.OwnerID, order.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not view order %s", p.UserID, order.ID)
	}
	return order, nil
}

// GetTransactionForPrincipal retrieves a transaction the principal may see.
func (s *Service) GetTransactionForPrincipal(ctx context.Context, id string, p Principal) (*PaymentTransaction, error) {
	txn, err := s.store.GetTransaction(ctx, s.db, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, E(KindNotFound, "transaction %s not found", id)
		}
		return nil, err
	}
	order, err := s.store.GetOrder(ctx, s.db, txn.PaymentOrderID)
	if err != nil {
		return nil, err
	}
	if !p.CanAct(order.OwnerID, order.TenantID) {
		return nil, E(KindAuthorization, "principal %s may not view transaction %s", p.UserID, txn.ID)
	}
	return txn, nil
}

// RecordGatewayCapture applies a gateway-reported capture inside the
// caller's transaction. Used by the webhook engine, which mirrors the
// returned audit entries after commit.
func (s *Service) RecordGatewayCapture(ctx context.Context, q database.Querier, order *PaymentOrder, gatewayTransactionID, method string, capturedAt *time.Time) (bool, []*AuditEntry, error) {
	return s.applySuccess(ctx, q, order, gatewayTransactionID, method, TxnCaptured, capturedAt, ActorGateway)
}

// RecordGatewayFailure applies a gateway-reported failure inside the
// caller's transaction. Used by the webhook engine.
func (s *Service) RecordGatewayFailure(ctx context.Context, q database.Querier, order *PaymentOrder, gatewayTransactionID, method, errorCode string) (applied bool, exhausted bool, audited []*AuditEntry, err error) {
	return s.applyFailure(ctx, q, order, gatewayTransactionID, method, errorCode, ActorGateway)
}

// RecordGatewayRefund persists a gateway-originated refund inside the
// caller's transaction, converging with any locally initiated refund on
// the unique transaction ID. It returns the refund when newly created,
// nil when one already existed. Deliveries against a non-captured
// transaction or exceeding the captured amount are illegal edges:
// dropped with a log line, no rows written.
func (s *Service) RecordGatewayRefund(ctx context.Context, q database.Querier, order *PaymentOrder, txn *PaymentTransaction, gatewayRefundID string, amountMinor int64, status string) (*PaymentRefund, []*AuditEntry, error) {
	if txn.Status != TxnCaptured {
		s.logger.Warn("refund for non-captured transaction ignored",
			"transaction_id", txn.ID,
			"transaction_status", txn.Status,
			"gateway_refund_id", gatewayRefundID,
		)
		return nil, nil, nil
	}
	if amountMinor <= 0 || amountMinor > txn.Amount.AmountMinor {
		s.logger.Warn("refund with invalid amount ignored",
			"transaction_id", txn.ID,
			"refund_amount", amountMinor,
			"transaction_amount", txn.Amount.AmountMinor,
			"gateway_refund_id", gatewayRefundID,
		)
		return nil, nil, nil
	}

	now := time.Now().UTC()
	refund := &PaymentRefund{
		ID:              ulid.Make().String(),
		TransactionID:   txn.ID,
		GatewayRefundID: gatewayRefundID,
		Amount:          money.New(amountMinor, txn.Amount.Currency),
		Status:          status,
		Reason:          "gateway webhook",
		ProcessedAt:     now,
		CreatedAt:       now,
	}

	created, err := s.store.CreateRefundIfAbsent(ctx, q, refund)
	if err != nil {
		return nil, nil, err
	}
	if !created {
		return nil, nil, nil
	}
	if _, err := s.store.SetTransactionRefunded(ctx, q, txn.ID, now); err != nil {
		return nil, nil, err
	}
	switch order.Target.Kind {
	case targets.KindOrder:
		if _, err := s.targets.MarkOrderRefunded(ctx, q, order.Target.ID); err != nil {
			return nil, nil, err
		}
	case targets.KindBillingCycle:
		if _, err := s.targets.MarkCycleRefunded(ctx, q, order.Target.ID); err != nil {
			return nil, nil, err
		}
	}
	entry := NewAuditEntry(EntityRefund, refund.ID, "refund_created", string(TxnCaptured), "refunded", ActorGateway)
	if err := s.store.AppendAudit(ctx, q, entry); err != nil {
		return nil, nil, err
	}
	return refund, []*AuditEntry{entry}, nil
}

// FindOrder loads a payment order by its local ID.
func (s *Service) FindOrder(ctx context.Context, q database.Querier, id string) (*PaymentOrder, error) {
	return s.store.GetOrder(ctx, q, id)
}

// FindOrderByGatewayID loads a payment order by its gateway-side order ID.
func (s *Service) FindOrderByGatewayID(ctx context.Context, q database.Querier, gatewayOrderID string) (*PaymentOrder, error) {
	return s.store.GetOrderByGatewayID(ctx, q, gatewayOrderID)
}

// FindTransactionByGatewayID loads a transaction by its gateway-side ID.
func (s *Service) FindTransactionByGatewayID(ctx context.Context, q database.Querier, gatewayTransactionID string) (*PaymentTransaction, error) {
	return s.store.GetTransactionByGatewayID(ctx, q, gatewayTransactionID)
}

// PublishOrderPaid emits the order paid event.
func (s *Service) PublishOrderPaid(ctx context.Context, order *PaymentOrder, gatewayTransactionID, method string, capturedAt *time.Time) {
	s.publishOrderPaid(ctx, order, gatewayTransactionID, method, capturedAt)
}

// PublishOrderFailed emits the order failed event.
func (s *Service) PublishOrderFailed(ctx context.Context, order *PaymentOrder, gatewayTransactionID, errorCode, errorMessage string) {
	env, err := events.NewEnvelope(events.EventOrderFailed, order.TenantID, order.ID, &events.OrderFailedEvent{
		PaymentOrderID:       order.ID,
		GatewayOrderID:       order.GatewayOrderID,
		GatewayTransactionID: gatewayTransactionID,
		TargetKind:           string(order.Target.Kind),
		TargetID:             order.Target.ID,
		Amount:               order.Amount,
		ErrorCode:            errorCode,
		ErrorMessage:         errorMessage,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectOrderFailed, env); err != nil {
		s.logger.Warn("publishing order failed event failed", "error", err, "payment_order_id", order.ID)
	}
}

// PublishRefundCreated emits the refund created event.
func (s *Service) PublishRefundCreated(ctx context.Context, tenantID string, refund *PaymentRefund, gatewayTransactionID string) {
	s.publishRefundCreated(ctx, tenantID, refund, gatewayTransactionID)
}

// PublishDunningExhausted emits the dunning exhausted event.
func (s *Service) PublishDunningExhausted(ctx context.Context, order *PaymentOrder, transactionID string, attempts int) {
	s.publishDunningExhausted(ctx, order, transactionID, attempts)
}

// MirrorAudit publishes committed audit entries on the audit subject.
// Called after commit; delivery is best-effort and never affects state.
func (s *Service) MirrorAudit(ctx context.Context, tenantID string, entries []*AuditEntry) {
	s.mirrorAudit(ctx, tenantID, entries)
}

func (s *Service) mirrorAudit(ctx context.Context, tenantID string, entries []*AuditEntry) {
	for _, entry := range entries {
		env, err := events.NewEnvelope(events.EventAuditAppended, tenantID, entry.EntityID, entry)
		if err != nil {
			continue
		}
		if err := s.publisher.Publish(ctx, events.SubjectAudit, env); err != nil {
			s.logger.Warn("mirroring audit entry failed", "error", err, "audit_id", entry.ID)
		}
	}
}

func (s *Service) publishOrderPaid(ctx context.Context, order *PaymentOrder, gatewayTransactionID, method string, capturedAt *time.Time) {
	env, err := events.NewEnvelope(events.EventOrderPaid, order.TenantID, order.ID, &events.OrderPaidEvent{
		PaymentOrderID:       order.ID,
		GatewayOrderID:       order.GatewayOrderID,
		GatewayTransactionID: gatewayTransactionID,
		TargetKind:           string(order.Target.Kind),
		TargetID:             order.Target.ID,
		Amount:               order.Amount,
		Method:               method,
		CapturedAt:           capturedAt,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectOrderPaid, env); err != nil {
		s.logger.Warn("publishing order paid event failed", "error", err, "payment_order_id", order.ID)
	}
}

func (s *Service) publishRetryScheduled(ctx context.Context, tenantID string, retry *PaymentRetry) {
	env, err := events.NewEnvelope(events.EventRetryScheduled, tenantID, retry.OriginalTransactionID, &events.RetryScheduledEvent{
		RetryID:               retry.ID,
		OriginalTransactionID: retry.OriginalTransactionID,
		PaymentOrderID:        retry.PaymentOrderID,
		AttemptNumber:         retry.AttemptNumber,
		ScheduledAt:           retry.ScheduledAt,
		Reason:                retry.Reason,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectRetryScheduled, env); err != nil {
		s.logger.Warn("publishing retry scheduled event failed", "error", err, "retry_id", retry.ID)
	}
}

func (s *Service) publishRefundCreated(ctx context.Context, tenantID string, refund *PaymentRefund, gatewayTransactionID string) {
	env, err := events.NewEnvelope(events.EventRefundCreated, tenantID, refund.TransactionID, &events.RefundCreatedEvent{
		RefundID:             refund.ID,
		TransactionID:        refund.TransactionID,
		GatewayTransactionID: gatewayTransactionID,
		Amount:               refund.Amount,
		Reason:               refund.Reason,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectRefundCreated, env); err != nil {
		s.logger.Warn("publishing refund created event failed", "error", err, "refund_id", refund.ID)
	}
}

func (s *Service) publishDunningExhausted(ctx context.Context, order *PaymentOrder, transactionID string, attempts int) {
	data := &events.DunningExhaustedEvent{
		OriginalTransactionID: transactionID,
		Attempts:              attempts,
	}
	if order.Target.Kind == targets.KindBillingCycle {
		data.BillingCycleID = order.Target.ID
	}
	env, err := events.NewEnvelope(events.EventDunningExhausted, order.TenantID, transactionID, data)
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.SubjectDunningExhausted, env); err != nil {
		s.logger.Warn("publishing dunning exhausted event failed", "error", err, "transaction_id", transactionID)
	}
}
