// Package paymenttest provides in-memory fakes for the payment core's
// collaborators. The fakes honor the same conditional-write semantics as
// the SQL store, so state machine behavior can be tested without a
// database.
package paymenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/events"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/gateway"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

// FakeDB satisfies the service's DB interface. The fakes ignore the
// Querier they receive, so WithTx just runs the function.
type FakeDB struct{}

func (FakeDB) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (FakeDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, nil
}

func (FakeDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return nil
}

func (FakeDB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

// FakeStore is an in-memory payment store.
type FakeStore struct {
	mu      sync.Mutex
	Orders  map[string]*payments.PaymentOrder
	Txns    map[string]*payments.PaymentTransaction
	Retries []*payments.PaymentRetry
	Refunds map[string]*payments.PaymentRefund // keyed by transaction ID
	Audit   []*payments.AuditEntry
}

// NewFakeStore creates an empty store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		Orders:  make(map[string]*payments.PaymentOrder),
		Txns:    make(map[string]*payments.PaymentTransaction),
		Refunds: make(map[string]*payments.PaymentRefund),
	}
}

func (s *FakeStore) CreateOrder(ctx context.Context, q database.Querier, order *payments.PaymentOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Orders {
		if o.GatewayOrderID == order.GatewayOrderID {
			return fmt.Errorf("gateway order %s: %w", order.GatewayOrderID, database.ErrAlreadyExists)
		}
	}
	cp := *order
	s.Orders[order.ID] = &cp
	return nil
}

func (s *FakeStore) GetOrder(ctx context.Context, q database.Querier, id string) (*payments.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok {
		return nil, fmt.Errorf("payment order: %w", database.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *FakeStore) GetOrderByGatewayID(ctx context.Context, q database.Querier, gatewayOrderID string) (*payments.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.Orders {
		if o.GatewayOrderID == gatewayOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment order: %w", database.ErrNotFound)
}

func (s *FakeStore) GetActiveOrderForTarget(ctx context.Context, q database.Querier, target targets.Ref) (*payments.PaymentOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, o := range s.Orders {
		if o.Target == target && !o.Status.IsTerminal() && o.ExpiresAt.After(now) {
			cp := *o
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment order: %w", database.ErrNotFound)
}

func (s *FakeStore) SetOrderStatus(ctx context.Context, q database.Querier, id string, to payments.OrderStatus, from ...payments.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if o.Status == f {
			o.Status = to
			o.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) ExpireStaleOrders(ctx context.Context, q database.Querier) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now().UTC()
	for _, o := range s.Orders {
		if !o.Status.IsTerminal() && !o.ExpiresAt.After(now) {
			o.Status = payments.OrderExpired
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) GetTransaction(ctx context.Context, q database.Querier, id string) (*payments.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Txns[id]
	if !ok {
		return nil, fmt.Errorf("payment transaction: %w", database.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) GetTransactionByGatewayID(ctx context.Context, q database.Querier, gatewayTransactionID string) (*payments.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.Txns {
		if t.GatewayTransactionID == gatewayTransactionID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment transaction: %w", database.ErrNotFound)
}

// UpsertTransaction mirrors the SQL conditional upsert: insert when the
// gateway transaction ID is new, transition when the existing row allows
// the edge, no-op otherwise.
func (s *FakeStore) UpsertTransaction(ctx context.Context, q database.Querier, txn *payments.PaymentTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.Txns {
		if existing.GatewayTransactionID != txn.GatewayTransactionID {
			continue
		}
		for _, allowed := range payments.AllowedFrom(txn.Status) {
			if existing.Status == allowed {
				existing.Status = txn.Status
				if txn.Method != "" {
					existing.Method = txn.Method
				}
				if txn.CapturedAt != nil {
					existing.CapturedAt = txn.CapturedAt
				}
				existing.UpdatedAt = time.Now().UTC()
				return true, nil
			}
		}
		return false, nil
	}
	cp := *txn
	s.Txns[txn.ID] = &cp
	return true, nil
}

func (s *FakeStore) MarkTransactionRetryInitiated(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Txns[id]
	if !ok {
		return false, nil
	}
	for _, allowed := range payments.AllowedFrom(payments.TxnRetryInitiated) {
		if t.Status == allowed {
			t.Status = payments.TxnRetryInitiated
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) SetTransactionRefunded(ctx context.Context, q database.Querier, id string, refundedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Txns[id]
	if !ok || t.Status != payments.TxnCaptured || t.RefundedAt != nil {
		return false, nil
	}
	t.RefundedAt = &refundedAt
	return true, nil
}

func (s *FakeStore) CountRetries(ctx context.Context, q database.Querier, originalTransactionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.Retries {
		if r.OriginalTransactionID == originalTransactionID {
			count++
		}
	}
	return count, nil
}

func (s *FakeStore) CreateRetry(ctx context.Context, q database.Querier, retry *payments.PaymentRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.Retries {
		if r.OriginalTransactionID == retry.OriginalTransactionID && r.AttemptNumber == retry.AttemptNumber {
			return fmt.Errorf("retry attempt %d: %w", retry.AttemptNumber, database.ErrAlreadyExists)
		}
	}
	cp := *retry
	s.Retries = append(s.Retries, &cp)
	return nil
}

func (s *FakeStore) GetRefundByTransactionID(ctx context.Context, q database.Querier, transactionID string) (*payments.PaymentRefund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.Refunds[transactionID]
	if !ok {
		return nil, fmt.Errorf("payment refund: %w", database.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) CreateRefund(ctx context.Context, q database.Querier, refund *payments.PaymentRefund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Refunds[refund.TransactionID]; exists {
		return fmt.Errorf("refund for transaction %s: %w", refund.TransactionID, database.ErrAlreadyExists)
	}
	cp := *refund
	s.Refunds[refund.TransactionID] = &cp
	return nil
}

func (s *FakeStore) CreateRefundIfAbsent(ctx context.Context, q database.Querier, refund *payments.PaymentRefund) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Refunds[refund.TransactionID]; exists {
		return false, nil
	}
	cp := *refund
	s.Refunds[refund.TransactionID] = &cp
	return true, nil
}

func (s *FakeStore) AppendAudit(ctx context.Context, q database.Querier, entry *payments.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.Audit = append(s.Audit, &cp)
	return nil
}

// AuditCount counts entries for an entity and action.
func (s *FakeStore) AuditCount(entityType, entityID, action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.Audit {
		if e.EntityType == entityType && e.EntityID == entityID && e.Action == action {
			count++
		}
	}
	return count
}

// FakeTargets is an in-memory target store.
type FakeTargets struct {
	mu     sync.Mutex
	Orders map[string]*targets.Order
	Cycles map[string]*targets.BillingCycle
	Subs   map[string]*targets.Subscription
}

// NewFakeTargets creates an empty target store.
func NewFakeTargets() *FakeTargets {
	return &FakeTargets{
		Orders: make(map[string]*targets.Order),
		Cycles: make(map[string]*targets.BillingCycle),
		Subs:   make(map[string]*targets.Subscription),
	}
}

func (s *FakeTargets) GetOrder(ctx context.Context, q database.Querier, id string) (*targets.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, database.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *FakeTargets) GetBillingCycle(ctx context.Context, q database.Querier, id string) (*targets.BillingCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Cycles[id]
	if !ok {
		return nil, fmt.Errorf("billing cycle %s: %w", id, database.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *FakeTargets) GetSubscription(ctx context.Context, q database.Querier, id string) (*targets.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.Subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, database.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (s *FakeTargets) MarkOrderProcessing(ctx context.Context, q database.Querier, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if ok && o.PaymentStatus != targets.PaymentPaid && o.PaymentStatus != targets.PaymentRefunded {
		o.PaymentStatus = targets.PaymentProcessing
	}
	return nil
}

func (s *FakeTargets) MarkOrderPaid(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok || o.PaymentStatus == targets.PaymentPaid {
		return false, nil
	}
	o.PaymentStatus = targets.PaymentPaid
	o.Status = targets.OrderConfirmed
	return true, nil
}

func (s *FakeTargets) CancelOrderForFailedPayment(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok || o.PaymentStatus == targets.PaymentPaid || o.PaymentStatus == targets.PaymentRefunded || o.Status == targets.OrderCancelled {
		return false, nil
	}
	o.PaymentStatus = targets.PaymentFailed
	o.Status = targets.OrderCancelled
	return true, nil
}

func (s *FakeTargets) MarkOrderRefunded(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.Orders[id]
	if !ok || o.PaymentStatus != targets.PaymentPaid {
		return false, nil
	}
	o.PaymentStatus = targets.PaymentRefunded
	o.Status = targets.OrderCancelled
	return true, nil
}

func (s *FakeTargets) MarkCyclePaid(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Cycles[id]
	if !ok || c.Status == targets.CyclePaid {
		return false, nil
	}
	c.Status = targets.CyclePaid
	c.DunningAttempts = 0
	return true, nil
}

func (s *FakeTargets) MarkCycleRefunded(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Cycles[id]
	if !ok || c.Status != targets.CyclePaid {
		return false, nil
	}
	c.Status = targets.CycleRefunded
	return true, nil
}

func (s *FakeTargets) IncrementCycleDunning(ctx context.Context, q database.Querier, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.Cycles[id]
	if !ok || c.Status == targets.CyclePaid {
		return 0, nil
	}
	c.DunningAttempts++
	c.Status = targets.CycleFailed
	return c.DunningAttempts, nil
}

func (s *FakeTargets) SuspendSubscription(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.Subs[id]
	if !ok || sub.Status == targets.SubscriptionSuspended {
		return false, nil
	}
	sub.Status = targets.SubscriptionSuspended
	return true, nil
}

func (s *FakeTargets) ReactivateSubscription(ctx context.Context, q database.Querier, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.Subs[id]
	if !ok || sub.Status != targets.SubscriptionSuspended {
		return false, nil
	}
	sub.Status = targets.SubscriptionActive
	return true, nil
}

// Fake gateway secrets shared by the fake client and test signers.
const (
	KeySecret     = "test_key_secret"
	WebhookSecret = "test_webhook_secret"
)

// FakeGateway is an in-memory gateway.Client. Payments served by
// FetchPayment are seeded by tests; CreateOrder mints deterministic IDs.
type FakeGateway struct {
	mu       sync.Mutex
	orderSeq int
	Payments map[string]*gateway.Payment
	Orders   []gateway.CreateOrderRequest

	CreateOrderErr  error
	CreateRefundErr error
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{Payments: make(map[string]*gateway.Payment)}
}

func (g *FakeGateway) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateOrderErr != nil {
		return nil, g.CreateOrderErr
	}
	g.orderSeq++
	g.Orders = append(g.Orders, req)
	return &gateway.Order{
		ID:          fmt.Sprintf("gw_order_%d", g.orderSeq),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		Status:      "created",
	}, nil
}

func (g *FakeGateway) FetchPayment(ctx context.Context, gatewayTransactionID string) (*gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.Payments[gatewayTransactionID]
	if !ok {
		return nil, fmt.Errorf("payment %s not found", gatewayTransactionID)
	}
	cp := *p
	return &cp, nil
}

func (g *FakeGateway) CreateRefund(ctx context.Context, gatewayTransactionID string, amountMinor int64, notes map[string]string) (*gateway.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateRefundErr != nil {
		return nil, g.CreateRefundErr
	}
	return &gateway.Refund{
		ID:          "gw_rfnd_" + gatewayTransactionID,
		PaymentID:   gatewayTransactionID,
		AmountMinor: amountMinor,
		Status:      "processed",
	}, nil
}

func (g *FakeGateway) VerifyPaymentSignature(gatewayOrderID, gatewayTransactionID, signature string) bool {
	return gateway.VerifyPaymentSig(gatewayOrderID, gatewayTransactionID, signature, KeySecret)
}

func (g *FakeGateway) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	return gateway.VerifyWebhookSig(rawBody, signature, WebhookSecret)
}

// CapturePublisher records published events.
type CapturePublisher struct {
	mu        sync.Mutex
	Published []PublishedEvent
}

// PublishedEvent is one recorded publication.
type PublishedEvent struct {
	Subject  string
	Envelope *events.Envelope
}

func (p *CapturePublisher) Publish(ctx context.Context, subject string, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, PublishedEvent{Subject: subject, Envelope: env})
	return nil
}

// Subjects returns the subjects published so far, in order.
func (p *CapturePublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Published))
	for i, e := range p.Published {
		out[i] = e.Subject
	}
	return out
}

// FakeDeduper is an in-memory seen-marker store.
type FakeDeduper struct {
	mu   sync.Mutex
	Seen map[string]time.Time // event ID -> expiry
}

// NewFakeDeduper creates an empty deduper.
func NewFakeDeduper() *FakeDeduper {
	return &FakeDeduper{Seen: make(map[string]time.Time)}
}

func (d *FakeDeduper) MarkIfNew(ctx context.Context, q database.Querier, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now().UTC()
	if expiry, ok := d.Seen[eventID]; ok && expiry.After(now) {
		return false, nil
	}
	d.Seen[eventID] = now.Add(ttl)
	return true, nil
}
