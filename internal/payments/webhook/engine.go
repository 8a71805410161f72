// Package webhook ingests gateway webhook deliveries and reconciles them
// into the payment state machine. The gateway is the source of truth:
// every delivery is signature-verified, deduplicated, and applied in a
// single database transaction.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/gateway"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
)

// Webhook event types emitted by the gateway.
const (
	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventPaymentAuthorized = "payment.authorized"
	EventRefundCreated     = "refund.created"
)

// payload is the gateway webhook body.
type payload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity gateway.Payment `json:"entity"`
		} `json:"payment"`
		Refund struct {
			Entity gateway.Refund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// Verifier checks webhook signatures against the shared webhook secret.
type Verifier interface {
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}

// Deduper marks webhook deliveries as seen, atomically.
type Deduper interface {
	MarkIfNew(ctx context.Context, q database.Querier, eventID string, ttl time.Duration) (bool, error)
}

// Engine processes gateway webhook deliveries.
type Engine struct {
	db       payments.DB
	service  *payments.Service
	verifier Verifier
	deduper  Deduper
	logger   *slog.Logger
	cfg      payments.Config
}

// NewEngine creates a webhook engine.
func NewEngine(db payments.DB, service *payments.Service, verifier Verifier, deduper Deduper, logger *slog.Logger, cfg payments.Config) *Engine {
	return &Engine{
		db:       db,
		service:  service,
		verifier: verifier,
		deduper:  deduper,
		logger:   logger,
		cfg:      cfg,
	}
}

// outcome carries post-commit publication work out of the transaction.
type outcome struct {
	paidOrder      *payments.PaymentOrder
	paidTxnID      string
	paidMethod     string
	paidCapturedAt *time.Time

	failedOrder *payments.PaymentOrder
	failedTxnID string
	failedCode  string
	failedMsg   string
	exhausted   bool

	refund       *payments.PaymentRefund
	refundTxnID  string
	refundTenant string

	tenantID string
	audited  []*payments.AuditEntry
}

// Handle processes one raw webhook delivery. Signature failures return a
// kind-tagged authentication error; malformed bodies return a validation
// error. Everything past those gates is acknowledged: duplicates are
// no-ops, and processing failures roll back (including the seen-marker)
// so the gateway's redelivery retries them.
func (e *Engine) Handle(ctx context.Context, rawBody []byte, signature, eventIDHint string) error {
	if !e.verifier.VerifyWebhookSignature(rawBody, signature) {
		return payments.E(payments.KindAuthentication, "webhook signature mismatch")
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return payments.Wrap(payments.KindValidation, err, "decoding webhook body")
	}

	eventID := eventIDHint
	if eventID == "" {
		sum := sha256.Sum256(rawBody)
		eventID = hex.EncodeToString(sum[:])
	}

	var out outcome
	var duplicate bool

	err := e.db.WithTx(ctx, func(tx pgx.Tx) error {
		fresh, err := e.deduper.MarkIfNew(ctx, tx, eventID, e.cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		if !fresh {
			duplicate = true
			return nil
		}
		return e.dispatch(ctx, tx, &p, &out)
	})
	if err != nil {
		// Acknowledge anyway: the rollback dropped the seen-marker, so
		// the gateway's redelivery gets a clean retry.
		e.logger.Error("webhook processing failed",
			"event", p.Event,
			"event_id", eventID,
			"error", err,
		)
		return nil
	}
	if duplicate {
		e.logger.Info("duplicate webhook ignored", "event", p.Event, "event_id", eventID)
		return nil
	}

	e.publish(ctx, &out)

	e.logger.Info("webhook processed", "event", p.Event, "event_id", eventID)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, q database.Querier, p *payload, out *outcome) error {
	switch p.Event {
	case EventPaymentCaptured:
		return e.handleCaptured(ctx, q, &p.Payload.Payment.Entity, p.CreatedAt, out)
	case EventPaymentFailed:
		return e.handleFailed(ctx, q, &p.Payload.Payment.Entity, out)
	case EventPaymentAuthorized:
		e.logger.Info("payment authorized",
			"gateway_transaction_id", p.Payload.Payment.Entity.ID,
			"gateway_order_id", p.Payload.Payment.Entity.OrderID,
		)
		return nil
	case EventRefundCreated:
		return e.handleRefund(ctx, q, &p.Payload.Refund.Entity, out)
	default:
		e.logger.Info("unhandled webhook event ignored", "event", p.Event)
		return nil
	}
}

// handleCaptured settles the order even past its expiry window: the
// gateway already moved the money, so reconciliation wins over the local
// payment window.
func (e *Engine) handleCaptured(ctx context.Context, q database.Querier, payment *gateway.Payment, createdAt int64, out *outcome) error {
	order, err := e.service.FindOrderByGatewayID(ctx, q, payment.OrderID)
	if err != nil {
		if database.IsNotFound(err) {
			e.logger.Warn("capture for unknown order ignored", "gateway_order_id", payment.OrderID)
			return nil
		}
		return err
	}

	capturedAt := time.Now().UTC()
	if createdAt > 0 {
		capturedAt = time.Unix(createdAt, 0).UTC()
	}

	applied, audited, err := e.service.RecordGatewayCapture(ctx, q, order, payment.ID, payment.Method, &capturedAt)
	if err != nil {
		return err
	}
	if applied {
		out.paidOrder = order
		out.paidTxnID = payment.ID
		out.paidMethod = payment.Method
		out.paidCapturedAt = &capturedAt
		out.tenantID = order.TenantID
		out.audited = audited
	}
	return nil
}

func (e *Engine) handleFailed(ctx context.Context, q database.Querier, payment *gateway.Payment, out *outcome) error {
	order, err := e.service.FindOrderByGatewayID(ctx, q, payment.OrderID)
	if err != nil {
		if database.IsNotFound(err) {
			e.logger.Warn("failure for unknown order ignored", "gateway_order_id", payment.OrderID)
			return nil
		}
		return err
	}

	applied, exhausted, audited, err := e.service.RecordGatewayFailure(ctx, q, order, payment.ID, payment.Method, payment.ErrorCode)
	if err != nil {
		return err
	}
	if applied {
		out.failedOrder = order
		out.failedTxnID = payment.ID
		out.failedCode = payment.ErrorCode
		out.failedMsg = payment.ErrorReason
		out.exhausted = exhausted
		out.tenantID = order.TenantID
		out.audited = audited
	}
	return nil
}

func (e *Engine) handleRefund(ctx context.Context, q database.Querier, refund *gateway.Refund, out *outcome) error {
	txn, err := e.service.FindTransactionByGatewayID(ctx, q, refund.PaymentID)
	if err != nil {
		if database.IsNotFound(err) {
			e.logger.Warn("refund for unknown transaction ignored", "gateway_payment_id", refund.PaymentID)
			return nil
		}
		return err
	}
	order, err := e.service.FindOrder(ctx, q, txn.PaymentOrderID)
	if err != nil {
		return err
	}

	created, audited, err := e.service.RecordGatewayRefund(ctx, q, order, txn, refund.ID, refund.AmountMinor, refund.Status)
	if err != nil {
		return err
	}
	if created != nil {
		out.refund = created
		out.refundTxnID = txn.GatewayTransactionID
		out.refundTenant = order.TenantID
		out.tenantID = order.TenantID
		out.audited = audited
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, out *outcome) {
	if out.paidOrder != nil {
		e.service.PublishOrderPaid(ctx, out.paidOrder, out.paidTxnID, out.paidMethod, out.paidCapturedAt)
	}
	if out.failedOrder != nil {
		e.service.PublishOrderFailed(ctx, out.failedOrder, out.failedTxnID, out.failedCode, out.failedMsg)
		if out.exhausted {
			e.service.PublishDunningExhausted(ctx, out.failedOrder, out.failedTxnID, e.cfg.MaxDunningAttempts)
		}
	}
	if out.refund != nil {
		e.service.PublishRefundCreated(ctx, out.refundTenant, out.refund, out.refundTxnID)
	}
	e.service.MirrorAudit(ctx, out.tenantID, out.audited)
}
