// Package store provides PostgreSQL persistence for payment orders,
// transactions, retries, refunds, and the audit log.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

// Store provides payment data access. Mutating methods take a Querier so
// the service can apply a payment transition and its target update as one
// transaction.
type Store struct {
	db *database.DB
}

// New creates a payment store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

const orderColumns = `
	id, gateway_order_id, amount_minor, currency, status,
	owner_id, tenant_id, target_kind, target_id, metadata,
	expires_at, created_at, updated_at
`

// CreateOrder inserts a new payment order.
func (s *Store) CreateOrder(ctx context.Context, q database.Querier, order *payments.PaymentOrder) error {
	query := `
		INSERT INTO payment_orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	metadata, _ := json.Marshal(order.Metadata)

	_, err := q.Exec(ctx, query,
		order.ID, order.GatewayOrderID, order.Amount.AmountMinor, order.Amount.Currency, order.Status,
		order.OwnerID, order.TenantID, order.Target.Kind, order.Target.ID, metadata,
		order.ExpiresAt, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment order for gateway order %s: %w", order.GatewayOrderID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment order: %w", err)
	}
	return nil
}

// GetOrder retrieves a payment order by ID.
func (s *Store) GetOrder(ctx context.Context, q database.Querier, id string) (*payments.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE id = $1`
	return scanOrder(q.QueryRow(ctx, query, id))
}

// GetOrderByGatewayID retrieves a payment order by its gateway order ID.
func (s *Store) GetOrderByGatewayID(ctx context.Context, q database.Querier, gatewayOrderID string) (*payments.PaymentOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE gateway_order_id = $1`
	return scanOrder(q.QueryRow(ctx, query, gatewayOrderID))
}

// GetActiveOrderForTarget returns the non-terminal, unexpired order for a
// target, or ErrNotFound.
func (s *Store) GetActiveOrderForTarget(ctx context.Context, q database.Querier, target targets.Ref) (*payments.PaymentOrder, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM payment_orders
		WHERE target_kind = $1 AND target_id = $2
		  AND status IN ($3, $4) AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanOrder(q.QueryRow(ctx, query, target.Kind, target.ID, payments.OrderCreated, payments.OrderAttempted))
}

// SetOrderStatus conditionally moves an order to a new status. Returns
// false when the order was not in one of the expected statuses, which
// makes duplicate deliveries no-ops.
func (s *Store) SetOrderStatus(ctx context.Context, q database.Querier, id string, to payments.OrderStatus, from ...payments.OrderStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	query := `
		UPDATE payment_orders SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`
	tag, err := q.Exec(ctx, query, id, to, fromStrs)
	if err != nil {
		return false, fmt.Errorf("setting payment order status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStaleOrders flips non-terminal orders past their expiry window to
// expired. Expiry is passive; this runs opportunistically before
// validation, not from a background process.
func (s *Store) ExpireStaleOrders(ctx context.Context, q database.Querier) (int64, error) {
	query := `
		UPDATE payment_orders SET status = $1, updated_at = now()
		WHERE status IN ($2, $3) AND expires_at <= now()
	`
	tag, err := q.Exec(ctx, query, payments.OrderExpired, payments.OrderCreated, payments.OrderAttempted)
	if err != nil {
		return 0, fmt.Errorf("expiring stale orders: %w", err)
	}
	return tag.RowsAffected(), nil
}

const txnColumns = `
	id, gateway_transaction_id, payment_order_id, amount_minor, currency,
	status, method, captured_at, refunded_at, created_at, updated_at
`

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, q database.Querier, id string) (*payments.PaymentTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM payment_transactions WHERE id = $1`
	return scanTransaction(q.QueryRow(ctx, query, id))
}

// GetTransactionByGatewayID retrieves a transaction by its gateway
// transaction ID, the primary deduplication key.
func (s *Store) GetTransactionByGatewayID(ctx context.Context, q database.Querier, gatewayTransactionID string) (*payments.PaymentTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM payment_transactions WHERE gateway_transaction_id = $1`
	return scanTransaction(q.QueryRow(ctx, query, gatewayTransactionID))
}

// UpsertTransaction inserts the transaction, or — if one already exists
// for the gateway transaction ID — moves it to txn.Status when that is a
// legal edge. Returns true when a row was inserted or transitioned. A
// duplicate delivery or an illegal edge affects no rows, so the
// verification handler and the webhook engine can race on the same
// gateway transaction ID and the second writer is a no-op.
func (s *Store) UpsertTransaction(ctx context.Context, q database.Querier, txn *payments.PaymentTransaction) (bool, error) {
	allowed := payments.AllowedFrom(txn.Status)
	allowedStrs := make([]string, len(allowed))
	for i, a := range allowed {
		allowedStrs[i] = string(a)
	}

	query := `
		INSERT INTO payment_transactions (` + txnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (gateway_transaction_id) DO UPDATE
			SET status = EXCLUDED.status,
			    method = COALESCE(NULLIF(EXCLUDED.method, ''), payment_transactions.method),
			    captured_at = COALESCE(EXCLUDED.captured_at, payment_transactions.captured_at),
			    updated_at = now()
			WHERE payment_transactions.status = ANY($12)
	`

	tag, err := q.Exec(ctx, query,
		txn.ID, txn.GatewayTransactionID, txn.PaymentOrderID, txn.Amount.AmountMinor, txn.Amount.Currency,
		txn.Status, txn.Method, txn.CapturedAt, txn.RefundedAt, txn.CreatedAt, txn.UpdatedAt,
		allowedStrs,
	)
	if err != nil {
		return false, fmt.Errorf("upserting payment transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionRetryInitiated moves a transaction to retry_initiated.
// The transaction remains queryable history; the retry opens a new
// lineage.
func (s *Store) MarkTransactionRetryInitiated(ctx context.Context, q database.Querier, id string) (bool, error) {
	allowed := payments.AllowedFrom(payments.TxnRetryInitiated)
	allowedStrs := make([]string, len(allowed))
	for i, a := range allowed {
		allowedStrs[i] = string(a)
	}

	query := `
		UPDATE payment_transactions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = ANY($3)
	`
	tag, err := q.Exec(ctx, query, id, payments.TxnRetryInitiated, allowedStrs)
	if err != nil {
		return false, fmt.Errorf("marking transaction retry initiated: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetTransactionRefunded stamps refunded_at on a captured transaction.
func (s *Store) SetTransactionRefunded(ctx context.Context, q database.Querier, id string, refundedAt time.Time) (bool, error) {
	query := `
		UPDATE payment_transactions SET refunded_at = $2, updated_at = now()
		WHERE id = $1 AND status = $3 AND refunded_at IS NULL
	`
	tag, err := q.Exec(ctx, query, id, refundedAt, payments.TxnCaptured)
	if err != nil {
		return false, fmt.Errorf("setting transaction refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountRetries returns the number of retries recorded for a transaction.
func (s *Store) CountRetries(ctx context.Context, q database.Querier, originalTransactionID string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM payment_retries WHERE original_transaction_id = $1`,
		originalTransactionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting retries: %w", err)
	}
	return count, nil
}

// CreateRetry inserts a retry record. The unique constraint on
// (original_transaction_id, attempt_number) rejects concurrent attempts
// computing the same attempt number.
func (s *Store) CreateRetry(ctx context.Context, q database.Querier, retry *payments.PaymentRetry) error {
	query := `
		INSERT INTO payment_retries (
			id, original_transaction_id, payment_order_id, attempt_number,
			scheduled_at, reason, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := q.Exec(ctx, query,
		retry.ID, retry.OriginalTransactionID, retry.PaymentOrderID, retry.AttemptNumber,
		retry.ScheduledAt, retry.Reason, retry.Status, retry.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("retry attempt %d for %s: %w", retry.AttemptNumber, retry.OriginalTransactionID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment retry: %w", err)
	}
	return nil
}

// ListRetries lists retries for a transaction in attempt order.
func (s *Store) ListRetries(ctx context.Context, q database.Querier, originalTransactionID string) ([]*payments.PaymentRetry, error) {
	query := `
		SELECT id, original_transaction_id, payment_order_id, attempt_number,
		       scheduled_at, reason, status, created_at
		FROM payment_retries
		WHERE original_transaction_id = $1
		ORDER BY attempt_number ASC
	`

	rows, err := q.Query(ctx, query, originalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("listing retries: %w", err)
	}
	defer rows.Close()

	var retries []*payments.PaymentRetry
	for rows.Next() {
		var r payments.PaymentRetry
		if err := rows.Scan(
			&r.ID, &r.OriginalTransactionID, &r.PaymentOrderID, &r.AttemptNumber,
			&r.ScheduledAt, &r.Reason, &r.Status, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		retries = append(retries, &r)
	}
	return retries, rows.Err()
}

// GetRefundByTransactionID retrieves the refund for a transaction, or
// ErrNotFound.
func (s *Store) GetRefundByTransactionID(ctx context.Context, q database.Querier, transactionID string) (*payments.PaymentRefund, error) {
	query := `
		SELECT id, transaction_id, gateway_refund_id, amount_minor, currency,
		       status, reason, processed_at, created_at
		FROM payment_refunds
		WHERE transaction_id = $1
	`
	return scanRefund(q.QueryRow(ctx, query, transactionID))
}

// CreateRefund inserts a refund. The unique constraint on transaction_id
// enforces at most one refund per transaction.
func (s *Store) CreateRefund(ctx context.Context, q database.Querier, refund *payments.PaymentRefund) error {
	query := `
		INSERT INTO payment_refunds (
			id, transaction_id, gateway_refund_id, amount_minor, currency,
			status, reason, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := q.Exec(ctx, query,
		refund.ID, refund.TransactionID, refund.GatewayRefundID, refund.Amount.AmountMinor, refund.Amount.Currency,
		refund.Status, refund.Reason, refund.ProcessedAt, refund.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("refund for transaction %s: %w", refund.TransactionID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment refund: %w", err)
	}
	return nil
}

// CreateRefundIfAbsent inserts a refund unless one already exists for the
// transaction. Returns true when the row was inserted. Used by the
// webhook path, where refund.created may race the refund processor.
func (s *Store) CreateRefundIfAbsent(ctx context.Context, q database.Querier, refund *payments.PaymentRefund) (bool, error) {
	query := `
		INSERT INTO payment_refunds (
			id, transaction_id, gateway_refund_id, amount_minor, currency,
			status, reason, processed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	tag, err := q.Exec(ctx, query,
		refund.ID, refund.TransactionID, refund.GatewayRefundID, refund.Amount.AmountMinor, refund.Amount.Currency,
		refund.Status, refund.Reason, refund.ProcessedAt, refund.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("creating payment refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendAudit appends one audit entry. Callers append exactly one entry
// per logical transition, inside the same transaction as the transition.
func (s *Store) AppendAudit(ctx context.Context, q database.Querier, entry *payments.AuditEntry) error {
	query := `
		INSERT INTO payment_audit_log (
			id, entity_type, entity_id, action, from_status, to_status,
			actor, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := q.Exec(ctx, query,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.FromStatus, entry.ToStatus,
		entry.Actor, entry.Detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// CountAuditEntries counts audit entries for an entity and action; used
// by reconciliation checks and tests.
func (s *Store) CountAuditEntries(ctx context.Context, q database.Querier, entityType, entityID, action string) (int, error) {
	var count int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM payment_audit_log WHERE entity_type = $1 AND entity_id = $2 AND action = $3`,
		entityType, entityID, action,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return count, nil
}

func scanOrder(row pgx.Row) (*payments.PaymentOrder, error) {
	var o payments.PaymentOrder
	var metadata []byte

	err := row.Scan(
		&o.ID, &o.GatewayOrderID, &o.Amount.AmountMinor, &o.Amount.Currency, &o.Status,
		&o.OwnerID, &o.TenantID, &o.Target.Kind, &o.Target.ID, &metadata,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("payment order: %w", database.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning payment order: %w", err)
	}

	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &o.Metadata)
	}
	return &o, nil
}

func scanTransaction(row pgx.Row) (*payments.PaymentTransaction, error) {
	var t payments.PaymentTransaction
	var method *string

	err := row.Scan(
		&t.ID, &t.GatewayTransactionID, &t.PaymentOrderID, &t.Amount.AmountMinor, &t.Amount.Currency,
		&t.Status, &method, &t.CapturedAt, &t.RefundedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("payment transaction: %w", database.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning payment transaction: %w", err)
	}

	if method != nil {
		t.Method = *method
	}
	return &t, nil
}

func scanRefund(row pgx.Row) (*payments.PaymentRefund, error) {
	var r payments.PaymentRefund
	var gatewayRefundID, reason *string

	err := row.Scan(
		&r.ID, &r.TransactionID, &gatewayRefundID, &r.Amount.AmountMinor, &r.Amount.Currency,
		&r.Status, &reason, &r.ProcessedAt, &r.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("payment refund: %w", database.ErrNotFound)
		}
		return nil, fmt.Errorf("scanning payment refund: %w", err)
	}

	if gatewayRefundID != nil {
		r.GatewayRefundID = *gatewayRefundID
	}
	if reason != nil {
		r.Reason = *reason
	}
	return &r, nil
}
