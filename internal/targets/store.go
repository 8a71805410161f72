package targets

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
)

// Store reads targets and applies the status writes the payment core is
// allowed to make. All mutating methods take a Querier so callers can run
// them inside the same transaction as the payment transition they belong
// to.
type Store struct {
	db *database.DB
}

// NewStore creates a target store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, q database.Querier, id string) (*Order, error) {
	query := `
		SELECT id, tenant_id, user_id, status, payment_status,
		       total_minor, currency, created_at
		FROM orders
		WHERE id = $1
	`

	var o Order
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &o.TenantID, &o.UserID, &o.Status, &o.PaymentStatus,
		&o.Total.AmountMinor, &o.Total.Currency, &o.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("order %s: %w", id, database.ErrNotFound)
		}
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return &o, nil
}

// GetBillingCycle retrieves a billing cycle by ID.
func (s *Store) GetBillingCycle(ctx context.Context, q database.Querier, id string) (*BillingCycle, error) {
	query := `
		SELECT id, subscription_id, tenant_id, user_id,
		       amount_minor, currency, due_date, status, dunning_attempts, created_at
		FROM billing_cycles
		WHERE id = $1
	`

	var c BillingCycle
	err := q.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.SubscriptionID, &c.TenantID, &c.UserID,
		&c.Amount.AmountMinor, &c.Amount.Currency, &c.DueDate, &c.Status, &c.DunningAttempts, &c.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("billing cycle %s: %w", id, database.ErrNotFound)
		}
		return nil, fmt.Errorf("getting billing cycle: %w", err)
	}
	return &c, nil
}

// GetSubscription retrieves a subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, q database.Querier, id string) (*Subscription, error) {
	query := `SELECT id, tenant_id, user_id, status FROM subscriptions WHERE id = $1`

	var sub Subscription
	err := q.QueryRow(ctx, query, id).Scan(&sub.ID, &sub.TenantID, &sub.UserID, &sub.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("subscription %s: %w", id, database.ErrNotFound)
		}
		return nil, fmt.Errorf("getting subscription: %w", err)
	}
	return &sub, nil
}

// MarkOrderProcessing flags an order as having a payment in flight so
// competing initiations can be detected by validation.
func (s *Store) MarkOrderProcessing(ctx context.Context, q database.Querier, id string) error {
	query := `
		UPDATE orders SET payment_status = $2, updated_at = now()
		WHERE id = $1 AND payment_status NOT IN ($3, $4)
	`
	_, err := q.Exec(ctx, query, id, PaymentProcessing, PaymentPaid, PaymentRefunded)
	if err != nil {
		return fmt.Errorf("marking order processing: %w", err)
	}
	return nil
}

// MarkOrderPaid flips an order to paid/confirmed. Returns false if the
// order was already paid (duplicate capture delivery).
func (s *Store) MarkOrderPaid(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE orders SET payment_status = $2, status = $3, updated_at = now()
		WHERE id = $1 AND payment_status <> $2
	`
	tag, err := q.Exec(ctx, query, id, PaymentPaid, OrderConfirmed)
	if err != nil {
		return false, fmt.Errorf("marking order paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelOrderForFailedPayment cancels an order after a failed payment.
// Paid orders are never cancelled by this path.
func (s *Store) CancelOrderForFailedPayment(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE orders SET payment_status = $2, status = $3, updated_at = now()
		WHERE id = $1 AND payment_status NOT IN ($4, $5) AND status <> $3
	`
	tag, err := q.Exec(ctx, query, id, PaymentFailed, OrderCancelled, PaymentPaid, PaymentRefunded)
	if err != nil {
		return false, fmt.Errorf("cancelling order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOrderRefunded cascades a refund to the order.
func (s *Store) MarkOrderRefunded(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE orders SET payment_status = $2, status = $3, updated_at = now()
		WHERE id = $1 AND payment_status = $4
	`
	tag, err := q.Exec(ctx, query, id, PaymentRefunded, OrderCancelled, PaymentPaid)
	if err != nil {
		return false, fmt.Errorf("marking order refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCyclePaid marks a billing cycle paid and resets its dunning counter.
func (s *Store) MarkCyclePaid(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE billing_cycles SET status = $2, dunning_attempts = 0, updated_at = now()
		WHERE id = $1 AND status <> $2
	`
	tag, err := q.Exec(ctx, query, id, CyclePaid)
	if err != nil {
		return false, fmt.Errorf("marking cycle paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCycleRefunded cascades a refund to the billing cycle.
func (s *Store) MarkCycleRefunded(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE billing_cycles SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	tag, err := q.Exec(ctx, query, id, CycleRefunded, CyclePaid)
	if err != nil {
		return false, fmt.Errorf("marking cycle refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementCycleDunning bumps the dunning counter for a failed billing
// attempt and returns the new count.
func (s *Store) IncrementCycleDunning(ctx context.Context, q database.Querier, id string) (int, error) {
	query := `
		UPDATE billing_cycles
		SET dunning_attempts = dunning_attempts + 1, status = $2, updated_at = now()
		WHERE id = $1 AND status <> $3
		RETURNING dunning_attempts
	`

	var attempts int
	err := q.QueryRow(ctx, query, id, CycleFailed, CyclePaid).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Cycle already paid; a late failure event must not regress it.
			return 0, nil
		}
		return 0, fmt.Errorf("incrementing dunning counter: %w", err)
	}
	return attempts, nil
}

// SuspendSubscription suspends a subscription after dunning exhaustion.
func (s *Store) SuspendSubscription(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE subscriptions SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $2
	`
	tag, err := q.Exec(ctx, query, id, SubscriptionSuspended)
	if err != nil {
		return false, fmt.Errorf("suspending subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReactivateSubscription reactivates a suspended subscription after a
// successful payment.
func (s *Store) ReactivateSubscription(ctx context.Context, q database.Querier, id string) (bool, error) {
	query := `
		UPDATE subscriptions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`
	tag, err := q.Exec(ctx, query, id, SubscriptionActive, SubscriptionSuspended)
	if err != nil {
		return false, fmt.Errorf("reactivating subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
