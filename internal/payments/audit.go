package payments

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEntry is one append-only record of a state transition. Exactly one
// entry is written per logical transition, never per delivery: replayed
// webhooks and racing verification calls produce no additional entries.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"` // payment_order, payment_transaction, payment_refund, payment_retry
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Actor      string    `json:"actor,omitempty"` // user ID or "gateway"
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Audit entity types
const (
	EntityPaymentOrder = "payment_order"
	EntityTransaction  = "payment_transaction"
	EntityRefund       = "payment_refund"
	EntityRetry        = "payment_retry"
)

// ActorGateway marks transitions driven by gateway webhooks.
const ActorGateway = "gateway"

// NewAuditEntry creates an audit entry for a transition.
func NewAuditEntry(entityType, entityID, action, fromStatus, toStatus, actor string) *AuditEntry {
	return &AuditEntry{
		ID:         ulid.Make().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
}
