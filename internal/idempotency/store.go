// Package idempotency provides a durable, TTL-bounded seen-marker store
// used to deduplicate webhook deliveries. Markers live in PostgreSQL so
// replay protection holds across concurrent and restarted instances; a
// process-local map cannot give that guarantee.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/database"
)

// Store persists seen-markers keyed by event ID.
type Store struct {
	db *database.DB
}

// NewStore creates an idempotency store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// MarkIfNew atomically records a marker for eventID unless a live one
// already exists. It returns true when the marker was newly recorded
// (first delivery, or a previous marker had expired) and false for a
// duplicate. The conditional upsert is a single statement, so two racing
// deliveries cannot both observe "new".
func (s *Store) MarkIfNew(ctx context.Context, q database.Querier, eventID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO webhook_events (event_id, seen_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO UPDATE
			SET seen_at = $2, expires_at = $3
			WHERE webhook_events.expires_at <= $2
	`

	tag, err := q.Exec(ctx, query, eventID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("recording webhook marker: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired reaps expired markers. Correctness does not depend on it;
// MarkIfNew already treats expired markers as absent.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhook_events WHERE expires_at <= $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired webhook markers: %w", err)
	}
	return tag.RowsAffected(), nil
}
