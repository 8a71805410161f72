package payments

import "time"

// Config holds payment lifecycle tunables.
type Config struct {
	// OrderExpiry is the window in which a payment order is usable.
	OrderExpiry time.Duration `envconfig:"PAYMENT_ORDER_EXPIRY" default:"30m"`
	// MaxRetryAttempts bounds PaymentRetry rows per original transaction.
	MaxRetryAttempts int `envconfig:"MAX_RETRY_ATTEMPTS" default:"3"`
	// RetryBackoff is the non-decreasing delay schedule indexed by
	// attempt number, clamped to its last entry.
	RetryBackoff []time.Duration `envconfig:"RETRY_BACKOFF_SCHEDULE" default:"5m,30m,2h"`
	// IdempotencyTTL bounds how long webhook seen-markers are honored.
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"48h"`
	// MaxDunningAttempts is the number of failed billing attempts before
	// a subscription is suspended.
	MaxDunningAttempts int `envconfig:"MAX_DUNNING_ATTEMPTS" default:"3"`
}

// BackoffDelay returns the delay before the given attempt (1-based),
// clamped to the last schedule entry.
func (c Config) BackoffDelay(attemptNumber int) time.Duration {
	if len(c.RetryBackoff) == 0 {
		return 0
	}
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.RetryBackoff) {
		idx = len(c.RetryBackoff) - 1
	}
	return c.RetryBackoff[idx]
}
