package venue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// MaxReconnectAttempts is the number of consecutive connection failures
// after which a client becomes Failed and stops retrying.
const MaxReconnectAttempts = 5

const maxReconnectDelay = 30 * time.Second

// Reconnector produces capped exponential reconnect delays: 2s, 4s, 8s,
// 16s, up to 30s, and declares the client Failed after
// MaxReconnectAttempts consecutive failures. A successful connection
// resets it.
type Reconnector struct {
	max      int
	attempts int
	policy   *backoff.ExponentialBackOff
}

// NewReconnector builds the standard reconnect policy.
func NewReconnector() *Reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = maxReconnectDelay
	b.RandomizationFactor = 0
	return &Reconnector{max: MaxReconnectAttempts, policy: b}
}

// Next records a failure and returns how long to wait before the next
// attempt, or ErrReconnectExhausted once the attempt budget is spent.
func (r *Reconnector) Next() (time.Duration, error) {
	r.attempts++
	if r.attempts >= r.max {
		return 0, ErrReconnectExhausted
	}
	d := r.policy.NextBackOff()
	if d <= 0 || d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d, nil
}

// Attempts returns the consecutive failure count.
func (r *Reconnector) Attempts() int { return r.attempts }

// Reset clears the failure count after a successful connection.
func (r *Reconnector) Reset() {
	r.attempts = 0
	r.policy.Reset()
}
