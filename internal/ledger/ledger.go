// Package ledger stores the outcome of once-class side effects keyed by
// delivery, action and parameters, so a re-delivered inbound message replays
// recorded results instead of repeating customer-visible calls.
package ledger

import (
	"time"

	relayotel "github.com/movingally/smsrelay/internal/otel"
)

var tracer = relayotel.Tracer("github.com/movingally/smsrelay/internal/ledger")

const (
	// DefaultTTL is how long a completed entry replays.
	DefaultTTL = 24 * time.Hour
	// DefaultClaimTimeout is how long an in-flight claim blocks others. A
	// claim older than this is assumed abandoned and may be taken over.
	DefaultClaimTimeout = 2 * time.Minute
)

const (
	stateInFlight  = "in_flight"
	stateCompleted = "completed"
)

// Option configures a ledger.
type Option func(*options)

type options struct {
	ttl          time.Duration
	claimTimeout time.Duration
	now          func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClaimTimeout overrides DefaultClaimTimeout.
func WithClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, claimTimeout: DefaultClaimTimeout, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
