package orchestrator

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Breaker.Allow while a profile's primary
// policy is suspended.
var ErrCircuitOpen = errors.New("policy circuit open")

// CircuitState is the breaker state for one profile.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal: turns reach the primary policy
	CircuitOpen                         // Tripped: turns go straight to ERROR
	CircuitHalfOpen                     // Probe: one turn tests recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	}
	return "closed"
}

// Breaker suspends a profile's primary policy after repeated failures
// (errors, timeouts, empty output) so a broken backend does not hold every
// turn for the full policy timeout. Safety gate trips and action failures do
// not count.
type Breaker struct {
	mu        sync.Mutex
	profiles  map[string]*circuit
	threshold int
	window    time.Duration
	now       func() time.Time
}

type circuit struct {
	failures      []time.Time
	state         CircuitState
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a breaker. threshold <= 0 defaults to 5; window <= 0
// defaults to 60s. The window is also how long the circuit stays open.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Breaker{
		profiles:  make(map[string]*circuit),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Allow returns nil when a turn for profile may call the primary policy.
// After the open period one probe turn is let through.
func (b *Breaker) Allow(profile string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.profiles[profile]
	if !ok {
		return nil
	}
	switch c.state {
	case CircuitOpen:
		if b.now().Sub(c.openedAt) > b.window {
			c.state = CircuitHalfOpen
			c.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if c.probeInFlight {
			return ErrCircuitOpen
		}
		c.probeInFlight = true
	}
	return nil
}

// RecordFailure notes one policy failure. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(profile string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.profiles[profile]
	if !ok {
		c = &circuit{}
		b.profiles[profile] = c
	}
	now := b.now()
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		c.probeInFlight = false
		return
	}

	cutoff := now.Add(-b.window)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	if len(c.failures) >= b.threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// RecordSuccess closes a half-open circuit.
func (b *Breaker) RecordSuccess(profile string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.profiles[profile]
	if !ok {
		return
	}
	if c.state == CircuitHalfOpen {
		delete(b.profiles, profile)
	}
}

// Reset clears the circuit for profile.
func (b *Breaker) Reset(profile string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.profiles, profile)
}

// State returns the current state for profile.
func (b *Breaker) State(profile string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.profiles[profile]; ok {
		return c.state
	}
	return CircuitClosed
}
