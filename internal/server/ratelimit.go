package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-lead limiter is kept.
const idleLimiterTTL = 15 * time.Minute

// RateLimiter enforces a global and a per-lead limit on inbound messages
// with token buckets.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	leads     map[string]*leadLimiter
	perLead   rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type leadLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter from requests-per-minute settings. A
// value <= 0 disables that limit.
func NewRateLimiter(globalRPM, perLeadRPM int) *RateLimiter {
	rl := &RateLimiter{leads: make(map[string]*leadLimiter), now: time.Now}
	if globalRPM > 0 {
		rl.global = rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalRPM)
	}
	if perLeadRPM > 0 {
		rl.perLead = rate.Limit(float64(perLeadRPM) / 60.0)
		rl.burst = perLeadRPM
	}
	return rl
}

// Allow reports whether a message for lead may be processed now.
func (rl *RateLimiter) Allow(lead string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.burst == 0 {
		return true
	}
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastSweep) > idleLimiterTTL {
		for k, l := range rl.leads {
			if now.Sub(l.lastSeen) > idleLimiterTTL {
				delete(rl.leads, k)
			}
		}
		rl.lastSweep = now
	}
	l, ok := rl.leads[lead]
	if !ok {
		l = &leadLimiter{lim: rate.NewLimiter(rl.perLead, rl.burst)}
		rl.leads[lead] = l
	}
	l.lastSeen = now
	rl.mu.Unlock()
	return l.lim.AllowN(now, 1)
}
