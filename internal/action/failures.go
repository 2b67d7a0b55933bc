package action

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FailureTracker counts backend failures per profile and action. Crossing
// the threshold inside the window logs one operator alert; the alert re-arms
// once the window slides below the threshold.
type FailureTracker struct {
	mu        sync.Mutex
	records   map[string]*failureRecord
	threshold int
	window    time.Duration
	now       func() time.Time
}

type failureRecord struct {
	failures []time.Time
	alerted  bool
}

// NewFailureTracker creates a tracker. threshold <= 0 defaults to 5;
// window <= 0 defaults to 10 minutes.
func NewFailureTracker(threshold int, window time.Duration) *FailureTracker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &FailureTracker{
		records:   make(map[string]*failureRecord),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Record notes one failure. It returns true when this failure crossed the
// alert threshold.
func (t *FailureTracker) Record(profile, actionName, code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := profile + ":" + actionName
	rec, ok := t.records[key]
	if !ok {
		rec = &failureRecord{}
		t.records[key] = rec
	}

	now := t.now()
	rec.failures = append(within(rec.failures, now.Add(-t.window)), now)

	if len(rec.failures) >= t.threshold {
		if rec.alerted {
			return false
		}
		rec.alerted = true
		log.Warn().
			Str("profile", profile).
			Str("action", actionName).
			Str("last_error_code", code).
			Int("failure_count", len(rec.failures)).
			Dur("window", t.window).
			Msg("action_failure_threshold_exceeded")
		return true
	}
	rec.alerted = false
	return false
}

// Count returns failures inside the window.
func (t *FailureTracker) Count(profile, actionName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[profile+":"+actionName]
	if !ok {
		return 0
	}
	return len(within(rec.failures, t.now().Add(-t.window)))
}

func within(times []time.Time, cutoff time.Time) []time.Time {
	out := make([]time.Time, 0, len(times)+1)
	for _, ts := range times {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return out
}
