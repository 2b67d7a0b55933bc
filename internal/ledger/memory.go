package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/movingally/smsrelay/internal/action"
)

// Memory is an in-process ledger. Entries do not survive restarts.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	opts    options
}

type memEntry struct {
	state     string
	result    *action.Result
	claimedAt time.Time
	expiresAt time.Time
}

// NewMemory creates an empty in-process ledger.
func NewMemory(opts ...Option) *Memory {
	return &Memory{entries: make(map[string]*memEntry), opts: buildOptions(opts)}
}

// Claim implements action.Ledger.
func (m *Memory) Claim(_ context.Context, key string) (*action.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expiresAt) {
		switch {
		case e.state == stateCompleted:
			r := *e.result
			return &r, nil
		case now.Sub(e.claimedAt) < m.opts.claimTimeout:
			return nil, action.ErrInFlight
		}
	}
	m.entries[key] = &memEntry{state: stateInFlight, claimedAt: now, expiresAt: now.Add(m.opts.ttl)}
	return nil, nil
}

// Complete implements action.Ledger.
func (m *Memory) Complete(_ context.Context, key string, res *action.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *res
	now := m.opts.now()
	m.entries[key] = &memEntry{state: stateCompleted, result: &r, claimedAt: now, expiresAt: now.Add(m.opts.ttl)}
	return nil
}

// Release implements action.Ledger.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.state == stateInFlight {
		delete(m.entries, key)
	}
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (m *Memory) Purge(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	var n int64
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
