package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movingally/smsrelay/internal/evidence"
	"github.com/movingally/smsrelay/internal/ledger"
)

type fakeEvidence struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeEvidence) Purge(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

type fakeLedger struct {
	calls int
	n     int64
}

func (f *fakeLedger) Purge(context.Context) (int64, error) {
	f.calls++
	return f.n, nil
}

func TestNewScheduler_InvalidCron(t *testing.T) {
	_, err := NewScheduler(Config{Schedule: "not a valid cron"})
	assert.Error(t, err)

	_, err = NewScheduler(Config{Schedule: "0 0 3 * * *"})
	assert.Error(t, err, "seconds field is not accepted")
}

func TestRunOnce_UsesRetentionCutoff(t *testing.T) {
	ev := &fakeEvidence{n: 4}
	lg := &fakeLedger{n: 2}
	s, err := NewScheduler(Config{EvidenceRetention: 30 * 24 * time.Hour, Evidence: ev, Ledger: lg})
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 3, 15, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{EvidencePurged: 4, LedgerPurged: 2}, rep)
	assert.Equal(t, now.Add(-30*24*time.Hour), ev.before)
	assert.Equal(t, 1, lg.calls)
}

func TestRunOnce_LedgerRunsWhenEvidenceFails(t *testing.T) {
	ev := &fakeEvidence{err: errors.New("disk I/O error")}
	lg := &fakeLedger{n: 1}
	s, err := NewScheduler(Config{Evidence: ev, Ledger: lg})
	require.NoError(t, err)

	rep, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "disk I/O error")
	assert.Equal(t, int64(1), rep.LedgerPurged)
}

func TestRunOnce_RealStores(t *testing.T) {
	dir := t.TempDir()
	store, err := evidence.NewStore(dir+"/evidence.db", "test-signing-key-123456789012345")
	require.NoError(t, err)
	defer store.Close()
	gen := evidence.NewGenerator(store)
	_, err = gen.Generate(context.Background(), evidence.GenerateParams{Profile: "testco", LeadNumbersID: "77", Outcome: "replied"})
	require.NoError(t, err)

	led, err := ledger.NewSQLite(dir + "/ledger.db")
	require.NoError(t, err)
	defer led.Close()

	s, err := NewScheduler(Config{EvidenceRetention: time.Hour, Evidence: store, Ledger: led})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.EvidencePurged)
}

func TestStartStop(t *testing.T) {
	s, err := NewScheduler(Config{Schedule: "*/5 * * * *"})
	require.NoError(t, err)
	s.Start()
	assert.False(t, s.Next().IsZero())
	s.Stop()
}
