// Package retention runs the periodic purge of audit records and expired
// ledger entries.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSchedule runs the purge daily at 03:15.
const DefaultSchedule = "15 3 * * *"

// DefaultEvidenceRetention is how long turn records are kept.
const DefaultEvidenceRetention = 90 * 24 * time.Hour

// EvidencePurger deletes audit records older than a cutoff.
type EvidencePurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// LedgerPurger deletes expired ledger entries.
type LedgerPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Config configures the purge job. Either purger may be nil.
type Config struct {
	// Schedule is a 5-field cron expression (minute hour dom month dow).
	Schedule          string
	EvidenceRetention time.Duration
	Evidence          EvidencePurger
	Ledger            LedgerPurger
}

// Report is the outcome of one purge run.
type Report struct {
	EvidencePurged int64
	LedgerPurged   int64
}

// Scheduler runs the purge on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	cfg  Config
	now  func() time.Time
}

// NewScheduler validates cfg and registers the purge job. Seconds are not
// accepted in the schedule so configs match the usual crontab format.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.EvidenceRetention <= 0 {
		cfg.EvidenceRetention = DefaultEvidenceRetention
	}
	s := &Scheduler{cron: cron.New(), cfg: cfg, now: time.Now}
	_, err := s.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("retention_purge_failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("registering retention schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// RunOnce purges immediately. Both purgers run even when the first fails.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	if s.cfg.Evidence != nil {
		cutoff := s.now().Add(-s.cfg.EvidenceRetention)
		n, err := s.cfg.Evidence.Purge(ctx, cutoff)
		if err != nil {
			errs = append(errs, err)
		}
		rep.EvidencePurged = n
	}
	if s.cfg.Ledger != nil {
		n, err := s.cfg.Ledger.Purge(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		rep.LedgerPurged = n
	}
	log.Info().
		Int64("evidence_purged", rep.EvidencePurged).
		Int64("ledger_purged", rep.LedgerPurged).
		Dur("evidence_retention", s.cfg.EvidenceRetention).
		Msg("retention_purge_completed")
	return rep, errors.Join(errs...)
}

// Start begins running the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running purge to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
