// Package scheduler drives the periodic work: the decision loop, quota-aware
// data refresh, reconciliation, and state flushes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/provider"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/reconcile"
)

// DecisionRunner runs one decision iteration. Satisfied by engine.Engine
// and by instrumented wrappers around it.
type DecisionRunner interface {
	RunOnce(ctx context.Context)
}

// VenueReconciler runs one reconciliation pass against the venue.
type VenueReconciler interface {
	Reconcile(ctx context.Context) (reconcile.Diff, error)
}

// Config sets the task intervals. RefreshInterval is the in-session
// cadence; outside market hours the effective cadence widens by the
// configured multiplier, which is a scheduling policy only and never makes
// a missed tick an error.
type Config struct {
	DecisionInterval  time.Duration
	RefreshInterval   time.Duration
	ReconcileInterval time.Duration
	FlushInterval     time.Duration
}

// DefaultConfig returns intervals sized for a single-account bot.
func DefaultConfig() Config {
	return Config{
		DecisionInterval:  1 * time.Minute,
		RefreshInterval:   2 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
		FlushInterval:     10 * time.Minute,
	}
}

// Scheduler owns the cron runner and the task wiring.
type Scheduler struct {
	cfg        Config
	cron       *cron.Cron
	engine     DecisionRunner
	poller     *provider.Poller
	reconciler VenueReconciler
	learner    *learner.Learner
	hours      quota.MarketHours
	now        func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
}

// New builds the scheduler. Any collaborator may be nil; its task is then
// not registered, which is how dry-run modes drop the decision loop.
func New(cfg Config, eng DecisionRunner, poller *provider.Poller,
	rec VenueReconciler, lrn *learner.Learner, hours quota.MarketHours) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		cron:       cron.New(),
		engine:     eng,
		poller:     poller,
		reconciler: rec,
		learner:    lrn,
		hours:      hours,
		now:        time.Now,
	}
}

// Start registers all tasks and starts the cron runner. Reconciliation runs
// once synchronously first so the decision loop never sees a ledger that
// predates the venue's truth.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.reconciler != nil {
		if _, err := s.reconciler.Reconcile(ctx); err != nil {
			log.Error().Err(err).Msg("startup reconciliation failed, retried on interval")
		}
		if err := s.add(s.cfg.ReconcileInterval, func() { s.runReconcile(ctx) }); err != nil {
			return err
		}
	}
	if s.engine != nil {
		if err := s.add(s.cfg.DecisionInterval, func() { s.engine.RunOnce(ctx) }); err != nil {
			return err
		}
	}
	if s.poller != nil {
		if err := s.add(s.cfg.RefreshInterval, func() { s.runRefresh(ctx) }); err != nil {
			return err
		}
	}
	if s.learner != nil {
		if err := s.add(s.cfg.FlushInterval, s.runFlush); err != nil {
			return err
		}
	}

	s.cron.Start()
	log.Info().Dur("decision", s.cfg.DecisionInterval).Dur("refresh", s.cfg.RefreshInterval).
		Dur("reconcile", s.cfg.ReconcileInterval).Msg("scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	if s.learner != nil {
		s.runFlush()
	}
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) add(interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("non-positive task interval %s", interval)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), task); err != nil {
		return fmt.Errorf("register task: %w", err)
	}
	return nil
}

// runRefresh ticks at the in-session cadence but only refreshes when the
// market-hours-adjusted cadence has elapsed, which widens polling outside
// the primary session without a second schedule.
func (s *Scheduler) runRefresh(ctx context.Context) {
	now := s.now()
	cadence := s.hours.Cadence(s.cfg.RefreshInterval, now)

	s.mu.Lock()
	due := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= cadence
	if due {
		s.lastRefresh = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	s.poller.RefreshAll(ctx)
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	if _, err := s.reconciler.Reconcile(ctx); err != nil {
		log.Warn().Err(err).Msg("reconciliation cycle failed, retried next interval")
	}
}

func (s *Scheduler) runFlush() {
	if err := s.learner.Persist(); err != nil {
		log.Error().Err(err).Msg("posterior flush failed")
	}
}
