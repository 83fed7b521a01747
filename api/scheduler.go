/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically compares every user's stored balance against the sum of
  their ledger entries and, when auto-repair is on, appends correcting
  adjustments. Also drains the notification outbox when one is wired.

DESIGN:
  - robfig/cron drives both jobs; schedules accept cron specs and
    descriptors such as "@every 1h"
  - Overlapping reconcile runs are skipped, not queued. Manual runs
    (RunNow, the admin endpoint) share the guard and fail with
    ErrReconcileRunning instead of waiting
  - The last report is kept and exposed through LastReport

USAGE:
  scheduler, err := NewReconciliationScheduler(engine, outbox, cfg, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop(ctx)

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual run)
  - points/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/household-points/points"
)

// ErrReconcileRunning is returned by RunNow while another run is in progress.
var ErrReconcileRunning = errors.New("reconciliation already running")

// Flusher redelivers parked notifications.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// SchedulerConfig controls the background jobs. An empty Schedule leaves
// reconciliation to RunNow and the admin endpoint.
type SchedulerConfig struct {
	Schedule      string
	FlushSchedule string
	AutoRepair    bool
	Timeout       time.Duration
}

const (
	defaultFlushSchedule = "@every 30s"
	defaultJobTimeout    = 5 * time.Minute
)

// ReconciliationScheduler runs reconciliation and outbox flushes on a cron.
type ReconciliationScheduler struct {
	engine  *points.Engine
	flusher Flusher
	cfg     SchedulerConfig
	logger  *zap.Logger
	cron    *cron.Cron

	running sync.Mutex // held for the duration of a reconcile run

	mu      sync.Mutex
	last    *points.ReconcileReport
	lastRun time.Time
}

// NewReconciliationScheduler creates a new scheduler. flusher may be nil.
func NewReconciliationScheduler(engine *points.Engine, flusher Flusher, cfg SchedulerConfig, logger *zap.Logger) (*ReconciliationScheduler, error) {
	if cfg.FlushSchedule == "" {
		cfg.FlushSchedule = defaultFlushSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rs := &ReconciliationScheduler{
		engine:  engine,
		flusher: flusher,
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		cron:    cron.New(),
	}

	if cfg.Schedule != "" {
		if _, err := rs.cron.AddFunc(cfg.Schedule, rs.reconcileJob); err != nil {
			return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.Schedule, err)
		}
	}
	if flusher != nil {
		if _, err := rs.cron.AddFunc(cfg.FlushSchedule, rs.flushJob); err != nil {
			return nil, fmt.Errorf("invalid flush schedule %q: %w", cfg.FlushSchedule, err)
		}
	}
	return rs, nil
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.cron.Start()
	rs.logger.Info("scheduler started",
		zap.String("schedule", rs.cfg.Schedule),
		zap.Bool("auto_repair", rs.cfg.AutoRepair),
		zap.Bool("outbox", rs.flusher != nil))
}

// Stop stops the scheduler and waits for running jobs, or for ctx.
func (rs *ReconciliationScheduler) Stop(ctx context.Context) error {
	done := rs.cron.Stop()
	select {
	case <-done.Done():
		rs.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs one reconciliation immediately, appending correcting
// adjustments when repair is set.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context, repair bool) (points.ReconcileReport, error) {
	if !rs.running.TryLock() {
		return points.ReconcileReport{}, ErrReconcileRunning
	}
	defer rs.running.Unlock()
	return rs.run(ctx, repair)
}

// LastReport returns the most recent report and when it was produced.
func (rs *ReconciliationScheduler) LastReport() (points.ReconcileReport, time.Time, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.last == nil {
		return points.ReconcileReport{}, time.Time{}, false
	}
	return *rs.last, rs.lastRun, true
}

func (rs *ReconciliationScheduler) reconcileJob() {
	if !rs.running.TryLock() {
		rs.logger.Warn("previous reconciliation still running, skipping")
		return
	}
	defer rs.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rs.cfg.Timeout)
	defer cancel()
	if _, err := rs.run(ctx, rs.cfg.AutoRepair); err != nil {
		rs.logger.Error("reconciliation failed", zap.Error(err))
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context, repair bool) (points.ReconcileReport, error) {
	started := time.Now()
	report, err := rs.engine.Reconcile(ctx, repair)
	if err != nil {
		return report, err
	}

	rs.mu.Lock()
	rs.last = &report
	rs.lastRun = started
	rs.mu.Unlock()

	fields := []zap.Field{
		zap.Int("checked", report.Checked),
		zap.Int("drifts", len(report.Drifts)),
		zap.Int("repaired", report.Repaired),
		zap.Duration("duration", time.Since(started)),
	}
	if len(report.Drifts) > 0 {
		rs.logger.Warn("balance drift detected", fields...)
	} else {
		rs.logger.Info("reconciliation complete", fields...)
	}
	return report, nil
}

func (rs *ReconciliationScheduler) flushJob() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.cfg.Timeout)
	defer cancel()
	n, err := rs.flusher.Flush(ctx)
	if err != nil {
		rs.logger.Warn("outbox flush stopped", zap.Int("delivered", n), zap.Error(err))
		return
	}
	if n > 0 {
		rs.logger.Info("outbox flushed", zap.Int("delivered", n))
	}
}
