// Package sched runs periodic reconcile passes, one polling loop per vendor.
package sched

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/reconcile"
)

// Job binds a reconciler to its scan options.
type Job struct {
	Reconciler *reconcile.Reconciler
	Opts       reconcile.Options
}

// Scheduler triggers each job on a fixed interval. Reconcile passes stay
// synchronous functions; the scheduler only decides when they run.
type Scheduler struct {
	interval time.Duration
	jobs     []Job
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(interval time.Duration, jobs []Job, logger *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		jobs:     jobs,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches one polling loop per job, each beginning with an immediate pass.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(job)
	}
	s.logger.Infow("Scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

// Stop cancels all loops and waits for in-flight passes to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) runLoop(job Job) {
	defer s.wg.Done()

	vendorID := job.Reconciler.VendorID()
	s.runOnce(job, vendorID)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Stopping sync loop", "vendor", vendorID)
			return
		case <-ticker.C:
			s.runOnce(job, vendorID)
		}
	}
}

func (s *Scheduler) runOnce(job Job, vendorID string) {
	summary, err := job.Reconciler.Run(s.ctx, job.Opts)
	if err != nil {
		s.logger.Errorw("Scheduled sync failed", "vendor", vendorID, "error", err)
		return
	}
	s.logger.Infow("Scheduled sync complete",
		"vendor", vendorID,
		"candidates", summary.Candidates,
		"added", summary.Added,
		"removed", summary.Removed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
}
