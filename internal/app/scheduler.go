/**
 * @description
 * Cron scheduler for the reconciliation sweep.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSweepTimeout = 5 * time.Minute

// Scheduler runs the reconciliation job on its own timer, independent of the observers.
type Scheduler struct {
	cron     *cron.Cron
	job      *ReconciliationJob
	schedule string
	timeout  time.Duration
}

// NewScheduler creates a scheduler. Overlapping sweeps are skipped rather than queued.
func NewScheduler(job *ReconciliationJob, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		job:      job,
		schedule: schedule,
		timeout:  defaultSweepTimeout,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconciliation job\" schedule=%q err=%v", s.schedule, err)
		return err
	}
	log.Printf("level=info component=scheduler msg=\"scheduled reconciliation job\" schedule=%q", s.schedule)
	s.cron.Start()
	return nil
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.job.Run(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconciliation sweep failed\" err=%v", err)
	}
}

// Stop gracefully stops the cron scheduler. The returned context is done once a
// running sweep has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
