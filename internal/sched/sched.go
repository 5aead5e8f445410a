// Package sched runs named jobs on fixed intervals.
//
// Each job has at most one instance in flight: if a run is still going when
// its next tick arrives, the tick is dropped rather than queued. Shutdown is
// context-driven and waits for in-flight runs to finish.
package sched

import (
	"context"
	"sync"
	"time"

	"github.com/sharebroker/sharebroker/internal/logger"
)

// Job is one unit of scheduled work. The context is cancelled on shutdown.
type Job func(ctx context.Context) error

// Scheduler runs registered jobs until its context is cancelled.
type Scheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	wg   sync.WaitGroup
}

type scheduledJob struct {
	name     string
	interval time.Duration
	runNow   bool
	job      Job
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a job to run every interval. When runNow is true the first
// run happens immediately on Start instead of after the first tick.
func (s *Scheduler) Add(name string, interval time.Duration, runNow bool, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{
		name:     name,
		interval: interval,
		runNow:   runNow,
		job:      job,
	})
}

// Start launches all registered jobs and blocks until ctx is cancelled and
// every in-flight run has returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]scheduledJob, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go func(j scheduledJob) {
			defer s.wg.Done()
			s.runLoop(ctx, j)
		}(j)
	}

	<-ctx.Done()
	s.wg.Wait()
	logger.Info("Scheduler stopped")
}

// runLoop drives one job. The inFlight flag is owned by this goroutine; runs
// happen inline, so a tick arriving mid-run is simply consumed and dropped
// by the ticker.
func (s *Scheduler) runLoop(ctx context.Context, j scheduledJob) {
	logger.Debug("Scheduled job %q every %v", j.name, j.interval)

	if j.runNow {
		s.runOnce(ctx, j)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j scheduledJob) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := j.job(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Job %q failed after %v: %v", j.name, time.Since(start), err)
		return
	}
	logger.Debug("Job %q completed in %v", j.name, time.Since(start))
}
