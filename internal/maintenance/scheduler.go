// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
)

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (f JobFunc) Name() string                  { return f.JobName }
func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Scheduler runs a job on a fixed interval. It implements suture.Service;
// a failed run is logged and the schedule continues, so the supervisor
// only restarts it on a panic.
type Scheduler struct {
	job        Job
	interval   time.Duration
	runOnStart bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRunOnStart runs the job once immediately when the scheduler starts.
func WithRunOnStart() SchedulerOption {
	return func(s *Scheduler) { s.runOnStart = true }
}

// NewScheduler schedules job every interval.
func NewScheduler(job Job, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{job: job, interval: interval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("%s: interval must be positive, got %s", s.job.Name(), s.interval)
	}

	logging.Info().Str("job", s.job.Name()).Dur("interval", s.interval).Msg("Maintenance job scheduled")

	if s.runOnStart {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *Scheduler) String() string {
	return "scheduler-" + s.job.Name()
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	err := s.job.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		logging.Warn().Str("job", s.job.Name()).Msg("Skipping run, previous run still in progress")
	case ctx.Err() != nil:
		// Shutting down.
	default:
		logging.Error().Err(err).Str("job", s.job.Name()).Dur("duration", time.Since(start)).Msg("Maintenance job failed")
	}
}

// JournalGC returns a job that compacts a journal's value log.
func JournalGC(j interface{ RunGC() error }) Job {
	return JobFunc{JobName: "journal-gc", Fn: func(context.Context) error {
		start := time.Now()
		if err := j.RunGC(); err != nil {
			return err
		}
		metrics.RecordMaintenance("journal-gc", time.Since(start))
		return nil
	}}
}
