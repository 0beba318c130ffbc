// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package maintenance holds the periodic background jobs: age-based
// retention cleanup, the re-score sweep and journal housekeeping, plus the
// Scheduler that runs them under the supervisor tree.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/store"
)

// ErrAlreadyRunning is returned when a job is invoked while a previous run
// is still in progress.
var ErrAlreadyRunning = errors.New("job already running")

// RetentionStore is the delete surface used by cleanup.
type RetentionStore interface {
	DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteUserLocationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteIdentitiesLastSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOrphanClusters(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob removes data older than the configured horizons.
type RetentionJob struct {
	store RetentionStore
	cfg   config.RetentionConfig
	now   func() time.Time

	running sync.Mutex
}

// NewRetentionJob creates a cleanup job.
func NewRetentionJob(s RetentionStore, cfg config.RetentionConfig) *RetentionJob {
	return &RetentionJob{store: s, cfg: cfg, now: time.Now}
}

// Name implements Job.
func (j *RetentionJob) Name() string { return "retention" }

// Run implements Job.
func (j *RetentionJob) Run(ctx context.Context) error {
	_, err := j.Cleanup(ctx)
	return err
}

// Cleanup runs one pass. Observations are removed before identities so
// the cascade has less to do, and clusters last so they are only dropped
// once nothing references them. A pass already in progress makes this
// call return ErrAlreadyRunning.
func (j *RetentionJob) Cleanup(ctx context.Context) (store.RetentionResult, error) {
	var res store.RetentionResult
	if !j.running.TryLock() {
		metrics.RetentionSkipped.Inc()
		return res, ErrAlreadyRunning
	}
	defer j.running.Unlock()

	start := time.Now()
	now := j.now()
	detectionCutoff := now.Add(-j.cfg.DetectionRetention())
	locationCutoff := now.Add(-j.cfg.LocationRetention())

	steps := []struct {
		what   string
		cutoff time.Time
		fn     func(context.Context, time.Time) (int64, error)
		dst    *int64
	}{
		{"observations", detectionCutoff, j.store.DeleteObservationsBefore, &res.Observations},
		{"user_locations", locationCutoff, j.store.DeleteUserLocationsBefore, &res.UserLocations},
		{"identities", detectionCutoff, j.store.DeleteIdentitiesLastSeenBefore, &res.Identities},
		{"clusters", detectionCutoff, j.store.DeleteOrphanClusters, &res.Clusters},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := step.fn(ctx, step.cutoff)
		if err != nil {
			return res, fmt.Errorf("retention %s: %w", step.what, err)
		}
		*step.dst = n
	}

	metrics.RecordRetention(map[string]int64{
		"observations":   res.Observations,
		"user_locations": res.UserLocations,
		"identities":     res.Identities,
		"clusters":       res.Clusters,
	}, time.Since(start))

	logging.Info().
		Int64("observations", res.Observations).
		Int64("user_locations", res.UserLocations).
		Int64("identities", res.Identities).
		Int64("clusters", res.Clusters).
		Dur("duration", time.Since(start)).
		Msg("Retention cleanup completed")
	return res, nil
}
