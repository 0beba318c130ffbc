// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/store"
	"github.com/tomtom215/tagwatch/internal/threat"
)

// IdentityLister lists identities for the sweep.
type IdentityLister interface {
	ListIdentities(ctx context.Context, filter store.IdentityFilter) ([]models.DeviceIdentity, error)
}

// Scorer re-analyses and persists one identity.
type Scorer interface {
	AnalyzeAndPersist(ctx context.Context, identityID string) (*threat.Result, error)
}

// ThrottleSweeper forgets per-identity re-score state.
type ThrottleSweeper interface {
	SweepThrottle(idle time.Duration) int
}

// AlertSink receives alertable verdicts found by the sweep. Alert must not block.
type AlertSink interface {
	Alert(ctx context.Context, res *threat.Result)
}

// RescoreReport summarises one sweep.
type RescoreReport struct {
	Considered   int
	Assessed     int
	Insufficient int
	Alerts       int
	Failed       int
}

// RescoreJob re-analyses every identity seen within the lookback window.
// Detections only re-score on their throttle; the sweep catches devices
// whose verdict changed without new sightings, such as a device that
// stopped following.
type RescoreJob struct {
	lister         IdentityLister
	scorer         Scorer
	sweeper        ThrottleSweeper
	lookback       time.Duration
	alertThreshold float64
	following      float64
	alerts         AlertSink
	now            func() time.Time

	running sync.Mutex
}

// NewRescoreJob creates a sweep. sweeper may be nil.
func NewRescoreJob(lister IdentityLister, scorer Scorer, sweeper ThrottleSweeper, lookback time.Duration, alertThreshold float64) *RescoreJob {
	return &RescoreJob{
		lister:         lister,
		scorer:         scorer,
		sweeper:        sweeper,
		lookback:       lookback,
		alertThreshold: alertThreshold,
		now:            time.Now,
	}
}

// WithAlertSink forwards every verdict that is due an alert to sink. A
// positive followingThreshold also alerts on the following score alone.
func (j *RescoreJob) WithAlertSink(sink AlertSink, followingThreshold float64) *RescoreJob {
	j.alerts = sink
	j.following = followingThreshold
	return j
}

// Name implements Job.
func (j *RescoreJob) Name() string { return "rescore" }

// Run implements Job.
func (j *RescoreJob) Run(ctx context.Context) error {
	_, err := j.Sweep(ctx)
	return err
}

// Sweep re-scores every recently seen identity. A failure on one identity
// is counted and the sweep moves on.
func (j *RescoreJob) Sweep(ctx context.Context) (RescoreReport, error) {
	var rep RescoreReport
	if !j.running.TryLock() {
		return rep, ErrAlreadyRunning
	}
	defer j.running.Unlock()

	start := time.Now()
	idents, err := j.lister.ListIdentities(ctx, store.IdentityFilter{SeenSince: j.now().Add(-j.lookback)})
	if err != nil {
		return rep, fmt.Errorf("list identities: %w", err)
	}

	for i := range idents {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Considered++
		res, err := j.scorer.AnalyzeAndPersist(ctx, idents[i].ID)
		switch {
		case errors.Is(err, threat.ErrIdentityNotFound):
			// Deleted between list and analysis.
			continue
		case err != nil:
			rep.Failed++
			logging.Warn().Err(err).Str("identity_id", idents[i].ID).Msg("Sweep re-score failed")
			continue
		}
		if res.Verdict != threat.VerdictAssessed {
			rep.Insufficient++
			continue
		}
		rep.Assessed++
		if res.AlertDue(j.alertThreshold, j.following) {
			rep.Alerts++
			if j.alerts != nil {
				j.alerts.Alert(ctx, res)
			}
		}
	}

	if j.sweeper != nil {
		// Anything idle for the whole lookback gets a fresh first re-score
		// when it reappears.
		if n := j.sweeper.SweepThrottle(j.lookback); n > 0 {
			logging.Debug().Int("entries", n).Msg("Dropped idle re-score throttle state")
		}
	}

	metrics.RecordMaintenance(j.Name(), time.Since(start))
	logging.Info().
		Int("considered", rep.Considered).
		Int("assessed", rep.Assessed).
		Int("insufficient", rep.Insufficient).
		Int("alerts", rep.Alerts).
		Int("failed", rep.Failed).
		Dur("duration", time.Since(start)).
		Msg("Re-score sweep completed")
	return rep, nil
}
