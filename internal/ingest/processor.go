// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/tagwatch/internal/geo"
	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/threat"
	"github.com/tomtom215/tagwatch/internal/validation"
)

// Ingest stages, used as the stage label of tagwatch_ingest_errors_total.
const (
	StageDecode      = "decode"
	StagePanic       = "panic"
	StageValidate    = "validate"
	StageResolve     = "resolve"
	StageCluster     = "cluster"
	StageObservation = "observation"
	StageAggregate   = "aggregate"
	StageUserTrail   = "user_location"
	StageRescore     = "rescore"
)

// StageError tags an ingest failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Resolver maps advertisements to identities.
type Resolver interface {
	Resolve(ctx context.Context, sample *models.AdvertisementSample) (*identity.Resolution, error)
}

// Clusterer maps coordinates to place clusters.
type Clusterer interface {
	FindOrCreate(ctx context.Context, lat, lon float64, at time.Time) (*models.LocationCluster, bool, error)
}

// Scorer re-analyses an identity and persists the verdict.
type Scorer interface {
	AnalyzeAndPersist(ctx context.Context, identityID string) (*threat.Result, error)
}

// AlertSink receives alertable verdicts, e.g. the websocket alert hub.
// Alert must not block.
type AlertSink interface {
	Alert(ctx context.Context, res *threat.Result)
}

// Store is the write surface used per detection.
type Store interface {
	InsertObservation(ctx context.Context, o *models.Observation) error
	RecordClusterDetection(ctx context.Context, identityID, clusterID string, rssi int, at time.Time) (*models.DeviceClusterDetection, error)
	InsertUserLocation(ctx context.Context, l *models.UserLocation) error
}

// ProcessorConfig tunes the processor.
type ProcessorConfig struct {
	// RescoreEvery re-scores an identity on every Nth detection.
	RescoreEvery int
	// RescoreInterval re-scores an identity once this much time has
	// passed since its last re-score.
	RescoreInterval time.Duration
	// AlertThreshold is the score at which an assessed verdict is logged
	// as an alert.
	AlertThreshold float64
	// FollowingThreshold also alerts on a following score at or above it,
	// whatever the overall score. Zero disables it.
	FollowingThreshold float64
}

// DefaultProcessorConfig returns the standard throttle.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		RescoreEvery:    10,
		RescoreInterval: 15 * time.Minute,
		AlertThreshold:  0.6,
	}
}

// Outcome summarises one processed sample.
type Outcome struct {
	Resolution  *identity.Resolution
	Observation *models.Observation
	Cluster     *models.LocationCluster
	// Result is set when the detection triggered a re-score.
	Result *threat.Result
}

// Processor runs the per-detection write path.
type Processor struct {
	resolver  Resolver
	clusterer Clusterer
	store     Store
	scorer    Scorer
	alerts    AlertSink
	cfg       ProcessorConfig

	throttle *rescoreThrottle
	addrLock *keyedMutex

	// lastFixMs deduplicates user-trail points shared by a scan batch.
	fixMu     sync.Mutex
	lastFixMs int64
}

// NewProcessor wires the write path. scorer may be nil, in which case
// detections are stored but never re-scored.
func NewProcessor(resolver Resolver, clusterer Clusterer, store Store, scorer Scorer, cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig()
	if cfg.RescoreEvery <= 0 {
		cfg.RescoreEvery = def.RescoreEvery
	}
	if cfg.RescoreInterval <= 0 {
		cfg.RescoreInterval = def.RescoreInterval
	}
	return &Processor{
		resolver:  resolver,
		clusterer: clusterer,
		store:     store,
		scorer:    scorer,
		cfg:       cfg,
		throttle:  newRescoreThrottle(cfg.RescoreEvery, cfg.RescoreInterval),
		addrLock:  newKeyedMutex(),
	}
}

// WithAlertSink forwards alertable re-score verdicts to sink.
func (p *Processor) WithAlertSink(sink AlertSink) *Processor {
	p.alerts = sink
	return p
}

// Process records one sample. Errors are returned as *StageError after
// being logged and counted; callers drop the sample and carry on.
func (p *Processor) Process(ctx context.Context, source string, s *models.Sample) (*Outcome, error) {
	start := time.Now()
	out, err := p.process(ctx, s)
	if err != nil {
		var se *StageError
		stage := "unknown"
		if errors.As(err, &se) {
			stage = se.Stage
		}
		metrics.RecordIngestError(stage)
		logging.Ctx(ctx).Error().Err(err).
			Str("stage", stage).
			Str("address", s.Advertisement.Address).
			Msg("Dropping sample")
		return nil, err
	}
	metrics.RecordSample(source, out.Cluster != nil, time.Since(start))
	return out, nil
}

func (p *Processor) process(ctx context.Context, s *models.Sample) (*Outcome, error) {
	if err := validation.ValidateStruct(&s.Advertisement); err != nil {
		return nil, &StageError{StageValidate, err}
	}
	s.Advertisement.Address = identity.NormalizeAddress(s.Advertisement.Address)
	loc := s.Location
	if loc != nil && (validation.ValidateStruct(loc) != nil || geo.IsUnknownLocation(loc.Latitude, loc.Longitude)) {
		logging.Ctx(ctx).Debug().Str("address", s.Advertisement.Address).Msg("Ignoring unusable location fix")
		loc = nil
	}

	unlock := p.addrLock.Lock(s.Advertisement.Address)
	defer unlock()

	res, err := p.resolver.Resolve(ctx, &s.Advertisement)
	if err != nil {
		return nil, &StageError{StageResolve, err}
	}
	switch {
	case res.IsNew:
		metrics.IdentitiesCreated.Inc()
	case res.Matched:
		metrics.AddressMerges.Inc()
	}
	ident := res.Identity
	at := s.Advertisement.Time()
	out := &Outcome{Resolution: res}

	obs := &models.Observation{
		IdentityID: ident.ID,
		Address:    s.Advertisement.Address,
		Timestamp:  at,
		RSSI:       s.Advertisement.RSSI,
	}
	if loc != nil {
		c, created, err := p.clusterer.FindOrCreate(ctx, loc.Latitude, loc.Longitude, at)
		if err != nil {
			return nil, &StageError{StageCluster, err}
		}
		if created {
			metrics.ClustersCreated.Inc()
		}
		out.Cluster = c
		obs.Latitude, obs.Longitude, obs.Accuracy = loc.Latitude, loc.Longitude, loc.Accuracy
		obs.Altitude, obs.Speed, obs.Bearing = loc.Altitude, loc.Speed, loc.Bearing
		obs.ClusterID = &c.ID
	}

	if err := p.store.InsertObservation(ctx, obs); err != nil {
		return nil, &StageError{StageObservation, err}
	}
	out.Observation = obs

	if out.Cluster != nil {
		if _, err := p.store.RecordClusterDetection(ctx, ident.ID, out.Cluster.ID, obs.RSSI, at); err != nil {
			return nil, &StageError{StageAggregate, err}
		}
		if err := p.recordUserLocation(ctx, loc); err != nil {
			return nil, &StageError{StageUserTrail, err}
		}
	}

	if p.scorer != nil {
		if res.IsNew {
			p.throttle.Forget(ident.ID)
		}
		ran := p.throttle.Do(ident.ID, time.Now(), func() {
			out.Result = p.rescore(ctx, ident.ID)
		})
		if !ran {
			metrics.RescoresSkipped.Inc()
		}
	}
	return out, nil
}

// recordUserLocation appends the fix to the user trail once, however many
// advertisements of the same scan carried it.
func (p *Processor) recordUserLocation(ctx context.Context, loc *models.LocationSample) error {
	p.fixMu.Lock()
	defer p.fixMu.Unlock()
	if loc.TimestampMs == p.lastFixMs {
		return nil
	}
	err := p.store.InsertUserLocation(ctx, &models.UserLocation{
		Timestamp: loc.Time(),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
		Speed:     loc.Speed,
		Bearing:   loc.Bearing,
		Provider:  loc.Provider,
	})
	if err != nil {
		return err
	}
	p.lastFixMs = loc.TimestampMs
	return nil
}

// rescore failures are logged and counted but never fail the detection.
func (p *Processor) rescore(ctx context.Context, identityID string) *threat.Result {
	res, err := p.scorer.AnalyzeAndPersist(ctx, identityID)
	if err != nil {
		metrics.RecordIngestError(StageRescore)
		logging.Ctx(ctx).Warn().Err(err).Str("identity_id", identityID).Msg("Re-score failed")
		return nil
	}
	if p.shouldAlert(res) {
		logging.Ctx(ctx).Warn().
			Str("identity_id", identityID).
			Str("risk_level", string(res.RiskLevel)).
			Str("device_class", string(res.DeviceClass)).
			Float64("score", res.Score).
			Float64("following", res.FollowingScore).
			Msg("Possible tracker following the user")
		if p.alerts != nil {
			p.alerts.Alert(ctx, res)
		}
	}
	return res
}

func (p *Processor) shouldAlert(res *threat.Result) bool {
	return res.AlertDue(p.cfg.AlertThreshold, p.cfg.FollowingThreshold)
}

// SweepThrottle drops re-score throttle state for identities idle longer
// than idle.
func (p *Processor) SweepThrottle(idle time.Duration) int {
	return p.throttle.Sweep(time.Now().Add(-idle))
}
