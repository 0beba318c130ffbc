// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/metrics"
	"github.com/tomtom215/tagwatch/internal/models"
)

// ErrIdentityNotFound is returned when the identity to analyse does not
// exist. Callers treat it as "no verdict".
var ErrIdentityNotFound = errors.New("identity not found")

// Store is the read and write surface the engine needs.
type Store interface {
	GetIdentity(ctx context.Context, identityID string) (*models.DeviceIdentity, error)
	ObservationsForIdentity(ctx context.Context, identityID string, since time.Time) ([]models.Observation, error)
	ClusterDetectionsForIdentity(ctx context.Context, identityID string) ([]models.DeviceClusterDetection, error)
	AddressesForIdentity(ctx context.Context, identityID string) ([]models.ObservedAddress, error)
	CharacteristicsForIdentity(ctx context.Context, identityID string) ([]models.AdvertisingCharacteristic, error)
	UserLocationsBetween(ctx context.Context, from, to time.Time) ([]models.UserLocation, error)
	ReplaceEvidence(ctx context.Context, identityID string, evidence []models.TrackingEvidence) error
	UpdateScores(ctx context.Context, identityID string, suspicion, following float64) error
}

// Config tunes the engine.
type Config struct {
	DeepAnalysis    bool
	DeepWeight      float64
	MinObservations int
	Lookback        time.Duration
}

// DefaultConfig returns the lean engine settings.
func DefaultConfig() Config {
	return Config{
		DeepWeight:      DefaultDeepWeight,
		MinObservations: 3,
		Lookback:        7 * 24 * time.Hour,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithAnalyzers appends extra analyzers to the configured set.
func WithAnalyzers(a ...Analyzer) Option {
	return func(e *Engine) { e.analyzers = append(e.analyzers, a...) }
}

// WithClock overrides the engine's notion of now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine combines analyzer factors into a verdict. It holds no state
// between calls; every analysis is recomputed from the store.
type Engine struct {
	store     Store
	cfg       Config
	analyzers []Analyzer
	now       func() time.Time
}

// NewEngine builds an engine with the lean analyzers, plus the deep set
// when cfg.DeepAnalysis is on.
func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = def.MinObservations
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}

	e := &Engine{store: store, cfg: cfg, analyzers: DefaultAnalyzers(), now: time.Now}
	if cfg.DeepAnalysis {
		e.analyzers = append(e.analyzers, DeepAnalyzers(cfg.DeepWeight)...)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze scores one identity from its stored history.
func (e *Engine) Analyze(ctx context.Context, identityID string) (*Result, error) {
	start := time.Now()
	res, err := e.analyze(ctx, identityID)
	if err != nil {
		return nil, err
	}

	label := string(res.RiskLevel)
	if res.Verdict == VerdictInsufficientData {
		label = string(VerdictInsufficientData)
	}
	metrics.RecordAnalysis(label, time.Since(start))
	return res, nil
}

func (e *Engine) analyze(ctx context.Context, identityID string) (*Result, error) {
	ident, err := e.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if ident == nil {
		return nil, fmt.Errorf("%s: %w", identityID, ErrIdentityNotFound)
	}

	now := e.now().UTC()
	since := now.Add(-e.cfg.Lookback)
	res := &Result{
		IdentityID:  identityID,
		DeviceClass: ident.DeviceClass,
		Suppressed:  ident.IsIgnored,
		AnalyzedAt:  now,
	}

	if ident.IsUserTracked {
		res.Verdict = VerdictAssessed
		res.RiskLevel = RiskSafe
		res.Confidence = 1
		res.Factors = []Factor{{
			Kind:      models.EvidenceClassification,
			Weight:    WeightClassification,
			Rationale: "Device is tracked by the user",
		}}
		res.Recommendation = "You marked this device as your own."
		return res, nil
	}

	obs, err := e.store.ObservationsForIdentity(ctx, identityID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load observations: %w", err)
	}
	res.Observations = len(obs)
	if len(obs) < e.cfg.MinObservations {
		res.Verdict = VerdictInsufficientData
		res.Recommendation = insufficientDataAdvice
		return res, nil
	}

	in, err := e.buildInput(ctx, ident, obs, since, now)
	if err != nil {
		return nil, err
	}
	res.DeviceClass = in.Class

	var (
		weighted, present, total float64
		multiLoc, movement       *Factor
	)
	for _, a := range e.analyzers {
		total += a.Weight()
		if len(obs) < a.MinObservations() {
			continue
		}
		f, ok := a.Analyze(ctx, in)
		if !ok {
			continue
		}
		res.Factors = append(res.Factors, f)
		weighted += f.Confidence * f.Weight
		present += f.Weight
		if f.ActionRequired {
			res.ActionRequired = true
		}

		logging.Ctx(ctx).Trace().
			Str("identity_id", identityID).
			Str("factor", string(f.Kind)).
			Float64("confidence", f.Confidence).
			Msg("factor scored")
	}
	for i := range res.Factors {
		switch res.Factors[i].Kind {
		case models.EvidenceMultiLocation:
			multiLoc = &res.Factors[i]
		case models.EvidenceMovementSync:
			movement = &res.Factors[i]
		}
	}

	if present > 0 {
		res.Score = weighted / present
	}
	if total > 0 {
		res.Confidence = present / total
	}
	switch {
	case multiLoc != nil && movement != nil:
		res.FollowingScore = (multiLoc.Confidence + movement.Confidence) / 2
	case multiLoc != nil:
		res.FollowingScore = multiLoc.Confidence
	case movement != nil:
		res.FollowingScore = movement.Confidence
	}

	res.Verdict = VerdictAssessed
	res.RiskLevel = LevelFor(res.Score)
	res.Recommendation = Recommendation(res.RiskLevel)
	return res, nil
}

func (e *Engine) buildInput(ctx context.Context, ident *models.DeviceIdentity, obs []models.Observation, since, now time.Time) (*Input, error) {
	clusters, err := e.store.ClusterDetectionsForIdentity(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster detections: %w", err)
	}
	// Aggregates older than the lookback are dropped; the ones kept are
	// clamped to it so span and dwell only count history in the window.
	recent := make([]models.DeviceClusterDetection, 0, len(clusters))
	for _, c := range clusters {
		if c.LastSeen.Before(since) {
			continue
		}
		if c.FirstSeen.Before(since) {
			c.FirstSeen = since
		}
		recent = append(recent, c)
	}

	addrs, err := e.store.AddressesForIdentity(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load addresses: %w", err)
	}

	chars, err := e.store.CharacteristicsForIdentity(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load characteristics: %w", err)
	}
	fp, err := identity.FromCharacteristics(chars)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("identity_id", ident.ID).
			Msg("Ignoring undecodable advertising characteristics")
	}

	in := &Input{
		Identity:     ident,
		Fingerprint:  fp,
		Observations: obs,
		Clusters:     recent,
		Addresses:    addrs,
		Now:          now,
	}
	in.Class = InferClass(ident.DeviceClass, recent, obs)

	if e.cfg.DeepAnalysis {
		trail, err := e.store.UserLocationsBetween(ctx, obs[0].Timestamp.Add(-MovementMatchWindow), now)
		if err != nil {
			return nil, fmt.Errorf("failed to load user trail: %w", err)
		}
		in.UserTrail = trail
	}
	return in, nil
}

// AnalyzeAndPersist analyses the identity and, when a verdict was reached,
// overwrites its scores and evidence. Insufficient-data results leave the
// stored scores untouched.
func (e *Engine) AnalyzeAndPersist(ctx context.Context, identityID string) (*Result, error) {
	res, err := e.Analyze(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if res.Verdict != VerdictAssessed {
		return res, nil
	}

	evidence := make([]models.TrackingEvidence, 0, len(res.Factors))
	for _, f := range res.Factors {
		ev := models.TrackingEvidence{
			IdentityID: identityID,
			Kind:       f.Kind,
			Confidence: f.Confidence,
			Weight:     f.Weight,
			Rationale:  f.Rationale,
			UpdatedAt:  res.AnalyzedAt,
		}
		if len(f.Details) > 0 {
			b, err := json.Marshal(f.Details)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s details: %w", f.Kind, err)
			}
			ev.Details = b
		}
		evidence = append(evidence, ev)
	}

	if err := e.store.ReplaceEvidence(ctx, identityID, evidence); err != nil {
		return nil, fmt.Errorf("failed to save evidence: %w", err)
	}
	if err := e.store.UpdateScores(ctx, identityID, res.Score, res.FollowingScore); err != nil {
		return nil, fmt.Errorf("failed to save scores: %w", err)
	}

	logging.Ctx(ctx).Debug().
		Str("identity_id", identityID).
		Str("risk_level", string(res.RiskLevel)).
		Float64("score", res.Score).
		Float64("following", res.FollowingScore).
		Bool("action_required", res.ActionRequired).
		Msg("threat analysis persisted")
	return res, nil
}
