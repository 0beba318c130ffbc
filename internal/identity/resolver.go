// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/models"
)

// Seed suspicion scores for newly minted identities.
const (
	SeedSuspicionKnownTracker = 0.8
	SeedSuspicionDefault      = 0.1
)

// maxIntervalGap bounds which gaps between two sightings of the same
// address count as an advertising interval rather than an absence.
const maxIntervalGap = 10 * time.Minute

// NewIdentity is everything persisted when an advertisement matches nothing.
type NewIdentity struct {
	Identity        models.DeviceIdentity
	Address         models.ObservedAddress
	Characteristics []models.AdvertisingCharacteristic
	Pattern         models.FingerprintPattern
}

// Store is the persistence the resolver needs.
type Store interface {
	// IdentityByAddress returns nil, nil when the address is not bound.
	IdentityByAddress(ctx context.Context, address string) (*models.DeviceIdentity, error)

	// RecordSighting bumps the identity and address counters and last_seen
	// and returns the address's previous last_seen.
	RecordSighting(ctx context.Context, identityID, address string, at time.Time) (time.Time, error)

	// RecordInterval folds one observed advertising interval into the
	// identity's fingerprint pattern.
	RecordInterval(ctx context.Context, identityID string, intervalMs float64) error

	// ListFingerprintPatterns returns up to limit patterns, most recently
	// updated first.
	ListFingerprintPatterns(ctx context.Context, limit int) ([]models.FingerprintPattern, error)

	CreateIdentity(ctx context.Context, n *NewIdentity) error

	// AttachAddress binds a new address to an existing identity,
	// increments its address and observation counts and sets its
	// identity confidence.
	AttachAddress(ctx context.Context, addr *models.ObservedAddress, confidence float64) error

	// MergeCharacteristics upserts characteristics (latest value wins) and
	// replaces the fingerprint pattern's advertisement fields.
	MergeCharacteristics(ctx context.Context, identityID string, chars []models.AdvertisingCharacteristic, pattern *models.FingerprintPattern) error

	GetIdentity(ctx context.Context, identityID string) (*models.DeviceIdentity, error)
}

// Config tunes the resolver.
type Config struct {
	Weights        Weights
	MatchThreshold float64
	MaxCandidates  int
}

// DefaultConfig returns the standard matcher settings.
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		MatchThreshold: 0.70,
		MaxCandidates:  5000,
	}
}

// Resolution describes how an advertisement was mapped to an identity.
type Resolution struct {
	Identity *models.DeviceIdentity
	// IsNew is true when a new identity was minted.
	IsNew bool
	// Matched is true when the address was new but fingerprint matching
	// attached it to an existing identity.
	Matched bool
	// Score is the winning similarity on the slow path.
	Score float64
}

// Resolver maps advertisements to device identities.
type Resolver struct {
	store Store
	cfg   Config
	now   func() time.Time

	// slow serialises the slow path so two concurrent sightings of one
	// unknown device cannot both mint an identity.
	slow sync.Mutex
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, cfg Config) *Resolver {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultConfig().MatchThreshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	return &Resolver{store: store, cfg: cfg, now: time.Now}
}

// Resolve maps one advertisement to an identity. Known addresses take the
// fast path (counter bump only). Unknown addresses are fingerprinted and
// compared against stored patterns; the best candidate at or above the
// match threshold absorbs the address, otherwise a new identity is minted.
func (r *Resolver) Resolve(ctx context.Context, sample *models.AdvertisementSample) (*Resolution, error) {
	at := sample.Time()
	if sample.TimestampMs == 0 {
		at = r.now().UTC()
	}
	address := NormalizeAddress(sample.Address)

	ident, err := r.store.IdentityByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup address: %w", err)
	}
	if ident != nil {
		return r.fastPath(ctx, ident, address, at)
	}

	r.slow.Lock()
	defer r.slow.Unlock()

	// Re-check under the lock: a concurrent slow path may have bound it.
	ident, err = r.store.IdentityByAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup address: %w", err)
	}
	if ident != nil {
		return r.fastPath(ctx, ident, address, at)
	}

	fp := FromSample(sample)
	cand := &Candidate{Fingerprint: fp, Digest: fp.Digest()}

	best, score, err := r.bestMatch(ctx, cand, at)
	if err != nil {
		return nil, err
	}
	if best != nil {
		return r.attach(ctx, best, cand, address, score, at)
	}
	return r.mint(ctx, cand, address, at)
}

func (r *Resolver) fastPath(ctx context.Context, ident *models.DeviceIdentity, address string, at time.Time) (*Resolution, error) {
	prev, err := r.store.RecordSighting(ctx, ident.ID, address, at)
	if err != nil {
		return nil, fmt.Errorf("record sighting: %w", err)
	}

	if gap := at.Sub(prev); !prev.IsZero() && gap > 0 && gap <= maxIntervalGap {
		if err := r.store.RecordInterval(ctx, ident.ID, float64(gap.Milliseconds())); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("identity_id", ident.ID).Msg("failed to record advertising interval")
		}
	}

	ident.LastSeen = maxTime(ident.LastSeen, at)
	ident.TotalObservationCount++
	return &Resolution{Identity: ident}, nil
}

// bestMatch returns the highest scoring pattern at or above the threshold.
// Equal scores resolve to the lexicographically lowest identity id.
//
// The timing component compares each pattern's learned sighting cadence
// with the gap between at and that identity's last sighting: a rotated
// address that turns up on the old address's cadence looks like the same
// radio.
func (r *Resolver) bestMatch(ctx context.Context, cand *Candidate, at time.Time) (*models.FingerprintPattern, float64, error) {
	patterns, err := r.store.ListFingerprintPatterns(ctx, r.cfg.MaxCandidates)
	if err != nil {
		return nil, 0, fmt.Errorf("list fingerprint patterns: %w", err)
	}

	var best *models.FingerprintPattern
	bestScore := math.Inf(-1)
	for i := range patterns {
		p := &patterns[i]
		other := &Candidate{Fingerprint: FromPattern(p), Digest: p.Digest, IntervalMs: p.IntervalMs}
		c := *cand
		c.IntervalMs = rotationGapMs(p.LastHeard, at)
		score := r.cfg.Weights.Score(&c, other)

		logging.Ctx(ctx).Trace().
			Str("candidate_identity", p.IdentityID).
			Float64("score", score).
			Msg("fingerprint compared")

		if score < r.cfg.MatchThreshold {
			continue
		}
		if score > bestScore || (score == bestScore && p.IdentityID < best.IdentityID) {
			best, bestScore = p, score
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestScore, nil
}

func (r *Resolver) attach(ctx context.Context, p *models.FingerprintPattern, cand *Candidate, address string, score float64, at time.Time) (*Resolution, error) {
	addr := &models.ObservedAddress{
		IdentityID:        p.IdentityID,
		Address:           address,
		FirstSeen:         at,
		LastSeen:          at,
		ObservationCount:  1,
		IsCurrentlyActive: true,
		AddressKind:       AddressKindOf(address),
	}
	if err := r.store.AttachAddress(ctx, addr, score); err != nil {
		return nil, fmt.Errorf("attach address: %w", err)
	}

	chars, err := Characteristics(p.IdentityID, &cand.Fingerprint, at)
	if err != nil {
		return nil, fmt.Errorf("encode characteristics: %w", err)
	}
	merged := *p
	merged.Digest = cand.Digest
	merged.ManufacturerData = cand.Fingerprint.ManufacturerData
	merged.ServiceUUIDs = cand.Fingerprint.ServiceUUIDs
	merged.DeviceName = cand.Fingerprint.DeviceName
	merged.TxPower = cand.Fingerprint.TxPower
	merged.UpdatedAt = at
	if err := r.store.MergeCharacteristics(ctx, p.IdentityID, chars, &merged); err != nil {
		return nil, fmt.Errorf("merge characteristics: %w", err)
	}

	ident, err := r.store.GetIdentity(ctx, p.IdentityID)
	if err != nil {
		return nil, fmt.Errorf("reload identity: %w", err)
	}
	if ident == nil {
		return nil, fmt.Errorf("identity %s vanished during merge", p.IdentityID)
	}

	logging.Ctx(ctx).Debug().
		Str("identity_id", ident.ID).
		Str("address", address).
		Float64("score", score).
		Int("mac_address_count", ident.MACAddressCount).
		Msg("address merged into existing identity")

	return &Resolution{Identity: ident, Matched: true, Score: score}, nil
}

func (r *Resolver) mint(ctx context.Context, cand *Candidate, address string, at time.Time) (*Resolution, error) {
	cls := Classify(&cand.Fingerprint)

	seed := SeedSuspicionDefault
	if cls.KnownTracker {
		seed = SeedSuspicionKnownTracker
	}

	id := uuid.New().String()
	ident := models.DeviceIdentity{
		ID:                      id,
		DisplayName:             cand.Fingerprint.DeviceName,
		Manufacturer:            cls.Manufacturer,
		DeviceClass:             cls.Class,
		IsKnownTrackerSignature: cls.KnownTracker,
		TrackerType:             cls.TrackerType,
		FirstSeen:               at,
		LastSeen:                at,
		TotalObservationCount:   1,
		SuspicionScore:          seed,
		MACAddressCount:         1,
		FingerprintDigest:       cand.Digest,
		IdentityConfidence:      1,
	}

	chars, err := Characteristics(id, &cand.Fingerprint, at)
	if err != nil {
		return nil, fmt.Errorf("encode characteristics: %w", err)
	}

	n := &NewIdentity{
		Identity: ident,
		Address: models.ObservedAddress{
			IdentityID:        id,
			Address:           address,
			FirstSeen:         at,
			LastSeen:          at,
			ObservationCount:  1,
			IsCurrentlyActive: true,
			AddressKind:       AddressKindOf(address),
		},
		Characteristics: chars,
		Pattern: models.FingerprintPattern{
			IdentityID:       id,
			Digest:           cand.Digest,
			ManufacturerData: cand.Fingerprint.ManufacturerData,
			ServiceUUIDs:     cand.Fingerprint.ServiceUUIDs,
			DeviceName:       cand.Fingerprint.DeviceName,
			TxPower:          cand.Fingerprint.TxPower,
			FirstSeen:        at,
			UpdatedAt:        at,
		},
	}
	if err := r.store.CreateIdentity(ctx, n); err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}

	logging.Ctx(ctx).Debug().
		Str("identity_id", id).
		Str("address", address).
		Str("device_class", string(cls.Class)).
		Bool("known_tracker", cls.KnownTracker).
		Bool("blank_fingerprint", cand.Fingerprint.IsBlank()).
		Msg("new identity created")

	return &Resolution{Identity: &n.Identity, IsNew: true}, nil
}

// rotationGapMs is the gap from lastHeard to at in milliseconds, or 0 when
// it is unknown or too long to be a cadence.
func rotationGapMs(lastHeard, at time.Time) float64 {
	if lastHeard.IsZero() {
		return 0
	}
	gap := at.Sub(lastHeard)
	if gap <= 0 || gap > maxIntervalGap {
		return 0
	}
	return float64(gap.Milliseconds())
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
