// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/geo"
	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/models"
)

// Input is the stored history an analysis runs over.
type Input struct {
	Identity     *models.DeviceIdentity
	Fingerprint  identity.Fingerprint
	Class        models.DeviceClass
	Observations []models.Observation
	Clusters     []models.DeviceClusterDetection
	Addresses    []models.ObservedAddress
	UserTrail    []models.UserLocation
	Now          time.Time
}

// Analyzer scores one suspicion signal. Analyze reports false when the
// signal has no data to work with, in which case its weight does not
// count towards the combination.
type Analyzer interface {
	Kind() models.EvidenceKind
	Weight() float64
	MinObservations() int
	Analyze(ctx context.Context, in *Input) (Factor, bool)
}

// Lean factor weights.
const (
	WeightKnownTracker   = 0.40
	WeightMultiLocation  = 0.35
	WeightPersistence    = 0.15
	WeightClassification = 0.10
)

// DefaultAnalyzers returns the lean factor set.
func DefaultAnalyzers() []Analyzer {
	return []Analyzer{
		KnownTracker{},
		MultiLocation{},
		Persistence{},
		Classification{},
	}
}

// KnownTracker scores manufacturer and service UUID tracker signatures.
type KnownTracker struct{}

func (KnownTracker) Kind() models.EvidenceKind { return models.EvidenceKnownSignature }
func (KnownTracker) Weight() float64           { return WeightKnownTracker }
func (KnownTracker) MinObservations() int      { return 0 }

func (k KnownTracker) Analyze(_ context.Context, in *Input) (Factor, bool) {
	mfr := identity.ManufacturerHits(in.Fingerprint.ManufacturerData)
	uuids := identity.ServiceUUIDHits(in.Fingerprint.ServiceUUIDs)
	conf := geo.Clamp01(0.9*float64(mfr) + 0.95*float64(uuids))

	rationale := "No known tracker signature"
	if mfr+uuids > 0 {
		rationale = fmt.Sprintf("Matches %d tracker manufacturer id(s) and %d tracker service UUID(s)", mfr, uuids)
	}
	return Factor{
		Kind:           k.Kind(),
		Confidence:     conf,
		Weight:         k.Weight(),
		Rationale:      rationale,
		ActionRequired: conf > 0.7,
		Details:        map[string]any{"manufacturer_hits": mfr, "service_uuid_hits": uuids},
	}, true
}

// MultiLocation scores how many distinct places the device was seen at.
type MultiLocation struct{}

func (MultiLocation) Kind() models.EvidenceKind { return models.EvidenceMultiLocation }
func (MultiLocation) Weight() float64           { return WeightMultiLocation }
func (MultiLocation) MinObservations() int      { return 0 }

func (m MultiLocation) Analyze(_ context.Context, in *Input) (Factor, bool) {
	if len(in.Clusters) == 0 {
		return Factor{}, false
	}
	n := len(in.Clusters)
	span := clusterSpan(in.Clusters)
	conf := MultiLocationConfidence(n, span)
	return Factor{
		Kind:           m.Kind(),
		Confidence:     conf,
		Weight:         m.Weight(),
		Rationale:      fmt.Sprintf("Seen at %d distinct location(s) over %s", n, span.Round(time.Minute)),
		ActionRequired: conf > 0.6,
		Details:        map[string]any{"clusters": n, "span_seconds": int64(span.Seconds())},
	}, true
}

// MultiLocationConfidence applies the cluster-count and time-span rule.
func MultiLocationConfidence(clusters int, span time.Duration) float64 {
	switch {
	case clusters >= 5:
		return 0.95
	case clusters >= 3 && span > time.Hour:
		return 0.8
	case clusters >= 2 && span > 30*time.Minute:
		return 0.6
	default:
		return 0.2
	}
}

func clusterSpan(ds []models.DeviceClusterDetection) time.Duration {
	first, last := ds[0].FirstSeen, ds[0].LastSeen
	for _, d := range ds[1:] {
		if d.FirstSeen.Before(first) {
			first = d.FirstSeen
		}
		if d.LastSeen.After(last) {
			last = d.LastSeen
		}
	}
	return last.Sub(first)
}

// Persistence scores the longest dwell in one place. A device that settles
// for hours looks parked; one that never settles looks like it travels.
type Persistence struct{}

func (Persistence) Kind() models.EvidenceKind { return models.EvidencePersistence }
func (Persistence) Weight() float64           { return WeightPersistence }
func (Persistence) MinObservations() int      { return 0 }

func (p Persistence) Analyze(_ context.Context, in *Input) (Factor, bool) {
	if len(in.Clusters) == 0 {
		return Factor{}, false
	}
	var longest time.Duration
	var where string
	for i := range in.Clusters {
		if d := in.Clusters[i].Dwell(); d > longest || where == "" {
			longest, where = d, in.Clusters[i].ClusterID
		}
	}
	return Factor{
		Kind:       p.Kind(),
		Confidence: PersistenceConfidence(longest),
		Weight:     p.Weight(),
		Rationale:  fmt.Sprintf("Longest stay in one place: %s", longest.Round(time.Minute)),
		Details:    map[string]any{"cluster_id": where, "dwell_seconds": int64(longest.Seconds())},
	}, true
}

// PersistenceConfidence applies the dwell rule.
func PersistenceConfidence(dwell time.Duration) float64 {
	switch {
	case dwell > 8*time.Hour:
		return 0.2
	case dwell > 4*time.Hour:
		return 0.4
	case dwell > 2*time.Hour:
		return 0.6
	default:
		return 0.8
	}
}

// Classification scores the inferred device type.
type Classification struct{}

func (Classification) Kind() models.EvidenceKind { return models.EvidenceClassification }
func (Classification) Weight() float64           { return WeightClassification }
func (Classification) MinObservations() int      { return 0 }

func (c Classification) Analyze(_ context.Context, in *Input) (Factor, bool) {
	conf := ClassConfidence(in.Class)
	rationale := fmt.Sprintf("Device type: %s", in.Class)
	if in.Identity != nil && in.Identity.IsUserTracked {
		conf = 0
		rationale = "Device is tracked by the user"
	}
	return Factor{
		Kind:       c.Kind(),
		Confidence: conf,
		Weight:     c.Weight(),
		Rationale:  rationale,
		Details:    map[string]any{"device_class": string(in.Class)},
	}, true
}

// ClassConfidence is the suspicion attached to a device class.
func ClassConfidence(class models.DeviceClass) float64 {
	switch {
	case class.IsTracker():
		return 0.9
	case class == models.DeviceClassSuspectedTracker:
		return 0.7
	case class == models.DeviceClassEarbuds, class == models.DeviceClassHeadphones,
		class == models.DeviceClassFixedAccessory:
		return 0.1
	case class == models.DeviceClassCarKit:
		return 0.2
	case class == models.DeviceClassWatch, class == models.DeviceClassPhone:
		return 0.3
	default:
		return 0.5
	}
}

// InferClass refines an Unknown class from behaviour: one place with a very
// strong signal looks like a fixed or vehicle accessory, more than three
// places at moderate strength looks like a tracker. Known classes are
// returned unchanged.
func InferClass(class models.DeviceClass, clusters []models.DeviceClusterDetection, obs []models.Observation) models.DeviceClass {
	if class != models.DeviceClassUnknown && class != "" {
		return class
	}
	if len(obs) == 0 {
		return models.DeviceClassUnknown
	}
	rssi := make([]float64, len(obs))
	for i := range obs {
		rssi[i] = float64(obs[i].RSSI)
	}
	avg := geo.Mean(rssi)

	switch {
	case len(clusters) == 1 && avg > -40:
		return models.DeviceClassFixedAccessory
	case len(clusters) > 3 && avg >= -70 && avg <= -50:
		return models.DeviceClassSuspectedTracker
	}
	return models.DeviceClassUnknown
}
