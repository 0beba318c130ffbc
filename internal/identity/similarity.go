// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"bytes"
	"math"
)

// Weights are the per-component weights of the fingerprint similarity.
type Weights struct {
	Manufacturer float64
	ServiceUUIDs float64
	DeviceName   float64
	Timing       float64
}

// DefaultWeights returns the standard component weights.
func DefaultWeights() Weights {
	return Weights{
		Manufacturer: 0.30,
		ServiceUUIDs: 0.25,
		DeviceName:   0.10,
		Timing:       0.20,
	}
}

// Candidate is one side of a similarity comparison.
type Candidate struct {
	Fingerprint Fingerprint
	Digest      string
	// IntervalMs is the sighting cadence in milliseconds, 0 when unknown.
	// For a stored pattern it is the learned mean gap between sightings of
	// one address; for a new address it is the gap since the pattern's
	// identity was last heard.
	IntervalMs float64
}

// Score compares two candidates. An identical digest scores 1. Otherwise
// each component that has data on both sides contributes its score times
// its weight, and the sum is divided by the weights actually evaluated, so
// missing data never lowers the score. With nothing comparable the score is 0.
func (w Weights) Score(a, b *Candidate) float64 {
	if a.Digest != "" && a.Digest == b.Digest {
		return 1
	}

	var sum, denom float64
	eval := func(weight, score float64) {
		if weight <= 0 {
			return
		}
		sum += weight * score
		denom += weight
	}

	if len(a.Fingerprint.ManufacturerData) > 0 && len(b.Fingerprint.ManufacturerData) > 0 {
		eval(w.Manufacturer, ManufacturerSimilarity(a.Fingerprint.ManufacturerData, b.Fingerprint.ManufacturerData))
	}
	if len(a.Fingerprint.ServiceUUIDs) > 0 && len(b.Fingerprint.ServiceUUIDs) > 0 {
		eval(w.ServiceUUIDs, Jaccard(a.Fingerprint.ServiceUUIDs, b.Fingerprint.ServiceUUIDs))
	}
	if a.Fingerprint.DeviceName != "" && b.Fingerprint.DeviceName != "" {
		name := 0.0
		if a.Fingerprint.DeviceName == b.Fingerprint.DeviceName {
			name = 1
		}
		eval(w.DeviceName, name)
	}
	if a.IntervalMs > 0 && b.IntervalMs > 0 {
		eval(w.Timing, TimingSimilarity(a.IntervalMs, b.IntervalMs))
	}

	if denom == 0 {
		return 0
	}
	return sum / denom
}

// ManufacturerSimilarity compares manufacturer data company id by company
// id over the union of ids: an id present on both sides with identical
// bytes scores 1, anything else scores 0. The result is the mean. Two tags
// of one vendor share the company id, so the id alone is no evidence.
func ManufacturerSimilarity(a, b map[int][]byte) float64 {
	union := make(map[int]struct{}, len(a)+len(b))
	for id := range a {
		union[id] = struct{}{}
	}
	for id := range b {
		union[id] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}

	var total float64
	for id := range union {
		da, okA := a[id]
		db, okB := b[id]
		if okA && okB && bytes.Equal(da, db) {
			total++
		}
	}
	return total / float64(len(union))
}

// Jaccard returns |A∩B| / |A∪B| of two UUID sets (compared normalised).
func Jaccard(a, b []string) float64 {
	na, nb := NormalizeUUIDs(a), NormalizeUUIDs(b)
	if len(na) == 0 && len(nb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(na))
	for _, u := range na {
		set[u] = struct{}{}
	}
	inter := 0
	for _, u := range nb {
		if _, ok := set[u]; ok {
			inter++
		}
	}
	union := len(na) + len(nb) - inter
	return float64(inter) / float64(union)
}

// TimingSimilarity compares two sighting cadences:
// 1 − |a−b| / max(a, b).
func TimingSimilarity(a, b float64) float64 {
	hi := math.Max(a, b)
	if hi <= 0 {
		return 0
	}
	return 1 - math.Abs(a-b)/hi
}
