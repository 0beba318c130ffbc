// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package threat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tomtom215/tagwatch/internal/geo"
	"github.com/tomtom215/tagwatch/internal/models"
)

// DefaultDeepWeight is the weight of each deep analyzer unless configured.
const DefaultDeepWeight = 0.10

// Movement thresholds shared by the proximity and movement analyzers.
const (
	MovementThresholdMeters = 200.0
	MovementMatchWindow     = 30 * time.Minute
	burstWindow             = time.Hour
)

// DeepAnalyzers returns the optional analyzers, each with weight w.
func DeepAnalyzers(w float64) []Analyzer {
	if w <= 0 {
		w = DefaultDeepWeight
	}
	return []Analyzer{
		Regularity{W: w},
		Proximity{W: w},
		MovementSync{W: w},
		Temporal{W: w},
		SignalDrift{W: w},
		Rotation{W: w},
	}
}

// locatedObservations drops observations without a usable fix.
func locatedObservations(obs []models.Observation) []models.Observation {
	out := make([]models.Observation, 0, len(obs))
	for i := range obs {
		if geo.HasValidCoordinates(obs[i].Latitude, obs[i].Longitude) {
			out = append(out, obs[i])
		}
	}
	return out
}

// Regularity measures how machine-regular the sighting cadence is.
type Regularity struct{ W float64 }

func (Regularity) Kind() models.EvidenceKind { return models.EvidenceAdvertisingRegularity }
func (r Regularity) Weight() float64         { return r.W }
func (Regularity) MinObservations() int      { return 5 }

func (r Regularity) Analyze(_ context.Context, in *Input) (Factor, bool) {
	if len(in.Observations) < 2 {
		return Factor{}, false
	}
	intervals := make([]float64, 0, len(in.Observations)-1)
	for i := 1; i < len(in.Observations); i++ {
		intervals = append(intervals, in.Observations[i].Timestamp.Sub(in.Observations[i-1].Timestamp).Seconds())
	}
	mean := geo.Mean(intervals)
	if mean <= 0 {
		return Factor{}, false
	}
	cv := geo.MeanAbsDeviation(intervals) / mean

	var conf float64
	switch {
	case cv < 0.1:
		conf = 0.9
	case cv < 0.25:
		conf = 0.6
	case cv < 0.5:
		conf = 0.3
	default:
		conf = 0.1
	}
	return Factor{
		Kind:       r.Kind(),
		Confidence: conf,
		Weight:     r.W,
		Rationale:  fmt.Sprintf("Sighting interval varies by %.0f%% around a %.0fs mean", cv*100, mean),
		Details:    map[string]any{"mean_interval_seconds": mean, "variation_coefficient": cv},
	}, true
}

// Proximity scores how close in space and time device sightings sit to the
// user's own trail.
type Proximity struct{ W float64 }

func (Proximity) Kind() models.EvidenceKind { return models.EvidenceProximityCorrelation }
func (p Proximity) Weight() float64         { return p.W }
func (Proximity) MinObservations() int      { return 3 }

func (p Proximity) Analyze(_ context.Context, in *Input) (Factor, bool) {
	obs := locatedObservations(in.Observations)
	if len(obs) == 0 || len(in.UserTrail) == 0 {
		return Factor{}, false
	}

	scores := make([]float64, 0, len(obs))
	for i := range obs {
		u := nearestUserFix(in.UserTrail, obs[i].Timestamp)
		d := geo.HaversineMeters(obs[i].Latitude, obs[i].Longitude, u.Latitude, u.Longitude)
		dt := obs[i].Timestamp.Sub(u.Timestamp)
		if dt < 0 {
			dt = -dt
		}
		scores = append(scores, ProximityScore(d, dt))
	}
	conf := geo.Mean(scores)
	return Factor{
		Kind:           p.Kind(),
		Confidence:     conf,
		Weight:         p.W,
		Rationale:      fmt.Sprintf("Average proximity to your own trail %.2f over %d sightings", conf, len(scores)),
		ActionRequired: conf > 0.8,
		Details:        map[string]any{"pairs": len(scores)},
	}, true
}

// ProximityScore is the joint distance/time lookup.
func ProximityScore(meters float64, dt time.Duration) float64 {
	switch {
	case meters < 10 && dt < 5*time.Minute:
		return 1.0
	case meters < 25 && dt < 10*time.Minute:
		return 0.8
	case meters < 50 && dt < 15*time.Minute:
		return 0.6
	case meters < 100 && dt < 30*time.Minute:
		return 0.3
	default:
		return 0.1
	}
}

// nearestUserFix returns the trail point closest in time to t. trail must
// be sorted by time and non-empty.
func nearestUserFix(trail []models.UserLocation, t time.Time) models.UserLocation {
	i := sort.Search(len(trail), func(i int) bool { return !trail[i].Timestamp.Before(t) })
	switch {
	case i == 0:
		return trail[0]
	case i == len(trail):
		return trail[len(trail)-1]
	}
	before, after := trail[i-1], trail[i]
	if t.Sub(before.Timestamp) <= after.Timestamp.Sub(t) {
		return before
	}
	return after
}

// Segment is a movement between two consecutive points.
type Segment struct {
	Start, End time.Time
	Bearing    float64
	// Speed in metres per second.
	Speed float64
}

// Mid is the segment's temporal midpoint.
func (s Segment) Mid() time.Time {
	return s.Start.Add(s.End.Sub(s.Start) / 2)
}

type point struct {
	t        time.Time
	lat, lon float64
}

// movementSegments keeps consecutive pairs that moved more than the
// threshold in positive time.
func movementSegments(pts []point) []Segment {
	var out []Segment
	for i := 1; i < len(pts); i++ {
		a, b := pts[i-1], pts[i]
		dt := b.t.Sub(a.t)
		if dt <= 0 {
			continue
		}
		d := geo.HaversineMeters(a.lat, a.lon, b.lat, b.lon)
		if d <= MovementThresholdMeters {
			continue
		}
		out = append(out, Segment{
			Start:   a.t,
			End:     b.t,
			Bearing: geo.Bearing(a.lat, a.lon, b.lat, b.lon),
			Speed:   d / dt.Seconds(),
		})
	}
	return out
}

// MovementSync compares the device's movement with the user's: matching
// bearing and speed at the same time means the device travels with them.
type MovementSync struct{ W float64 }

func (MovementSync) Kind() models.EvidenceKind { return models.EvidenceMovementSync }
func (m MovementSync) Weight() float64         { return m.W }
func (MovementSync) MinObservations() int      { return 4 }

func (m MovementSync) Analyze(_ context.Context, in *Input) (Factor, bool) {
	obs := locatedObservations(in.Observations)
	devPts := make([]point, len(obs))
	for i := range obs {
		devPts[i] = point{obs[i].Timestamp, obs[i].Latitude, obs[i].Longitude}
	}
	userPts := make([]point, len(in.UserTrail))
	for i := range in.UserTrail {
		u := &in.UserTrail[i]
		userPts[i] = point{u.Timestamp, u.Latitude, u.Longitude}
	}

	devSegs := movementSegments(devPts)
	userSegs := movementSegments(userPts)
	if len(devSegs) == 0 || len(userSegs) == 0 {
		return Factor{}, false
	}

	conf, matched := SyncScore(devSegs, userSegs)
	return Factor{
		Kind:           m.Kind(),
		Confidence:     conf,
		Weight:         m.W,
		Rationale:      fmt.Sprintf("%d of %d device movements matched your own movement", matched, len(devSegs)),
		ActionRequired: conf > 0.7,
		Details:        map[string]any{"device_segments": len(devSegs), "user_segments": len(userSegs), "matched": matched},
	}, true
}

// SyncScore averages bearing and speed similarity of each device segment
// against the user segment nearest in time, within MovementMatchWindow.
// Unmatched device segments score zero.
func SyncScore(device, user []Segment) (float64, int) {
	if len(device) == 0 {
		return 0, 0
	}
	var (
		sum     float64
		matched int
	)
	for _, d := range device {
		best := -1
		var bestGap time.Duration
		for j, u := range user {
			gap := d.Mid().Sub(u.Mid())
			if gap < 0 {
				gap = -gap
			}
			if gap <= MovementMatchWindow && (best < 0 || gap < bestGap) {
				best, bestGap = j, gap
			}
		}
		if best < 0 {
			continue
		}
		u := user[best]
		sum += (geo.BearingSimilarity(d.Bearing, u.Bearing) + geo.SpeedSimilarity(d.Speed, u.Speed)) / 2
		matched++
	}
	return sum / float64(len(device)), matched
}

// Temporal looks for irregular time-of-day and day-of-week patterns and
// for a recent burst of sightings.
type Temporal struct{ W float64 }

func (Temporal) Kind() models.EvidenceKind { return models.EvidenceTemporalIrregularity }
func (t Temporal) Weight() float64         { return t.W }
func (Temporal) MinObservations() int      { return 10 }

func (t Temporal) Analyze(_ context.Context, in *Input) (Factor, bool) {
	if len(in.Observations) == 0 {
		return Factor{}, false
	}
	hours := make([]float64, 24)
	days := make([]float64, 7)
	var recent int
	for i := range in.Observations {
		ts := in.Observations[i].Timestamp
		hours[ts.Hour()]++
		days[int(ts.Weekday())]++
		if in.Now.Sub(ts) <= burstWindow {
			recent++
		}
	}

	// Coefficient of variation normalised by its maximum (all sightings in
	// one bucket) so both irregularity terms land in [0,1].
	hourIrr := geo.StdDev(hours) / geo.Mean(hours) / math.Sqrt(23)
	dayIrr := geo.StdDev(days) / geo.Mean(days) / math.Sqrt(6)
	irregularity := geo.Clamp01((hourIrr + dayIrr) / 2)
	burst := float64(recent) / float64(len(in.Observations))

	conf := geo.Clamp01(0.7*irregularity + 0.3*burst)
	return Factor{
		Kind:       t.Kind(),
		Confidence: conf,
		Weight:     t.W,
		Rationale:  fmt.Sprintf("Time-of-day irregularity %.2f, %.0f%% of sightings in the last hour", irregularity, burst*100),
		Details: map[string]any{
			"hour_variance": geo.Variance(hours),
			"day_variance":  geo.Variance(days),
			"burst_ratio":   burst,
		},
	}, true
}

// SignalDrift flags a signal that strengthens over the observation window,
// as if the device were getting closer.
type SignalDrift struct{ W float64 }

func (SignalDrift) Kind() models.EvidenceKind { return models.EvidenceSignalDrift }
func (s SignalDrift) Weight() float64         { return s.W }
func (SignalDrift) MinObservations() int      { return 6 }

func (s SignalDrift) Analyze(_ context.Context, in *Input) (Factor, bool) {
	n := len(in.Observations)
	if n < 2 {
		return Factor{}, false
	}
	half := n / 2
	first := make([]float64, 0, half)
	second := make([]float64, 0, n-half)
	for i := range in.Observations {
		v := float64(in.Observations[i].RSSI)
		if i < half {
			first = append(first, v)
		} else {
			second = append(second, v)
		}
	}
	delta := geo.Mean(second) - geo.Mean(first)
	conf := 0.0
	if delta > 0 {
		conf = geo.Clamp01(delta / 20)
	}
	return Factor{
		Kind:       s.Kind(),
		Confidence: conf,
		Weight:     s.W,
		Rationale:  fmt.Sprintf("Mean signal changed by %+.1f dBm between the first and second half of sightings", delta),
		Details:    map[string]any{"delta_dbm": delta},
	}, true
}

// Rotation treats several addresses for one device as weak evidence of
// deliberate privacy rotation.
type Rotation struct{ W float64 }

func (Rotation) Kind() models.EvidenceKind { return models.EvidenceAddressRotation }
func (r Rotation) Weight() float64         { return r.W }
func (Rotation) MinObservations() int      { return 0 }

func (r Rotation) Analyze(_ context.Context, in *Input) (Factor, bool) {
	n := len(in.Addresses)
	if n == 0 && in.Identity != nil {
		n = in.Identity.MACAddressCount
	}
	if n == 0 {
		return Factor{}, false
	}
	conf := 0.0
	if n > 1 {
		conf = math.Min(0.6, 0.3+0.1*float64(n-2))
	}
	return Factor{
		Kind:       r.Kind(),
		Confidence: conf,
		Weight:     r.W,
		Rationale:  fmt.Sprintf("%d distinct address(es) observed", n),
		Details:    map[string]any{"addresses": n},
	}, true
}
