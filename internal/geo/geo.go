// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package geo holds the distance, bearing and summary statistics used by
// clustering and threat analysis.
//
// HaversineMeters is the single distance function in tagwatch. Cluster
// membership depends on it, so its formula and radius constant must not
// change.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by HaversineMeters.
const EarthRadiusMeters = 6371000.0

// CoordinateEpsilon is the tolerance under which a coordinate counts as the
// 0,0 "no fix" sentinel (about 1 cm at the equator).
const CoordinateEpsilon = 1e-7

// IsUnknownLocation reports whether lat/lon is the 0,0 sentinel.
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < CoordinateEpsilon && math.Abs(lon) < CoordinateEpsilon
}

// HasValidCoordinates is the inverse of IsUnknownLocation.
func HasValidCoordinates(lat, lon float64) bool {
	return !IsUnknownLocation(lat, lon)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

func toDegrees(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// HaversineMeters returns the great-circle distance in meters:
//
//	a = sin²(Δlat/2) + cos(lat1)·cos(lat2)·sin²(Δlon/2)
//	d = 2·R·atan2(√a, √(1−a))
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Bearing returns the initial great-circle bearing from point 1 to point 2
// in degrees, normalised to [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := toRadians(lat1)
	lat2Rad := toRadians(lat2)
	dLon := toRadians(lon2 - lon1)

	y := math.Sin(dLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(dLon)

	return math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
}

// BearingDifference returns the smallest angle between two bearings, in [0, 180].
func BearingDifference(a, b float64) float64 {
	d := math.Abs(math.Mod(a-b, 360))
	return math.Min(d, 360-d)
}

// BearingSimilarity maps the bearing difference onto [0, 1], 1 meaning
// identical headings and 0 opposite ones.
func BearingSimilarity(a, b float64) float64 {
	return 1 - BearingDifference(a, b)/180
}

// SpeedSimilarity is 1 − |a−b| / max(a, b). Two stationary points are
// identical (1).
func SpeedSimilarity(a, b float64) float64 {
	hi := math.Max(a, b)
	if hi <= 0 {
		return 1
	}
	return Clamp01(1 - math.Abs(a-b)/hi)
}
