// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package geo

import (
	"math"
	"testing"
)

func TestHaversineMeters(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		lat1, lon1       float64
		lat2, lon2       float64
		wantMin, wantMax float64
	}{
		{"same point", 40.7128, -74.0060, 40.7128, -74.0060, 0, 0},
		{"NYC to LA", 40.7128, -74.0060, 34.0522, -118.2437, 3_935_000, 3_945_000},
		{"London to Paris", 51.5074, -0.1278, 48.8566, 2.3522, 340_000, 345_000},
		{"one millidegree latitude", 51.500, 0, 51.501, 0, 111.1, 111.3},
		{"antipodal", 0, 0, 0, 180, 20_015_000, 20_016_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("HaversineMeters() = %.1f, want [%.1f, %.1f]", got, tt.wantMin, tt.wantMax)
			}
		})
	}
}

func TestHaversineSymmetric(t *testing.T) {
	t.Parallel()

	a := HaversineMeters(52.52, 13.405, 48.137, 11.575)
	b := HaversineMeters(48.137, 11.575, 52.52, 13.405)
	if a != b {
		t.Errorf("distance not symmetric: %v vs %v", a, b)
	}
}

func TestBearing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		lat1, lon1 float64
		lat2, lon2 float64
		want       float64
	}{
		{"due north", 0, 0, 1, 0, 0},
		{"due east", 0, 0, 0, 1, 90},
		{"due south", 1, 0, 0, 0, 180},
		{"due west", 0, 1, 0, 0, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Bearing(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Bearing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBearingDifferenceAndSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b     float64
		wantDiff float64
	}{
		{10, 350, 20},
		{350, 10, 20},
		{0, 180, 180},
		{90, 90, 0},
		{45, 225, 180},
	}
	for _, tt := range tests {
		if got := BearingDifference(tt.a, tt.b); math.Abs(got-tt.wantDiff) > 1e-9 {
			t.Errorf("BearingDifference(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.wantDiff)
		}
	}
	if got := BearingSimilarity(0, 180); got != 0 {
		t.Errorf("opposite bearings similarity = %v, want 0", got)
	}
	if got := BearingSimilarity(30, 30); got != 1 {
		t.Errorf("equal bearings similarity = %v, want 1", got)
	}
}

func TestSpeedSimilarity(t *testing.T) {
	t.Parallel()

	if got := SpeedSimilarity(10, 5); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("SpeedSimilarity(10,5) = %v, want 0.5", got)
	}
	if got := SpeedSimilarity(0, 0); got != 1 {
		t.Errorf("SpeedSimilarity(0,0) = %v, want 1", got)
	}
}

func TestIsUnknownLocation(t *testing.T) {
	t.Parallel()

	if !IsUnknownLocation(0, 0) || !IsUnknownLocation(1e-9, -1e-9) {
		t.Error("expected 0,0 to be unknown")
	}
	if IsUnknownLocation(0, 0.001) {
		t.Error("expected 0,0.001 to be known")
	}
	if !HasValidCoordinates(51.5, -0.12) {
		t.Error("expected London to be valid")
	}
}
