// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package cluster

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tomtom215/tagwatch/internal/models"
)

type memStore struct {
	clusters map[string]*models.LocationCluster
}

func newMemStore() *memStore {
	return &memStore{clusters: map[string]*models.LocationCluster{}}
}

func (m *memStore) GetCluster(_ context.Context, id string) (*models.LocationCluster, error) {
	c, ok := m.clusters[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) CreateCluster(_ context.Context, c *models.LocationCluster) (bool, error) {
	if _, ok := m.clusters[c.ID]; ok {
		return false, nil
	}
	cp := *c
	m.clusters[c.ID] = &cp
	return true, nil
}

func (m *memStore) TouchCluster(_ context.Context, id string, at time.Time) error {
	c := m.clusters[id]
	c.DetectionCount++
	c.LastSeen = at
	return nil
}

func TestIDFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lat, lon float64
		want     string
	}{
		{51.50735, -0.12776, "51.507_-0.128"},
		{51.5074, -0.1278, "51.507_-0.128"},
		{40.71249, -74.00599, "40.712_-74.006"},
		{-0.0004, 0.0004, "0.000_0.000"},
		{-33.86882, 151.20929, "-33.869_151.209"},
	}
	for _, tt := range tests {
		if got := IDFor(tt.lat, tt.lon); got != tt.want {
			t.Errorf("IDFor(%v, %v) = %q, want %q", tt.lat, tt.lon, got, tt.want)
		}
	}
}

func TestWithinRadius(t *testing.T) {
	t.Parallel()

	// 0.0004 degrees of latitude is about 44.5 m
	if !WithinRadius(51.5, 0, 51.5004, 0) {
		t.Error("expected 44 m to be within radius")
	}
	// 0.0005 degrees is about 55.6 m
	if WithinRadius(51.5, 0, 51.5005, 0) {
		t.Error("expected 55 m to be outside radius")
	}
}

func TestNeighborIDs(t *testing.T) {
	t.Parallel()

	ids := NeighborIDs(51.5, -0.1)
	if len(ids) != 8 {
		t.Fatalf("expected 8 neighbours, got %d", len(ids))
	}
	want := map[string]bool{
		"51.501_-0.101": true, "51.501_-0.100": true, "51.501_-0.099": true,
		"51.500_-0.101": true, "51.500_-0.099": true,
		"51.499_-0.101": true, "51.499_-0.100": true, "51.499_-0.099": true,
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected neighbour id %q", id)
		}
	}
}

func TestFindOrCreate(t *testing.T) {
	store := newMemStore()
	c := New(store)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, created, err := c.FindOrCreate(ctx, 51.50735, -0.12776, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !created || first.ID != "51.507_-0.128" {
		t.Fatalf("expected created cluster 51.507_-0.128, got %+v created=%v", first, created)
	}
	if first.CenterLat != 51.50735 || first.RadiusM != RadiusMeters || !first.IsUserLocation {
		t.Errorf("unexpected cluster fields %+v", first)
	}

	again, created, err := c.FindOrCreate(ctx, 51.5072, -0.1281, t0.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != first.ID {
		t.Errorf("jittered point should reuse %s, got %s created=%v", first.ID, again.ID, created)
	}
	if store.clusters[first.ID].DetectionCount != 2 {
		t.Errorf("DetectionCount = %d, want 2", store.clusters[first.ID].DetectionCount)
	}
}

func TestFindOrCreate_AdjacentMerge(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// 51.5004 rounds to 51.500; 51.5006 rounds to 51.501 but is 22 m away.
	store := newMemStore()
	c := New(store)
	a, _, _ := c.FindOrCreate(ctx, 51.5004, 0, t0)
	b, created, err := c.FindOrCreate(ctx, 51.5006, 0, t0)
	if err != nil {
		t.Fatal(err)
	}
	if created || b.ID != a.ID {
		t.Errorf("boundary point should merge into %s, got %s", a.ID, b.ID)
	}

	plain := New(newMemStore(), WithAdjacentMerge(false))
	a2, _, _ := plain.FindOrCreate(ctx, 51.5004, 0, t0)
	b2, created, _ := plain.FindOrCreate(ctx, 51.5006, 0, t0)
	if !created || a2.ID == b2.ID {
		t.Error("without adjacent merge the boundary point should create its own cluster")
	}
}

func TestClusterIDProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("IDFor is deterministic", prop.ForAll(
		func(lat, lon float64) bool {
			return IDFor(lat, lon) == IDFor(lat, lon)
		},
		gen.Float64Range(-90, 90),
		gen.Float64Range(-180, 180),
	))

	properties.Property("points within radius share or neighbour a cell", prop.ForAll(
		func(lat, lon, dLat, dLon float64) bool {
			lat2, lon2 := lat+dLat, lon+dLon
			if !WithinRadius(lat, lon, lat2, lon2) {
				return true
			}
			id1, id2 := IDFor(lat, lon), IDFor(lat2, lon2)
			if id1 == id2 {
				return true
			}
			for _, n := range NeighborIDs(lat, lon) {
				if n == id2 {
					return true
				}
			}
			return false
		},
		gen.Float64Range(-60, 60),
		gen.Float64Range(-179, 179),
		gen.Float64Range(-0.0004, 0.0004),
		gen.Float64Range(-0.0004, 0.0004),
	))

	properties.TestingRun(t)
}

func TestRound(t *testing.T) {
	t.Parallel()

	if got := Round(12.34567); math.Abs(got-12.346) > 1e-12 {
		t.Errorf("Round() = %v", got)
	}
	if got := Round(-0.0001); math.Signbit(got) {
		t.Error("Round should not return negative zero")
	}
}
