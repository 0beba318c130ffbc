// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package cluster quantizes raw coordinates into stable place clusters.
//
// Coordinates are rounded to three decimals (a grid of roughly 100 m) and
// the rounded pair is the cluster id. Each cluster has a fixed 50 m radius
// measured with geo.HaversineMeters.
package cluster

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tomtom215/tagwatch/internal/geo"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/models"
)

// RadiusMeters is the radius of every location cluster.
const RadiusMeters = 50.0

// gridStep is the rounding grid in degrees.
const gridStep = 0.001

// Round rounds a coordinate to the cluster grid.
func Round(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0 // fold -0 into 0 so ids never read "-0.000"
	}
	return r
}

// IDFor returns the deterministic cluster id of a coordinate.
func IDFor(lat, lon float64) string {
	return fmt.Sprintf("%.3f_%.3f", Round(lat), Round(lon))
}

// WithinRadius reports whether two points are at most RadiusMeters apart.
func WithinRadius(lat1, lon1, lat2, lon2 float64) bool {
	return geo.HaversineMeters(lat1, lon1, lat2, lon2) <= RadiusMeters
}

// NeighborIDs returns the ids of the eight grid cells around the cell of
// lat/lon, in a fixed order (north-west to south-east, row by row).
func NeighborIDs(lat, lon float64) []string {
	baseLat, baseLon := Round(lat), Round(lon)
	ids := make([]string, 0, 8)
	for _, dLat := range []float64{gridStep, 0, -gridStep} {
		for _, dLon := range []float64{-gridStep, 0, gridStep} {
			if dLat == 0 && dLon == 0 {
				continue
			}
			ids = append(ids, IDFor(baseLat+dLat, baseLon+dLon))
		}
	}
	return ids
}

// Store is the persistence used by the Clusterer.
type Store interface {
	// GetCluster returns nil, nil when the cluster does not exist.
	GetCluster(ctx context.Context, id string) (*models.LocationCluster, error)

	// CreateCluster inserts c. It reports false when a cluster with the
	// same id already existed, in which case nothing is written.
	CreateCluster(ctx context.Context, c *models.LocationCluster) (bool, error)

	// TouchCluster increments detection_count and advances last_seen.
	TouchCluster(ctx context.Context, id string, at time.Time) error
}

// Clusterer maps coordinates to persisted clusters.
type Clusterer struct {
	store         Store
	mergeAdjacent bool
}

// Option configures a Clusterer.
type Option func(*Clusterer)

// WithAdjacentMerge makes FindOrCreate reuse an existing cluster in a
// neighbouring grid cell when its centre lies within RadiusMeters of the
// point, instead of creating a new cluster at a grid boundary.
func WithAdjacentMerge(enabled bool) Option {
	return func(c *Clusterer) { c.mergeAdjacent = enabled }
}

// New creates a Clusterer. Adjacent merging is on by default.
func New(store Store, opts ...Option) *Clusterer {
	c := &Clusterer{store: store, mergeAdjacent: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindOrCreate returns the cluster for lat/lon, creating it centred on the
// exact input coordinate when absent. An existing cluster has its
// detection count bumped. The boolean reports whether a cluster was created.
func (c *Clusterer) FindOrCreate(ctx context.Context, lat, lon float64, at time.Time) (*models.LocationCluster, bool, error) {
	id := IDFor(lat, lon)

	existing, err := c.store.GetCluster(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("get cluster %s: %w", id, err)
	}

	if existing == nil && c.mergeAdjacent {
		existing, err = c.nearestNeighbor(ctx, lat, lon)
		if err != nil {
			return nil, false, err
		}
	}

	if existing != nil {
		if err := c.store.TouchCluster(ctx, existing.ID, at); err != nil {
			return nil, false, fmt.Errorf("touch cluster %s: %w", existing.ID, err)
		}
		existing.DetectionCount++
		if at.After(existing.LastSeen) {
			existing.LastSeen = at
		}
		return existing, false, nil
	}

	created := &models.LocationCluster{
		ID:             id,
		CenterLat:      lat,
		CenterLon:      lon,
		RadiusM:        RadiusMeters,
		FirstSeen:      at,
		LastSeen:       at,
		DetectionCount: 1,
		IsUserLocation: true,
	}
	inserted, err := c.store.CreateCluster(ctx, created)
	if err != nil {
		return nil, false, fmt.Errorf("create cluster %s: %w", id, err)
	}
	if !inserted {
		// Lost a race with another writer; treat as an existing cluster.
		return c.FindOrCreate(ctx, lat, lon, at)
	}

	logging.Ctx(ctx).Debug().
		Str("cluster_id", id).
		Float64("lat", lat).
		Float64("lon", lon).
		Msg("location cluster created")
	return created, true, nil
}

// nearestNeighbor returns the closest existing cluster in the eight
// surrounding cells whose centre is within RadiusMeters, or nil.
func (c *Clusterer) nearestNeighbor(ctx context.Context, lat, lon float64) (*models.LocationCluster, error) {
	var best *models.LocationCluster
	bestDist := math.Inf(1)
	for _, nid := range NeighborIDs(lat, lon) {
		n, err := c.store.GetCluster(ctx, nid)
		if err != nil {
			return nil, fmt.Errorf("get neighbor cluster %s: %w", nid, err)
		}
		if n == nil {
			continue
		}
		d := geo.HaversineMeters(lat, lon, n.CenterLat, n.CenterLon)
		if d <= RadiusMeters && d < bestDist {
			best, bestDist = n, d
		}
	}
	return best, nil
}
