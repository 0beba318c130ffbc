// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package models

import "time"

// Observation is one radio sighting of an identity. Append-only.
// Latitude/Longitude are 0,0 when no location fix was available.
type Observation struct {
	ID         int64     `json:"id"`
	IdentityID string    `json:"identity_id"`
	Address    string    `json:"address"`
	Timestamp  time.Time `json:"timestamp"`
	RSSI       int       `json:"rssi"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Bearing    *float64  `json:"bearing,omitempty"`
	ClusterID  *string   `json:"cluster_id,omitempty"`
}

// UserLocation is one point of the user's own movement trail.
type UserLocation struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}

// LocationCluster is a quantized place the user has been.
type LocationCluster struct {
	ID             string    `json:"cluster_id"`
	CenterLat      float64   `json:"center_lat"`
	CenterLon      float64   `json:"center_lon"`
	RadiusM        float64   `json:"radius_m"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	DeviceCount    int       `json:"device_count"`
	DetectionCount int64     `json:"detection_count"`
	IsUserLocation bool      `json:"is_user_location"`
}

// DeviceClusterDetection aggregates an identity's presence in one cluster.
// RSSI statistics are maintained incrementally (Welford's algorithm), so
// RSSIM2 holds the running sum of squared deviations.
type DeviceClusterDetection struct {
	IdentityID        string    `json:"identity_id"`
	ClusterID         string    `json:"cluster_id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	DetectionCount    int64     `json:"detection_count"`
	AvgRSSI           float64   `json:"avg_rssi"`
	MinRSSI           int       `json:"min_rssi"`
	MaxRSSI           int       `json:"max_rssi"`
	RSSIVariance      float64   `json:"rssi_variance"`
	RSSIM2            float64   `json:"-"`
	PersistenceScore  float64   `json:"persistence_score"`
	IsCurrentLocation bool      `json:"is_current_location"`
}

// Dwell is the time between first and last sighting in the cluster.
func (d *DeviceClusterDetection) Dwell() time.Duration {
	return d.LastSeen.Sub(d.FirstSeen)
}
