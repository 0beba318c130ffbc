// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/cluster"
	"github.com/tomtom215/tagwatch/internal/geo"
	"github.com/tomtom215/tagwatch/internal/models"
)

var _ cluster.Store = (*DuckDBStore)(nil)

// ParkedDwell is the dwell at which a device counts as fully settled in a
// cluster; PersistenceScore is dwell divided by it, clamped to [0,1].
const ParkedDwell = 8 * time.Hour

const clusterColumns = `cluster_id, center_lat, center_lon, radius_m, first_seen, last_seen,
	device_count, detection_count, is_user_location`

func scanCluster(row scanner, c *models.LocationCluster) error {
	return row.Scan(&c.ID, &c.CenterLat, &c.CenterLon, &c.RadiusM, &c.FirstSeen, &c.LastSeen,
		&c.DeviceCount, &c.DetectionCount, &c.IsUserLocation)
}

// GetCluster returns the cluster or nil, nil when absent.
func (s *DuckDBStore) GetCluster(ctx context.Context, id string) (*models.LocationCluster, error) {
	c := &models.LocationCluster{}
	err := scanCluster(s.db.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM location_clusters WHERE cluster_id = ?`, id), c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// CreateCluster inserts c unless a cluster with the same id exists.
func (s *DuckDBStore) CreateCluster(ctx context.Context, c *models.LocationCluster) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO location_clusters (`+clusterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cluster_id) DO NOTHING`,
		c.ID, c.CenterLat, c.CenterLon, c.RadiusM, c.FirstSeen.UTC(), c.LastSeen.UTC(),
		c.DeviceCount, c.DetectionCount, c.IsUserLocation)
	if err != nil {
		return false, fmt.Errorf("failed to insert cluster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// TouchCluster counts one more detection in the cluster.
func (s *DuckDBStore) TouchCluster(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE location_clusters
		SET detection_count = detection_count + 1,
		    last_seen = GREATEST(last_seen, ?)
		WHERE cluster_id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch cluster: %w", err)
	}
	return requireRow(res, "cluster "+id)
}

// ListClusters returns all clusters, most recently seen first.
func (s *DuckDBStore) ListClusters(ctx context.Context) ([]models.LocationCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clusterColumns+` FROM location_clusters ORDER BY last_seen DESC, cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var out []models.LocationCluster
	for rows.Next() {
		var c models.LocationCluster
		if err := scanCluster(rows, &c); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clusters: %w", err)
	}
	return out, nil
}

const detectionColumns = `identity_id, cluster_id, first_seen, last_seen, detection_count,
	avg_rssi, min_rssi, max_rssi, rssi_m2, rssi_variance, persistence_score, is_current_location`

func scanDetection(row scanner, d *models.DeviceClusterDetection) error {
	return row.Scan(&d.IdentityID, &d.ClusterID, &d.FirstSeen, &d.LastSeen, &d.DetectionCount,
		&d.AvgRSSI, &d.MinRSSI, &d.MaxRSSI, &d.RSSIM2, &d.RSSIVariance,
		&d.PersistenceScore, &d.IsCurrentLocation)
}

// RecordClusterDetection folds one sighting of identityID in clusterID into
// the per-cluster aggregate. RSSI mean and variance are updated with
// Welford's algorithm. The cluster becomes the identity's current location
// and the cluster's device count grows on the identity's first visit.
func (s *DuckDBStore) RecordClusterDetection(ctx context.Context, identityID, clusterID string, rssi int, at time.Time) (*models.DeviceClusterDetection, error) {
	at = at.UTC()
	var out models.DeviceClusterDetection
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := scanDetection(tx.QueryRowContext(ctx, `SELECT `+detectionColumns+`
			FROM device_cluster_detections WHERE identity_id = ? AND cluster_id = ?`,
			identityID, clusterID), &out)
		isNew := errors.Is(err, sql.ErrNoRows)
		if err != nil && !isNew {
			return fmt.Errorf("failed to read cluster detection: %w", err)
		}

		if isNew {
			out = models.DeviceClusterDetection{
				IdentityID: identityID,
				ClusterID:  clusterID,
				FirstSeen:  at,
				LastSeen:   at,
				MinRSSI:    rssi,
				MaxRSSI:    rssi,
			}
		}

		w := geo.Welford{Count: out.DetectionCount, Mean: out.AvgRSSI, M2: out.RSSIM2}
		w.Add(float64(rssi))
		out.DetectionCount = w.Count
		out.AvgRSSI = w.Mean
		out.RSSIM2 = w.M2
		out.RSSIVariance = w.Variance()
		out.MinRSSI = min(out.MinRSSI, rssi)
		out.MaxRSSI = max(out.MaxRSSI, rssi)
		if at.Before(out.FirstSeen) {
			out.FirstSeen = at
		}
		if at.After(out.LastSeen) {
			out.LastSeen = at
		}
		out.PersistenceScore = geo.Clamp01(float64(out.Dwell()) / float64(ParkedDwell))
		out.IsCurrentLocation = true

		if isNew {
			_, err = tx.ExecContext(ctx, `INSERT INTO device_cluster_detections (`+detectionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				out.IdentityID, out.ClusterID, out.FirstSeen, out.LastSeen, out.DetectionCount,
				out.AvgRSSI, out.MinRSSI, out.MaxRSSI, out.RSSIM2, out.RSSIVariance,
				out.PersistenceScore, out.IsCurrentLocation)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE device_cluster_detections
				SET first_seen = ?, last_seen = ?, detection_count = ?, avg_rssi = ?,
				    min_rssi = ?, max_rssi = ?, rssi_m2 = ?, rssi_variance = ?,
				    persistence_score = ?, is_current_location = true
				WHERE identity_id = ? AND cluster_id = ?`,
				out.FirstSeen, out.LastSeen, out.DetectionCount, out.AvgRSSI,
				out.MinRSSI, out.MaxRSSI, out.RSSIM2, out.RSSIVariance,
				out.PersistenceScore, identityID, clusterID)
		}
		if err != nil {
			return fmt.Errorf("failed to write cluster detection: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE device_cluster_detections
			SET is_current_location = false
			WHERE identity_id = ? AND cluster_id <> ? AND is_current_location`,
			identityID, clusterID); err != nil {
			return fmt.Errorf("failed to clear current location: %w", err)
		}

		if isNew {
			if _, err := tx.ExecContext(ctx, `UPDATE location_clusters
				SET device_count = device_count + 1 WHERE cluster_id = ?`, clusterID); err != nil {
				return fmt.Errorf("failed to bump cluster device count: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ClusterDetectionsForIdentity lists the identity's per-cluster aggregates,
// earliest first.
func (s *DuckDBStore) ClusterDetectionsForIdentity(ctx context.Context, identityID string) ([]models.DeviceClusterDetection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+detectionColumns+`
		FROM device_cluster_detections WHERE identity_id = ?
		ORDER BY first_seen, cluster_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster detections: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceClusterDetection
	for rows.Next() {
		var d models.DeviceClusterDetection
		if err := scanDetection(rows, &d); err != nil {
			return nil, fmt.Errorf("failed to scan cluster detection: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cluster detections: %w", err)
	}
	return out, nil
}
