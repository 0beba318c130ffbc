// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tomtom215/tagwatch/internal/models"
)

// InsertObservation appends o and sets its generated id.
func (s *DuckDBStore) InsertObservation(ctx context.Context, o *models.Observation) error {
	// RETURNING instead of LastInsertId: DuckDB sequences do not report it.
	var cluster sql.NullString
	if o.ClusterID != nil {
		cluster = sql.NullString{String: *o.ClusterID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `INSERT INTO observations
		(identity_id, address, observed_at, rssi, latitude, longitude, accuracy,
		 altitude, speed, bearing, cluster_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		o.IdentityID, o.Address, o.Timestamp.UTC(), o.RSSI, o.Latitude, o.Longitude, o.Accuracy,
		nullFloat(o.Altitude), nullFloat(o.Speed), nullFloat(o.Bearing), cluster,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

// ObservationsForIdentity returns the identity's observations at or after
// since, oldest first. A zero since returns the full history.
func (s *DuckDBStore) ObservationsForIdentity(ctx context.Context, identityID string, since time.Time) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, identity_id, address, observed_at, rssi,
			latitude, longitude, accuracy, altitude, speed, bearing, cluster_id
		FROM observations
		WHERE identity_id = ? AND observed_at >= ?
		ORDER BY observed_at, id`, identityID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var (
			o                        models.Observation
			altitude, speed, bearing sql.NullFloat64
			cluster                  sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.IdentityID, &o.Address, &o.Timestamp, &o.RSSI,
			&o.Latitude, &o.Longitude, &o.Accuracy, &altitude, &speed, &bearing, &cluster); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Altitude = floatPtr(altitude)
		o.Speed = floatPtr(speed)
		o.Bearing = floatPtr(bearing)
		if cluster.Valid {
			c := cluster.String
			o.ClusterID = &c
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return out, nil
}

// CountObservations counts the identity's observations at or after since.
func (s *DuckDBStore) CountObservations(ctx context.Context, identityID string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM observations WHERE identity_id = ? AND observed_at >= ?`,
		identityID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// InsertUserLocation appends one point of the user's trail.
func (s *DuckDBStore) InsertUserLocation(ctx context.Context, l *models.UserLocation) error {
	err := s.db.QueryRowContext(ctx, `INSERT INTO user_locations
		(recorded_at, latitude, longitude, accuracy, speed, bearing, provider)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		l.Timestamp.UTC(), l.Latitude, l.Longitude, l.Accuracy,
		nullFloat(l.Speed), nullFloat(l.Bearing), l.Provider,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("failed to insert user location: %w", err)
	}
	return nil
}

// UserLocationsBetween returns the user's trail within [from, to], oldest first.
func (s *DuckDBStore) UserLocationsBetween(ctx context.Context, from, to time.Time) ([]models.UserLocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recorded_at, latitude, longitude, accuracy,
			speed, bearing, provider
		FROM user_locations
		WHERE recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at, id`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list user locations: %w", err)
	}
	defer rows.Close()

	var out []models.UserLocation
	for rows.Next() {
		var (
			l              models.UserLocation
			speed, bearing sql.NullFloat64
		)
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Latitude, &l.Longitude, &l.Accuracy,
			&speed, &bearing, &l.Provider); err != nil {
			return nil, fmt.Errorf("failed to scan user location: %w", err)
		}
		l.Speed = floatPtr(speed)
		l.Bearing = floatPtr(bearing)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user locations: %w", err)
	}
	return out, nil
}
