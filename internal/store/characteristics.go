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

	"github.com/tomtom215/tagwatch/internal/identity"
	"github.com/tomtom215/tagwatch/internal/logging"
	"github.com/tomtom215/tagwatch/internal/models"
)

// upsertCharacteristic stores c; on conflict the latest value wins, the
// occurrence count grows and the row stays stable only while the value
// never changes.
func upsertCharacteristic(ctx context.Context, tx *sql.Tx, c *models.AdvertisingCharacteristic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO advertising_characteristics
		(identity_id, kind, value, first_seen, last_seen, occurrence_count, is_stable)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_id, kind) DO UPDATE SET
			is_stable = advertising_characteristics.is_stable AND advertising_characteristics.value = EXCLUDED.value,
			value = EXCLUDED.value,
			last_seen = GREATEST(advertising_characteristics.last_seen, EXCLUDED.last_seen),
			occurrence_count = advertising_characteristics.occurrence_count + 1`,
		c.IdentityID, string(c.Kind), c.Value, c.FirstSeen.UTC(), c.LastSeen.UTC(),
		c.OccurrenceCount, c.IsStable)
	if err != nil {
		return fmt.Errorf("failed to upsert characteristic %s: %w", c.Kind, err)
	}
	return nil
}

// upsertPattern writes the advertisement fields of p. The interval estimate
// and first_seen of an existing row are preserved.
func upsertPattern(ctx context.Context, tx *sql.Tx, p *models.FingerprintPattern) error {
	mfr, err := identity.EncodeManufacturerData(p.ManufacturerData)
	if err != nil {
		return fmt.Errorf("failed to encode manufacturer data: %w", err)
	}
	uuids, err := identity.EncodeServiceUUIDs(p.ServiceUUIDs)
	if err != nil {
		return fmt.Errorf("failed to encode service uuids: %w", err)
	}
	var tx64 sql.NullInt64
	if p.TxPower != nil {
		tx64 = sql.NullInt64{Int64: int64(*p.TxPower), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO fingerprint_patterns
		(identity_id, digest, manufacturer_data, service_uuids, device_name, tx_power,
		 interval_ms, interval_samples, first_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_id) DO UPDATE SET
			digest = EXCLUDED.digest,
			manufacturer_data = EXCLUDED.manufacturer_data,
			service_uuids = EXCLUDED.service_uuids,
			device_name = EXCLUDED.device_name,
			tx_power = EXCLUDED.tx_power,
			updated_at = EXCLUDED.updated_at`,
		p.IdentityID, p.Digest, mfr, uuids, p.DeviceName, tx64,
		p.IntervalMs, p.IntervalSamples, p.FirstSeen.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint pattern: %w", err)
	}
	return nil
}

// MergeCharacteristics folds a matched advertisement into an identity.
func (s *DuckDBStore) MergeCharacteristics(ctx context.Context, identityID string, chars []models.AdvertisingCharacteristic, pattern *models.FingerprintPattern) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range chars {
			if err := upsertCharacteristic(ctx, tx, &chars[i]); err != nil {
				return err
			}
		}
		if err := upsertPattern(ctx, tx, pattern); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_identities SET fingerprint_digest = ? WHERE identity_id = ?`,
			pattern.Digest, identityID); err != nil {
			return fmt.Errorf("failed to update identity digest: %w", err)
		}
		return nil
	})
}

// RecordInterval folds one advertising interval into the running mean on
// the fingerprint pattern and mirrors it as a characteristic row.
func (s *DuckDBStore) RecordInterval(ctx context.Context, identityID string, intervalMs float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			mean    float64
			samples int64
		)
		err := tx.QueryRowContext(ctx, `UPDATE fingerprint_patterns
			SET interval_ms = (interval_ms * interval_samples + ?) / (interval_samples + 1),
			    interval_samples = interval_samples + 1
			WHERE identity_id = ?
			RETURNING interval_ms, interval_samples`, intervalMs, identityID).Scan(&mean, &samples)
		if err != nil {
			return fmt.Errorf("failed to update interval: %w", err)
		}

		v, err := identity.EncodeInterval(mean, samples)
		if err != nil {
			return fmt.Errorf("failed to encode interval: %w", err)
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `INSERT INTO advertising_characteristics
			(identity_id, kind, value, first_seen, last_seen, occurrence_count, is_stable)
			VALUES (?, ?, ?, ?, ?, 1, true)
			ON CONFLICT (identity_id, kind) DO UPDATE SET
				value = EXCLUDED.value,
				last_seen = EXCLUDED.last_seen,
				occurrence_count = advertising_characteristics.occurrence_count + 1`,
			identityID, string(models.CharacteristicInterval), v, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert interval characteristic: %w", err)
		}
		return nil
	})
}

// ListFingerprintPatterns returns up to limit patterns, most recently
// updated first, each with its identity's last sighting as LastHeard. Rows whose stored payloads fail to decode are returned
// with the undecodable fields empty.
func (s *DuckDBStore) ListFingerprintPatterns(ctx context.Context, limit int) ([]models.FingerprintPattern, error) {
	query := `SELECT p.identity_id, p.digest, p.manufacturer_data, p.service_uuids, p.device_name, p.tx_power,
			p.interval_ms, p.interval_samples, p.first_seen, p.updated_at, i.last_seen
		FROM fingerprint_patterns p
		LEFT JOIN device_identities i ON i.identity_id = p.identity_id
		ORDER BY p.updated_at DESC, p.identity_id`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprint patterns: %w", err)
	}
	defer rows.Close()

	var out []models.FingerprintPattern
	for rows.Next() {
		var p models.FingerprintPattern
		if err := scanPattern(ctx, rows, &p); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fingerprint patterns: %w", err)
	}
	return out, nil
}

func scanPattern(ctx context.Context, row scanner, p *models.FingerprintPattern) error {
	var (
		mfr, uuids []byte
		txPower    sql.NullInt64
		lastHeard  sql.NullTime
	)
	if err := row.Scan(&p.IdentityID, &p.Digest, &mfr, &uuids, &p.DeviceName, &txPower,
		&p.IntervalMs, &p.IntervalSamples, &p.FirstSeen, &p.UpdatedAt, &lastHeard); err != nil {
		return err
	}
	if lastHeard.Valid {
		p.LastHeard = lastHeard.Time
	}
	if txPower.Valid {
		v := int(txPower.Int64)
		p.TxPower = &v
	}

	var err error
	if p.ManufacturerData, err = identity.DecodeManufacturerData(mfr); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("identity_id", p.IdentityID).
			Msg("Ignoring undecodable manufacturer data")
		p.ManufacturerData = nil
	}
	if p.ServiceUUIDs, err = identity.DecodeServiceUUIDs(uuids); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("identity_id", p.IdentityID).
			Msg("Ignoring undecodable service uuids")
		p.ServiceUUIDs = nil
	}
	return nil
}

// CharacteristicsForIdentity lists an identity's characteristic rows.
func (s *DuckDBStore) CharacteristicsForIdentity(ctx context.Context, identityID string) ([]models.AdvertisingCharacteristic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id, kind, value, first_seen, last_seen,
			occurrence_count, is_stable
		FROM advertising_characteristics WHERE identity_id = ? ORDER BY kind`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list characteristics: %w", err)
	}
	defer rows.Close()

	var out []models.AdvertisingCharacteristic
	for rows.Next() {
		var (
			c    models.AdvertisingCharacteristic
			kind string
		)
		if err := rows.Scan(&c.IdentityID, &kind, &c.Value, &c.FirstSeen, &c.LastSeen,
			&c.OccurrenceCount, &c.IsStable); err != nil {
			return nil, fmt.Errorf("failed to scan characteristic: %w", err)
		}
		c.Kind = models.CharacteristicKind(kind)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating characteristics: %w", err)
	}
	return out, nil
}
