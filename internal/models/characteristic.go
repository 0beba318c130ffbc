// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package models

import "time"

// CharacteristicKind names a piece of fingerprinting evidence.
type CharacteristicKind string

const (
	CharacteristicManufacturerData CharacteristicKind = "manufacturer_data"
	CharacteristicServiceUUIDs     CharacteristicKind = "service_uuids"
	CharacteristicDeviceName       CharacteristicKind = "device_name"
	CharacteristicTxPower          CharacteristicKind = "tx_power"
	CharacteristicInterval         CharacteristicKind = "advertising_interval"
)

// AdvertisingCharacteristic is one kind of advertisement content last seen
// for an identity. Value is the codec-encoded payload (see store codec).
type AdvertisingCharacteristic struct {
	IdentityID      string             `json:"identity_id"`
	Kind            CharacteristicKind `json:"kind"`
	Value           []byte             `json:"value"`
	FirstSeen       time.Time          `json:"first_seen"`
	LastSeen        time.Time          `json:"last_seen"`
	OccurrenceCount int64              `json:"occurrence_count"`
	IsStable        bool               `json:"is_stable"`
}

// FingerprintPattern is the per-identity matching record consulted on the
// resolver's slow path. It carries the decoded fingerprint fields so that
// candidates can be compared without re-reading every characteristic row.
type FingerprintPattern struct {
	IdentityID       string         `json:"identity_id"`
	Digest           string         `json:"digest"`
	ManufacturerData map[int][]byte `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []string       `json:"service_uuids,omitempty"`
	DeviceName       string         `json:"device_name,omitempty"`
	TxPower          *int           `json:"tx_power,omitempty"`

	// IntervalMs is the running mean advertising interval in milliseconds,
	// zero until two sightings of the same address have been recorded.
	IntervalMs      float64   `json:"interval_ms"`
	IntervalSamples int64     `json:"interval_samples"`
	FirstSeen       time.Time `json:"first_seen"`
	UpdatedAt       time.Time `json:"updated_at"`

	// LastHeard is the owning identity's last sighting. It is read from
	// the identity row, not stored on the pattern.
	LastHeard time.Time `json:"last_heard"`
}
