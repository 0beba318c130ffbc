// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package models

import "time"

// DeviceClass is the inferred product category of a device identity.
type DeviceClass string

const (
	DeviceClassUnknown          DeviceClass = "unknown"
	DeviceClassAirTag           DeviceClass = "airtag"
	DeviceClassSmartTag         DeviceClass = "smarttag"
	DeviceClassTile             DeviceClass = "tile"
	DeviceClassEarbuds          DeviceClass = "earbuds"
	DeviceClassHeadphones       DeviceClass = "headphones"
	DeviceClassCarKit           DeviceClass = "car_kit"
	DeviceClassWatch            DeviceClass = "watch"
	DeviceClassPhone            DeviceClass = "phone"
	DeviceClassSuspectedTracker DeviceClass = "suspected_tracker"
	DeviceClassFixedAccessory   DeviceClass = "fixed_accessory"
)

// IsTracker reports whether the class is a commercial tracking tag.
func (c DeviceClass) IsTracker() bool {
	switch c {
	case DeviceClassAirTag, DeviceClassSmartTag, DeviceClassTile:
		return true
	}
	return false
}

// IsAccessory reports whether the class is an audio or vehicle accessory
// that commonly travels with its owner for legitimate reasons.
func (c DeviceClass) IsAccessory() bool {
	switch c {
	case DeviceClassEarbuds, DeviceClassHeadphones, DeviceClassCarKit, DeviceClassFixedAccessory:
		return true
	}
	return false
}

// AddressKind classifies a BLE device address.
type AddressKind string

const (
	AddressKindStatic              AddressKind = "static"
	AddressKindRandomResolvable    AddressKind = "random_resolvable"
	AddressKindRandomNonResolvable AddressKind = "random_non_resolvable"
)

// IsRandom reports whether the address is one of the randomized kinds.
func (k AddressKind) IsRandom() bool {
	return k == AddressKindRandomResolvable || k == AddressKindRandomNonResolvable
}

// DeviceIdentity is one physical device, stable across address rotation.
type DeviceIdentity struct {
	ID                      string      `json:"identity_id"`
	DisplayName             string      `json:"display_name,omitempty"`
	Manufacturer            string      `json:"manufacturer,omitempty"`
	DeviceClass             DeviceClass `json:"device_class"`
	IsKnownTrackerSignature bool        `json:"is_known_tracker_signature"`
	TrackerType             string      `json:"tracker_type,omitempty"`
	FirstSeen               time.Time   `json:"first_seen"`
	LastSeen                time.Time   `json:"last_seen"`
	TotalObservationCount   int64       `json:"total_observation_count"`
	SuspicionScore          float64     `json:"suspicion_score"`
	FollowingScore          float64     `json:"following_score"`
	MACAddressCount         int         `json:"mac_address_count"`
	IsUserTracked           bool        `json:"is_user_tracked"`
	IsIgnored               bool        `json:"is_ignored"`
	FingerprintDigest       string      `json:"fingerprint_digest"`
	IdentityConfidence      float64     `json:"identity_confidence"`
}

// ObservedAddress is one MAC or random address owned by an identity.
type ObservedAddress struct {
	IdentityID        string      `json:"identity_id"`
	Address           string      `json:"address"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastSeen          time.Time   `json:"last_seen"`
	ObservationCount  int64       `json:"observation_count"`
	IsCurrentlyActive bool        `json:"is_currently_active"`
	AddressKind       AddressKind `json:"address_kind"`
}
