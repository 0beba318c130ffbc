// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

// Package models defines the boundary samples produced by the capture layer
// and the entities persisted by the detection store.
package models

import "time"

// AdvertisementSample is one raw BLE advertisement as delivered by the
// capture layer. ManufacturerData is keyed by Bluetooth SIG company id.
type AdvertisementSample struct {
	Address          string         `json:"address" validate:"required,bdaddr"`
	RSSI             int            `json:"rssi" validate:"gte=-127,lte=20"`
	DeviceName       *string        `json:"device_name,omitempty"`
	ManufacturerData map[int][]byte `json:"manufacturer_data,omitempty"`
	ServiceUUIDs     []string       `json:"service_uuids,omitempty"`
	TxPower          *int           `json:"tx_power,omitempty"`
	TimestampMs      int64          `json:"timestamp" validate:"gt=0"`
}

// Time returns the sample timestamp in UTC.
func (a *AdvertisementSample) Time() time.Time {
	return time.UnixMilli(a.TimestampMs).UTC()
}

// Name returns the advertised name or "".
func (a *AdvertisementSample) Name() string {
	if a.DeviceName == nil {
		return ""
	}
	return *a.DeviceName
}

// LocationSample is a best-effort location fix of the user's own device.
type LocationSample struct {
	Latitude    float64  `json:"latitude" validate:"latitude"`
	Longitude   float64  `json:"longitude" validate:"longitude"`
	Accuracy    float64  `json:"accuracy" validate:"gte=0"`
	Altitude    *float64 `json:"altitude,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
	Bearing     *float64 `json:"bearing,omitempty"`
	TimestampMs int64    `json:"timestamp" validate:"gt=0"`
	Provider    string   `json:"provider,omitempty"`
}

// Time returns the fix timestamp in UTC.
func (l *LocationSample) Time() time.Time {
	return time.UnixMilli(l.TimestampMs).UTC()
}

// Sample pairs an advertisement with the location fix taken during the
// same scan cycle. Location is nil when no fix was available in time.
type Sample struct {
	Advertisement AdvertisementSample `json:"advertisement" validate:"required"`
	Location      *LocationSample     `json:"location,omitempty" validate:"omitempty"`
}

// ScanBatch is the unit published by remote capture agents: one scan
// cycle's advertisements sharing a single location fix.
type ScanBatch struct {
	Source         string                `json:"source,omitempty"`
	Location       *LocationSample       `json:"location,omitempty" validate:"omitempty"`
	Advertisements []AdvertisementSample `json:"advertisements" validate:"dive"`
}

// Samples expands the batch into per-advertisement samples.
func (b *ScanBatch) Samples() []Sample {
	out := make([]Sample, len(b.Advertisements))
	for i := range b.Advertisements {
		out[i] = Sample{Advertisement: b.Advertisements[i], Location: b.Location}
	}
	return out
}
