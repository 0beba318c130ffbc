// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"testing"

	"github.com/tomtom215/tagwatch/internal/models"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fp        Fingerprint
		wantClass models.DeviceClass
		wantKnown bool
		wantBy    string
	}{
		{
			name:      "apple manufacturer",
			fp:        Fingerprint{ManufacturerData: map[int][]byte{CompanyApple: {0x12}}},
			wantClass: models.DeviceClassAirTag, wantKnown: true, wantBy: "manufacturer",
		},
		{
			name:      "samsung manufacturer",
			fp:        Fingerprint{ManufacturerData: map[int][]byte{CompanySamsung: {0x01}}},
			wantClass: models.DeviceClassSmartTag, wantKnown: true, wantBy: "manufacturer",
		},
		{
			name:      "tile manufacturer",
			fp:        Fingerprint{ManufacturerData: map[int][]byte{CompanyTile: {0x01}}},
			wantClass: models.DeviceClassTile, wantKnown: true, wantBy: "manufacturer",
		},
		{
			name:      "manufacturer wins over conflicting uuid",
			fp:        Fingerprint{ManufacturerData: map[int][]byte{CompanyTile: {0x01}}, ServiceUUIDs: []string{"FE9F"}},
			wantClass: models.DeviceClassTile, wantKnown: true, wantBy: "manufacturer",
		},
		{
			name:      "airtag service uuid",
			fp:        Fingerprint{ServiceUUIDs: []string{"0000FE9F-0000-1000-8000-00805F9B34FB"}},
			wantClass: models.DeviceClassAirTag, wantKnown: true, wantBy: "service_uuid",
		},
		{
			name:      "smarttag FDCC uuid lower case",
			fp:        Fingerprint{ServiceUUIDs: []string{"0000fdcc-0000-1000-8000-00805f9b34fb"}},
			wantClass: models.DeviceClassSmartTag, wantKnown: true, wantBy: "service_uuid",
		},
		{
			name:      "tile uuid beats name",
			fp:        Fingerprint{ServiceUUIDs: []string{"FEED"}, DeviceName: "My AirTag"},
			wantClass: models.DeviceClassTile, wantKnown: true, wantBy: "service_uuid",
		},
		{
			name:      "name hint case insensitive",
			fp:        Fingerprint{DeviceName: "Bob's SMARTTAG"},
			wantClass: models.DeviceClassSmartTag, wantKnown: true, wantBy: "name",
		},
		{
			name:      "earbuds name",
			fp:        Fingerprint{DeviceName: "Galaxy Buds2 Pro"},
			wantClass: models.DeviceClassEarbuds, wantBy: "name",
		},
		{
			name:      "car kit name",
			fp:        Fingerprint{DeviceName: "VW CarPlay"},
			wantClass: models.DeviceClassCarKit, wantBy: "name",
		},
		{
			name:      "nothing",
			fp:        Fingerprint{ManufacturerData: map[int][]byte{0x0006: {0x01}}},
			wantClass: models.DeviceClassUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&tt.fp)
			if got.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", got.Class, tt.wantClass)
			}
			if got.KnownTracker != tt.wantKnown {
				t.Errorf("KnownTracker = %v, want %v", got.KnownTracker, tt.wantKnown)
			}
			if got.MatchedBy != tt.wantBy {
				t.Errorf("MatchedBy = %q, want %q", got.MatchedBy, tt.wantBy)
			}
		})
	}
}

func TestSignatureHits(t *testing.T) {
	t.Parallel()

	if got := ManufacturerHits(map[int][]byte{CompanyApple: nil, CompanyTile: nil, 0x0006: nil}); got != 2 {
		t.Errorf("ManufacturerHits() = %d, want 2", got)
	}
	if got := ServiceUUIDHits([]string{"FE9F", "0000FEED-0000", "180F"}); got != 2 {
		t.Errorf("ServiceUUIDHits() = %d, want 2", got)
	}
}

func TestAddressKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want models.AddressKind
	}{
		{"00:1A:7D:DA:71:13", models.AddressKindStatic},
		{"3C:22:FB:00:00:01", models.AddressKindStatic},
		{"4A:11:22:33:44:55", models.AddressKindRandomResolvable},
		{"7F:11:22:33:44:55", models.AddressKindRandomResolvable},
		{"C4:11:22:33:44:55", models.AddressKindRandomNonResolvable},
		{"F0:11:22:33:44:55", models.AddressKindRandomNonResolvable},
		{"zz:11:22:33:44:55", models.AddressKindStatic},
		{"", models.AddressKindStatic},
	}
	for _, tt := range tests {
		if got := AddressKindOf(tt.addr); got != tt.want {
			t.Errorf("AddressKindOf(%q) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}
