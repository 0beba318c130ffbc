// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package identity

import (
	"strconv"
	"strings"

	"github.com/tomtom215/tagwatch/internal/models"
)

// Signature ties an advertisement marker to a tracker product line.
type Signature struct {
	Class        models.DeviceClass
	Manufacturer string
	TrackerType  string
}

// Bluetooth SIG company identifiers of tracker vendors.
const (
	CompanyApple   = 0x004C
	CompanySamsung = 0x0075
	CompanyTile    = 0x00B3
)

var (
	airTag   = Signature{Class: models.DeviceClassAirTag, Manufacturer: "Apple", TrackerType: "AirTag"}
	smartTag = Signature{Class: models.DeviceClassSmartTag, Manufacturer: "Samsung", TrackerType: "SmartTag"}
	tile     = Signature{Class: models.DeviceClassTile, Manufacturer: "Tile", TrackerType: "Tile"}
)

// manufacturerSignatures is keyed by company id.
var manufacturerSignatures = map[int]Signature{
	CompanyApple:   airTag,
	CompanySamsung: smartTag,
	CompanyTile:    tile,
}

type uuidSignature struct {
	fragment string
	sig      Signature
}

// Service UUID fragments are matched as substrings of the upper-cased UUID,
// in this order.
var serviceUUIDSignatures = []uuidSignature{
	{"FE9F", airTag},
	{"FD5A", smartTag},
	{"FDCC", smartTag},
	{"FEED", tile},
}

type nameHint struct {
	fragment string
	sig      Signature
}

// trackerNameHints are case-insensitive name fragments of tracker products.
var trackerNameHints = []nameHint{
	{"airtag", airTag},
	{"smarttag", smartTag},
	{"smart tag", smartTag},
	{"galaxy tag", smartTag},
	{"tile", tile},
}

// accessoryNameHints classify common non-tracker devices. They are only
// consulted when no tracker signature matched.
var accessoryNameHints = []nameHint{
	{"airpods", Signature{Class: models.DeviceClassEarbuds, Manufacturer: "Apple"}},
	{"buds", Signature{Class: models.DeviceClassEarbuds}},
	{"earbud", Signature{Class: models.DeviceClassEarbuds}},
	{"carplay", Signature{Class: models.DeviceClassCarKit}},
	{"hands-free", Signature{Class: models.DeviceClassCarKit}},
	{"handsfree", Signature{Class: models.DeviceClassCarKit}},
	{"car ", Signature{Class: models.DeviceClassCarKit}},
	{"headphone", Signature{Class: models.DeviceClassHeadphones}},
	{"wh-1000", Signature{Class: models.DeviceClassHeadphones, Manufacturer: "Sony"}},
	{"bose", Signature{Class: models.DeviceClassHeadphones, Manufacturer: "Bose"}},
	{"watch", Signature{Class: models.DeviceClassWatch}},
	{"iphone", Signature{Class: models.DeviceClassPhone, Manufacturer: "Apple"}},
	{"galaxy s", Signature{Class: models.DeviceClassPhone, Manufacturer: "Samsung"}},
	{"pixel", Signature{Class: models.DeviceClassPhone, Manufacturer: "Google"}},
}

// Classification is the result of Classify.
type Classification struct {
	Signature
	KnownTracker bool
	// MatchedBy is "manufacturer", "service_uuid", "name" or "" (no match).
	MatchedBy string
}

// Classify infers the device class. Tracker signatures are checked by
// manufacturer id, then service UUID fragment, then name fragment; the
// first hit wins. Lower company ids are checked first so the result does
// not depend on map order.
func Classify(fp *Fingerprint) Classification {
	for _, id := range fp.CompanyIDs() {
		if sig, ok := manufacturerSignatures[id]; ok {
			return Classification{Signature: sig, KnownTracker: true, MatchedBy: "manufacturer"}
		}
	}
	for _, u := range fp.ServiceUUIDs {
		upper := strings.ToUpper(u)
		for _, s := range serviceUUIDSignatures {
			if strings.Contains(upper, s.fragment) {
				return Classification{Signature: s.sig, KnownTracker: true, MatchedBy: "service_uuid"}
			}
		}
	}

	name := strings.ToLower(fp.DeviceName)
	if name != "" {
		for _, h := range trackerNameHints {
			if strings.Contains(name, h.fragment) {
				return Classification{Signature: h.sig, KnownTracker: true, MatchedBy: "name"}
			}
		}
		for _, h := range accessoryNameHints {
			if strings.Contains(name+" ", h.fragment) {
				return Classification{Signature: h.sig, MatchedBy: "name"}
			}
		}
	}

	return Classification{Signature: Signature{Class: models.DeviceClassUnknown}}
}

// ManufacturerHits counts company ids that belong to tracker vendors.
func ManufacturerHits(m map[int][]byte) int {
	n := 0
	for id := range m {
		if _, ok := manufacturerSignatures[id]; ok {
			n++
		}
	}
	return n
}

// ServiceUUIDHits counts service UUIDs containing a tracker fragment.
// Each UUID counts at most once.
func ServiceUUIDHits(uuids []string) int {
	n := 0
	for _, u := range uuids {
		upper := strings.ToUpper(u)
		for _, s := range serviceUUIDSignatures {
			if strings.Contains(upper, s.fragment) {
				n++
				break
			}
		}
	}
	return n
}

// NormalizeAddress returns the canonical upper-case form of a BD_ADDR so
// one device never maps to two address rows by letter case.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// AddressKindOf classifies an address from the two most significant bits
// of its first octet. Bit 0x40 clear means a static address. When it is
// set the address is randomized, and bit 0x80 approximates the split:
// clear is treated as resolvable, set as non-resolvable. Addresses that do
// not parse are reported as static.
func AddressKindOf(address string) models.AddressKind {
	if len(address) < 2 {
		return models.AddressKindStatic
	}
	octet, err := strconv.ParseUint(address[:2], 16, 8)
	if err != nil {
		return models.AddressKindStatic
	}
	switch {
	case octet&0x40 == 0:
		return models.AddressKindStatic
	case octet&0x80 == 0:
		return models.AddressKindRandomResolvable
	default:
		return models.AddressKindRandomNonResolvable
	}
}
