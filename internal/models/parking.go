package models

import "time"

// AddressNotAvailable is the address of a facility for which neither the spatial
// source nor the reverse geocoder produced one.
const AddressNotAvailable = "Address Not Available"

// UnknownAddress is what the address resolver returns when a lookup fails.
const UnknownAddress = "Unknown Address"

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Valid reports whether the coordinate lies within latitude [-90,90] and longitude [-180,180].
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// ParkingFacility is a named parking location surfaced by the spatial source.
// Address is attached and DistanceKm computed once by the locator; the value is
// not mutated afterwards.
type ParkingFacility struct {
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Location   Coordinate `json:"location"`
	DistanceKm float64    `json:"distanceKm"`
}

// CacheEntry is the whole result set persisted by the result cache.
type CacheEntry struct {
	Facilities       []ParkingFacility `json:"facilities"`
	FetchedAtEpochMs int64             `json:"fetchedAtEpochMs"`
}

// FetchedAt returns the fetch timestamp as a time.Time.
func (e CacheEntry) FetchedAt() time.Time {
	return time.UnixMilli(e.FetchedAtEpochMs)
}

// DiscoveryResult is what one discovery session publishes to the presentation layer.
type DiscoveryResult struct {
	State             string            `json:"state"`
	Facilities        []ParkingFacility `json:"facilities"`
	FromCache         bool              `json:"fromCache"`
	FewerThanExpected bool              `json:"fewerThanExpected"`
	UserLocation      *Coordinate       `json:"userLocation,omitempty"`
	FetchedAt         time.Time         `json:"fetchedAt,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
}
