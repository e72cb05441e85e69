// Package geo holds the coordinate type shared by tasks, helpers and broadcasts.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0088

var ErrInvalidLocation = errors.New("geo: invalid coordinate")

// Location is a WGS84 coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Validate rejects coordinates outside the WGS84 range.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w (%f, %f)", ErrInvalidLocation, l.Lat, l.Lng)
	}
	return nil
}

// DistanceKm returns the great-circle distance between a and b.
func DistanceKm(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// OffsetNorth returns the point distKm due north of l. Useful for building fixtures at known distances.
func OffsetNorth(l Location, distKm float64) Location {
	return Location{Lat: l.Lat + distKm/earthRadiusKm*180/math.Pi, Lng: l.Lng}
}
