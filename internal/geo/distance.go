// Package geo provides great-circle distance helpers used by the matcher.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusKM = 6371.0

// ErrInvalidPoint is returned for coordinates outside the valid range.
var ErrInvalidPoint = errors.New("geo: invalid point")

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate checks that p is a finite coordinate on the globe.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidPoint)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: (%.4f, %.4f) out of range", ErrInvalidPoint, p.Lat, p.Lon)
	}
	return nil
}

// DistanceKM returns the haversine distance between a and b in kilometres.
func DistanceKM(a, b Point) float64 {
	toRad := func(v float64) float64 { return v * math.Pi / 180 }

	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKM * c
}

// Between returns the distance between two optional points. ok is false when
// either side has no location.
func Between(a, b *Point) (km float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return DistanceKM(*a, *b), true
}
