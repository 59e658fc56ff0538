// Package geo provides great-circle distance, bearing and bounding-box math
package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a bare coordinate pair
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Bounds describes a rectangular search area around a center point
type Bounds struct {
	NorthEast Point `json:"north_east"`
	SouthWest Point `json:"south_west"`
}

// DistanceKm calculates the haversine distance between two coordinates in kilometers
func DistanceKm(a, b Point) float64 {
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*math.Pi/180)*math.Cos(b.Latitude*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// DistanceMeters is DistanceKm scaled to meters
func DistanceMeters(a, b Point) float64 {
	return DistanceKm(a, b) * 1000
}

// BearingDegrees calculates the initial bearing from a to b, normalized to [0,360)
func BearingDegrees(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// SearchAreaBounds computes a bounding box of radiusKm around center.
// Longitude spread widens with latitude; at the poles the box spans all
// longitudes.
func SearchAreaBounds(center Point, radiusKm float64) Bounds {
	latDelta := radiusKm / 111.32 // km per degree latitude

	lonScale := math.Cos(center.Latitude * math.Pi / 180)
	var lonDelta float64
	if lonScale > 1e-6 {
		lonDelta = radiusKm / (111.32 * lonScale)
	} else {
		lonDelta = 180
	}

	return Bounds{
		NorthEast: Point{
			Latitude:  clampLat(center.Latitude + latDelta),
			Longitude: wrapLon(center.Longitude + lonDelta),
		},
		SouthWest: Point{
			Latitude:  clampLat(center.Latitude - latDelta),
			Longitude: wrapLon(center.Longitude - lonDelta),
		},
	}
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
