// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"fmt"
	"math"
)

// earthRadiusMeters is the mean Earth radius used for haversine
// distance.
const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two
// points in meters.
func HaversineMeters(a, b Point) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	deltaLat := (b.Latitude - a.Latitude) * math.Pi / 180
	deltaLon := (b.Longitude - a.Longitude) * math.Pi / 180

	sinLat := math.Sin(deltaLat / 2)
	sinLon := math.Sin(deltaLon / 2)
	h := sinLat*sinLat + math.Cos(latA)*math.Cos(latB)*sinLon*sinLon
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Validate checks that the geofence geometry is usable.
func (f Geofence) Validate() error {
	switch f.Kind {
	case FenceCircle:
		if f.RadiusMeters <= 0 {
			return fmt.Errorf("circle geofence for site %s has non-positive radius", f.SiteID)
		}
	case FencePolygon:
		if len(f.Vertices) < 3 {
			return fmt.Errorf("polygon geofence for site %s has %d vertices, need at least 3", f.SiteID, len(f.Vertices))
		}
	default:
		return fmt.Errorf("geofence for site %s has unknown kind %q", f.SiteID, f.Kind)
	}
	return nil
}

// Contains reports whether p is inside the fence. The boundary is
// inclusive: a point at exactly the circle radius, or exactly on a
// polygon edge, is inside. The comparison is exact (no epsilon) so
// repeated evaluations of the same sample always agree.
func (f Geofence) Contains(p Point) bool {
	switch f.Kind {
	case FenceCircle:
		return HaversineMeters(f.Center, p) <= f.RadiusMeters
	case FencePolygon:
		return polygonContains(f.Vertices, p)
	}
	return false
}

// DistanceOutside returns how far outside the fence p lies, in meters.
// Returns 0 for points inside or on the boundary.
//
// For circles this is exact; for polygons it is the distance to the
// nearest vertex-to-vertex edge, approximated on a local flat
// projection — adequate at site scale (hundreds of meters).
func (f Geofence) DistanceOutside(p Point) float64 {
	if f.Contains(p) {
		return 0
	}
	switch f.Kind {
	case FenceCircle:
		return HaversineMeters(f.Center, p) - f.RadiusMeters
	case FencePolygon:
		nearest := math.Inf(1)
		n := len(f.Vertices)
		for i := 0; i < n; i++ {
			d := distanceToSegment(p, f.Vertices[i], f.Vertices[(i+1)%n])
			if d < nearest {
				nearest = d
			}
		}
		return nearest
	}
	return 0
}

// polygonContains is a ray-casting test with an explicit on-edge check
// so the boundary is inclusive.
func polygonContains(vertices []Point, p Point) bool {
	n := len(vertices)
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := vertices[i], vertices[j]
		if onSegment(p, a, b) {
			return true
		}
		crosses := (a.Latitude > p.Latitude) != (b.Latitude > p.Latitude)
		if crosses {
			intersectLon := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude)/(b.Latitude-a.Latitude) + a.Longitude
			if p.Longitude < intersectLon {
				inside = !inside
			}
		}
	}
	return inside
}

// onSegment reports whether p lies on the segment a-b, testing
// collinearity and bounding box in coordinate space.
func onSegment(p, a, b Point) bool {
	cross := (b.Longitude-a.Longitude)*(p.Latitude-a.Latitude) - (b.Latitude-a.Latitude)*(p.Longitude-a.Longitude)
	if cross != 0 {
		return false
	}
	return math.Min(a.Latitude, b.Latitude) <= p.Latitude && p.Latitude <= math.Max(a.Latitude, b.Latitude) &&
		math.Min(a.Longitude, b.Longitude) <= p.Longitude && p.Longitude <= math.Max(a.Longitude, b.Longitude)
}

// distanceToSegment returns the meters from p to the segment a-b using
// an equirectangular projection centered on p's latitude.
func distanceToSegment(p, a, b Point) float64 {
	cosLat := math.Cos(p.Latitude * math.Pi / 180)
	project := func(q Point) (x, y float64) {
		return q.Longitude * cosLat, q.Latitude
	}
	px, py := project(p)
	ax, ay := project(a)
	bx, by := project(b)

	dx, dy := bx-ax, by-ay
	lengthSquared := dx*dx + dy*dy
	t := 0.0
	if lengthSquared > 0 {
		t = ((px-ax)*dx + (py-ay)*dy) / lengthSquared
		t = math.Max(0, math.Min(1, t))
	}
	nearest := Point{
		Latitude:  ay + t*dy,
		Longitude: (ax + t*dx) / cosLat,
	}
	return HaversineMeters(p, nearest)
}
