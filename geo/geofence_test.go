// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package geo

import (
	"math"
	"testing"
)

// pointAtDistance returns a point the given number of meters due east
// of origin, using the same spherical model as HaversineMeters so
// tests can place samples at exact distances.
func pointAtDistance(origin Point, meters float64) Point {
	deltaLon := meters / (earthRadiusMeters * math.Cos(origin.Latitude*math.Pi/180)) * 180 / math.Pi
	return Point{Latitude: origin.Latitude, Longitude: origin.Longitude + deltaLon}
}

func TestHaversineKnownDistance(t *testing.T) {
	t.Parallel()
	// Paris to London, roughly 344 km.
	paris := Point{Latitude: 48.8566, Longitude: 2.3522}
	london := Point{Latitude: 51.5074, Longitude: -0.1278}

	distance := HaversineMeters(paris, london)
	if distance < 330000 || distance > 350000 {
		t.Errorf("Paris-London = %.0fm, want ~344km", distance)
	}
}

func TestCircleContainsInsideAndOutside(t *testing.T) {
	t.Parallel()
	center := Point{Latitude: 40.0, Longitude: -74.0}
	fence := Geofence{SiteID: "s1", Kind: FenceCircle, Center: center, RadiusMeters: 100}

	if !fence.Contains(pointAtDistance(center, 50)) {
		t.Error("point 50m from center reported outside a 100m fence")
	}
	if fence.Contains(pointAtDistance(center, 150)) {
		t.Error("point 150m from center reported inside a 100m fence")
	}
}

func TestCircleBoundaryIsInclusiveAndConsistent(t *testing.T) {
	t.Parallel()
	center := Point{Latitude: 40.0, Longitude: -74.0}
	boundary := pointAtDistance(center, 100)
	// Use the computed distance as the radius so the sample sits at
	// exactly the boundary, whatever rounding the projection added.
	fence := Geofence{SiteID: "s1", Kind: FenceCircle, Center: center, RadiusMeters: HaversineMeters(center, boundary)}

	for i := 0; i < 10; i++ {
		if !fence.Contains(boundary) {
			t.Fatalf("evaluation %d classified the exact boundary as outside", i)
		}
	}
	if d := fence.DistanceOutside(boundary); d != 0 {
		t.Errorf("DistanceOutside at boundary = %f, want 0", d)
	}
}

func TestCircleDistanceOutside(t *testing.T) {
	t.Parallel()
	center := Point{Latitude: 40.0, Longitude: -74.0}
	fence := Geofence{SiteID: "s1", Kind: FenceCircle, Center: center, RadiusMeters: 100}

	outside := pointAtDistance(center, 150)
	distance := fence.DistanceOutside(outside)
	if distance < 49 || distance > 51 {
		t.Errorf("DistanceOutside = %.2fm, want ~50m", distance)
	}
}

func TestPolygonContains(t *testing.T) {
	t.Parallel()
	// A roughly 200m square around the origin point.
	fence := Geofence{
		SiteID: "s2",
		Kind:   FencePolygon,
		Vertices: []Point{
			{Latitude: 40.000, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -73.998},
			{Latitude: 40.000, Longitude: -73.998},
		},
	}

	if !fence.Contains(Point{Latitude: 40.001, Longitude: -73.999}) {
		t.Error("interior point reported outside")
	}
	if fence.Contains(Point{Latitude: 40.005, Longitude: -73.999}) {
		t.Error("exterior point reported inside")
	}
}

func TestPolygonEdgeIsInclusive(t *testing.T) {
	t.Parallel()
	fence := Geofence{
		SiteID: "s2",
		Kind:   FencePolygon,
		Vertices: []Point{
			{Latitude: 40.000, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -73.998},
			{Latitude: 40.000, Longitude: -73.998},
		},
	}

	onEdge := Point{Latitude: 40.001, Longitude: -74.000}
	onVertex := Point{Latitude: 40.000, Longitude: -74.000}
	if !fence.Contains(onEdge) {
		t.Error("point on edge reported outside")
	}
	if !fence.Contains(onVertex) {
		t.Error("point on vertex reported outside")
	}
}

func TestPolygonDistanceOutside(t *testing.T) {
	t.Parallel()
	fence := Geofence{
		SiteID: "s2",
		Kind:   FencePolygon,
		Vertices: []Point{
			{Latitude: 40.000, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -74.000},
			{Latitude: 40.002, Longitude: -73.998},
			{Latitude: 40.000, Longitude: -73.998},
		},
	}

	// ~111m north of the top edge.
	outside := Point{Latitude: 40.003, Longitude: -73.999}
	distance := fence.DistanceOutside(outside)
	if distance < 100 || distance > 125 {
		t.Errorf("DistanceOutside = %.2fm, want ~111m", distance)
	}
}

func TestGeofenceValidate(t *testing.T) {
	t.Parallel()

	bad := []Geofence{
		{SiteID: "x", Kind: FenceCircle, RadiusMeters: 0},
		{SiteID: "x", Kind: FencePolygon, Vertices: []Point{{}, {}}},
		{SiteID: "x", Kind: "blob"},
	}
	for i, fence := range bad {
		if err := fence.Validate(); err == nil {
			t.Errorf("case %d: Validate accepted invalid fence %+v", i, fence)
		}
	}

	good := Geofence{SiteID: "x", Kind: FenceCircle, RadiusMeters: 50}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate rejected valid fence: %v", err)
	}
}
