package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceZeroForEqualPoints(t *testing.T) {
	p := Coordinate{Lat: 40.7, Lng: 29.0}
	assert.Zero(t, Distance(p, p))
}

func TestDistanceSymmetric(t *testing.T) {
	a := Coordinate{Lat: 40.7, Lng: 29.0}
	b := Coordinate{Lat: 40.71, Lng: 29.02}
	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-9)
}

func TestDistanceKnownValues(t *testing.T) {
	// One degree of latitude is ~111.19 km on the haversine sphere.
	a := Coordinate{Lat: 40.0, Lng: 29.0}
	b := Coordinate{Lat: 41.0, Lng: 29.0}
	assert.InDelta(t, 111195, Distance(a, b), 50)

	// ~80 m north of the anchor used by the geofence examples.
	anchor := Coordinate{Lat: 40.7, Lng: 29.0}
	near := Coordinate{Lat: 40.7 + 80.0/111195.0, Lng: 29.0}
	assert.InDelta(t, 80, Distance(anchor, near), 0.5)
}

func TestDistanceMonotonicMovingAway(t *testing.T) {
	anchor := Coordinate{Lat: 40.7, Lng: 29.0}
	prev := 0.0
	for i := 1; i <= 10; i++ {
		p := Coordinate{Lat: 40.7 + float64(i)*0.0001, Lng: 29.0}
		d := Distance(anchor, p)
		assert.Greater(t, d, prev)
		prev = d
	}
}
