package grid

import (
	"math"
	"testing"
)

func TestGenerate3x3GridShape(t *testing.T) {
	ne := LatLng{Lat: 30.45, Lng: -97.60}
	sw := LatLng{Lat: 30.15, Lng: -97.95}

	cells := Generate3x3Grid(ne, sw)
	if len(cells) != 9 {
		t.Fatalf("expected 9 cells, got %d", len(cells))
	}
	for i, c := range cells {
		if c.Radius <= 0 {
			t.Fatalf("cell %d has non-positive radius %v", i, c.Radius)
		}
		if c.Center.Lat <= sw.Lat || c.Center.Lat >= ne.Lat {
			t.Fatalf("cell %d center lat %v outside viewport", i, c.Center.Lat)
		}
		if c.Center.Lng <= sw.Lng || c.Center.Lng >= ne.Lng {
			t.Fatalf("cell %d center lng %v outside viewport", i, c.Center.Lng)
		}
	}
}

func TestGenerate3x3GridDeterministic(t *testing.T) {
	ne := LatLng{Lat: 40.9, Lng: -73.7}
	sw := LatLng{Lat: 40.5, Lng: -74.3}
	a := Generate3x3Grid(ne, sw)
	b := Generate3x3Grid(ne, sw)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("cell %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}
}

// Every point of the rectangle must be inside at least one circle. Sampling
// a dense lattice (including the exact corners) catches boundary gaps.
func TestGridCoversViewport(t *testing.T) {
	ne := LatLng{Lat: 30.45, Lng: -97.60}
	sw := LatLng{Lat: 30.15, Lng: -97.95}
	cells := Generate3x3Grid(ne, sw)

	const samples = 30
	for i := 0; i <= samples; i++ {
		for j := 0; j <= samples; j++ {
			p := LatLng{
				Lat: sw.Lat + (ne.Lat-sw.Lat)*float64(i)/samples,
				Lng: sw.Lng + (ne.Lng-sw.Lng)*float64(j)/samples,
			}
			if !covered(p, cells) {
				t.Fatalf("point %+v not covered by any cell", p)
			}
		}
	}
}

func covered(p LatLng, cells []Cell) bool {
	for _, c := range cells {
		latM := (p.Lat - c.Center.Lat) * metersPerDegreeLat
		lngM := (p.Lng - c.Center.Lng) * metersPerDegreeLat * math.Cos(c.Center.Lat*math.Pi/180)
		if math.Hypot(latM, lngM) <= c.Radius {
			return true
		}
	}
	return false
}
