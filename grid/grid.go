// Package grid decomposes a map viewport into bounded-radius point searches.
package grid

import "math"

const (
	metersPerDegreeLat = 111_000.0

	// Adjacent cells overlap by 10% of the covering radius so no gap opens
	// at cell boundaries.
	overlapFactor = 1.10

	gridSide = 3
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Cell is one sub-area of a viewport: a center point plus a radius (meters)
// whose circle covers the whole cell.
type Cell struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"`
}

// Generate3x3Grid partitions the viewport spanned by northeast/southwest
// corners into 9 cells. Deterministic and side-effect-free; the union of the
// 9 circles covers the full rectangle.
func Generate3x3Grid(ne, sw LatLng) []Cell {
	latSpan := (ne.Lat - sw.Lat) / gridSide
	lngSpan := (ne.Lng - sw.Lng) / gridSide

	cells := make([]Cell, 0, gridSide*gridSide)
	for row := 0; row < gridSide; row++ {
		for col := 0; col < gridSide; col++ {
			center := LatLng{
				Lat: sw.Lat + latSpan*(float64(row)+0.5),
				Lng: sw.Lng + lngSpan*(float64(col)+0.5),
			}
			cells = append(cells, Cell{
				Center: center,
				Radius: coveringRadius(latSpan, lngSpan, center.Lat),
			})
		}
	}
	return cells
}

// coveringRadius converts the cell span to approximate meters, takes half
// the diagonal and inflates it for edge overlap.
func coveringRadius(latSpan, lngSpan, baseLat float64) float64 {
	latMeters := math.Abs(latSpan) * metersPerDegreeLat
	lngMeters := math.Abs(lngSpan) * metersPerDegreeLat * math.Cos(baseLat*math.Pi/180)
	diag := math.Hypot(latMeters, lngMeters)
	return diag / 2 * overlapFactor
}
