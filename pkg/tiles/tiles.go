// Package tiles implements the slippy-map geometry core: projecting GPS
// coordinates onto fixed-zoom Web-Mercator tiles and deriving the two
// headline statistics (largest interior cluster, largest covered square)
// from the set of visited tiles.
//
// Everything in this package is pure computation over in-memory data.
// Persistence, parsing, and HTTP belong to other packages; keeping the
// geometry standalone makes the algorithms testable without a database.
package tiles

import (
	"errors"
	"math"
)

// DefaultZoom is the zoom level used for visitation tracking. Zoom 14 tiles
// are roughly 2.4 km wide at the equator, which matches the granularity of
// the explorer-tile game this service keeps score for.
const DefaultZoom = 14

// MaxLatitude is the Web-Mercator projection limit. Latitudes beyond it have
// no tile row: tan(lat) explodes towards the poles and a naive cast would
// wrap into a bogus unsigned coordinate, so FromLatLon rejects them instead.
const MaxLatitude = 85.05112878

// ErrLatitudeRange reports a latitude outside the projectable range.
var ErrLatitudeRange = errors.New("latitude outside the Web-Mercator range")

// ErrCoordinateNaN reports a NaN latitude or longitude. Kept separate from
// ErrLatitudeRange so a skipped-point log names the actual defect.
var ErrCoordinateNaN = errors.New("coordinate is NaN")

// Coord addresses one slippy-map tile. X grows eastward from the antimeridian,
// Y grows southward from the north clipping parallel. Both stay within
// [0, 2^Z) for any Coord produced by FromLatLon.
type Coord struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
	Z int    `json:"z"`
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// FromLatLon projects a GPS coordinate onto the tile grid at the given zoom.
//
// Longitude is wrapped onto [-180, 180) before projecting, so any real value
// maps to a valid column. Latitude has no such wrap: values beyond
// ±MaxLatitude return ErrLatitudeRange and the caller decides whether to
// skip the point or fail the whole input. NaN in either axis returns
// ErrCoordinateNaN.
func FromLatLon(lat, lon float64, zoom int) (Coord, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return Coord{}, ErrCoordinateNaN
	}
	if math.Abs(lat) > MaxLatitude {
		return Coord{}, ErrLatitudeRange
	}

	n := math.Exp2(float64(zoom))

	xf := (lon + 180.0) / 360.0
	xf -= math.Floor(xf) // wrap longitude into [0, 1)
	x := uint32(xf * n)

	latRad := lat * math.Pi / 180
	yf := (1 - math.Asinh(math.Tan(latRad))/math.Pi) / 2 * n
	// Latitudes at exactly ±MaxLatitude land on the grid edge and float
	// error can push the row a hair outside [0, n); keep it on the grid.
	var y uint32
	switch {
	case yf < 0:
		y = 0
	case yf >= n:
		y = uint32(n) - 1
	default:
		y = uint32(yf)
	}

	return Coord{X: x, Y: y, Z: zoom}, nil
}

// Bounds returns the geographic bounding box of the tile. The inverse of
// FromLatLon: any (lat, lon) that projected into this tile lies inside the
// returned box. Used for rendering tile rectangles, never for storage.
func (c Coord) Bounds() Bounds {
	n := math.Exp2(float64(c.Z))

	lonMin := float64(c.X)/n*360.0 - 180.0
	lonMax := float64(c.X+1)/n*360.0 - 180.0

	latMax := math.Atan(math.Sinh(math.Pi*(1-2*float64(c.Y)/n))) * 180 / math.Pi
	latMin := math.Atan(math.Sinh(math.Pi*(1-2*float64(c.Y+1)/n))) * 180 / math.Pi

	return Bounds{MinLat: latMin, MinLon: lonMin, MaxLat: latMax, MaxLon: lonMax}
}
