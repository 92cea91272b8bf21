package tiles

import (
	"errors"
	"math"
	"testing"
)

// TestFromLatLonAnchors checks grid positions that follow directly from the
// projection formula, without transcendental guesswork: the origin sits in
// the middle of the grid and the antimeridian wraps onto column zero.
func TestFromLatLonAnchors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lat, lon float64
		zoom     int
		want     Coord
	}{
		{name: "origin zoom 14", lat: 0, lon: 0, zoom: 14, want: Coord{X: 8192, Y: 8192, Z: 14}},
		{name: "origin zoom 0", lat: 0, lon: 0, zoom: 0, want: Coord{X: 0, Y: 0, Z: 0}},
		{name: "west antimeridian", lat: 0, lon: -180, zoom: 14, want: Coord{X: 0, Y: 8192, Z: 14}},
		{name: "east antimeridian wraps", lat: 0, lon: 180, zoom: 14, want: Coord{X: 0, Y: 8192, Z: 14}},
		{name: "longitude beyond 360 wraps", lat: 0, lon: 360, zoom: 14, want: Coord{X: 8192, Y: 8192, Z: 14}},
		{name: "north clipping parallel", lat: MaxLatitude, lon: 0, zoom: 14, want: Coord{X: 8192, Y: 0, Z: 14}},
		{name: "south clipping parallel", lat: -MaxLatitude, lon: 0, zoom: 14, want: Coord{X: 8192, Y: 16383, Z: 14}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := FromLatLon(tc.lat, tc.lon, tc.zoom)
			if err != nil {
				t.Fatalf("FromLatLon(%f,%f,%d) returned error: %v", tc.lat, tc.lon, tc.zoom, err)
			}
			if got != tc.want {
				t.Fatalf("FromLatLon(%f,%f,%d) = %+v, want %+v", tc.lat, tc.lon, tc.zoom, got, tc.want)
			}
		})
	}
}

// TestFromLatLonRejectsPolarLatitudes ensures coordinates beyond the
// Web-Mercator limit come back as an explicit error instead of a wrapped
// unsigned row number.
func TestFromLatLonRejectsPolarLatitudes(t *testing.T) {
	t.Parallel()

	for _, lat := range []float64{85.06, 90, -85.06, -90, 123.45} {
		if _, err := FromLatLon(lat, 0, 14); !errors.Is(err, ErrLatitudeRange) {
			t.Errorf("FromLatLon(%f,0,14) = %v, want ErrLatitudeRange", lat, err)
		}
	}
}

// TestFromLatLonRejectsNaN keeps NaN input on its own error so a skipped
// point is logged as a broken coordinate, not as a polar latitude.
func TestFromLatLonRejectsNaN(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"nan latitude", math.NaN(), 13.4},
		{"nan longitude", 52.5, math.NaN()},
		{"both nan", math.NaN(), math.NaN()},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := FromLatLon(tc.lat, tc.lon, 14)
			if !errors.Is(err, ErrCoordinateNaN) {
				t.Errorf("FromLatLon(%f,%f,14) = %v, want ErrCoordinateNaN", tc.lat, tc.lon, err)
			}
			if errors.Is(err, ErrLatitudeRange) {
				t.Errorf("NaN input reported as a latitude-range failure")
			}
		})
	}
}

// TestProjectionRoundTrip projects a spread of real-world coordinates and
// verifies each point falls inside the bounds of its own tile. This pins the
// projection and its inverse to each other without baking hand-computed tile
// numbers into the test.
func TestProjectionRoundTrip(t *testing.T) {
	t.Parallel()

	points := []struct {
		name     string
		lat, lon float64
	}{
		{"berlin", 52.5200, 13.4050},
		{"sydney", -33.8688, 151.2093},
		{"quito", -0.1807, -78.4678},
		{"reykjavik", 64.1466, -21.9426},
		{"cape town", -33.9249, 18.4241},
		{"near north limit", 85.0, 0.0},
		{"near south limit", -85.0, 179.9},
	}

	const eps = 1e-9
	for _, p := range points {
		p := p
		t.Run(p.name, func(t *testing.T) {
			t.Parallel()
			c, err := FromLatLon(p.lat, p.lon, 14)
			if err != nil {
				t.Fatalf("FromLatLon(%f,%f,14) returned error: %v", p.lat, p.lon, err)
			}
			b := c.Bounds()
			if p.lat < b.MinLat-eps || p.lat > b.MaxLat+eps {
				t.Fatalf("latitude %f outside tile bounds [%f, %f]", p.lat, b.MinLat, b.MaxLat)
			}
			if p.lon < b.MinLon-eps || p.lon > b.MaxLon+eps {
				t.Fatalf("longitude %f outside tile bounds [%f, %f]", p.lon, b.MinLon, b.MaxLon)
			}
		})
	}
}

// TestFromLatLonMonotonic moves north and east in small steps and checks the
// tile row shrinks and the column grows, which would catch a sign slip in
// either axis formula.
func TestFromLatLonMonotonic(t *testing.T) {
	t.Parallel()

	north, _ := FromLatLon(50.0, 10.0, 14)
	south, _ := FromLatLon(40.0, 10.0, 14)
	if north.Y >= south.Y {
		t.Errorf("northern latitude got row %d, southern got %d; rows must grow southward", north.Y, south.Y)
	}

	west, _ := FromLatLon(50.0, 10.0, 14)
	east, _ := FromLatLon(50.0, 20.0, 14)
	if east.X <= west.X {
		t.Errorf("eastern longitude got column %d, western got %d; columns must grow eastward", east.X, west.X)
	}
}

// TestBoundsCenterGrid verifies the inverse projection at the grid center
// where the expected values are exact zeros.
func TestBoundsCenterGrid(t *testing.T) {
	t.Parallel()

	b := Coord{X: 8192, Y: 8192, Z: 14}.Bounds()
	if b.MinLon != 0 {
		t.Errorf("MinLon = %f, want 0", b.MinLon)
	}
	if b.MaxLat != 0 {
		t.Errorf("MaxLat = %f, want 0", b.MaxLat)
	}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		t.Errorf("degenerate bounds: %+v", b)
	}
}
