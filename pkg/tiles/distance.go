package tiles

import "math"

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// LatLon is a bare GPS coordinate, used where only geometry matters and the
// timestamp baggage of a full track point would get in the way.
type LatLon struct {
	Lat float64
	Lon float64
}

// HaversineKm returns the great-circle distance between two points in
// kilometres.
func HaversineKm(a, b LatLon) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(h))
}

// TrackDistanceKm sums the haversine distance between consecutive points in
// recording order and rounds the total to two decimals. Fewer than two
// points is a zero-length track, not an error.
func TrackDistanceKm(points []LatLon) float64 {
	if len(points) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(points); i++ {
		total += HaversineKm(points[i-1], points[i])
	}
	return math.Round(total*100) / 100
}
