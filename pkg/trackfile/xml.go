package trackfile

import (
	"fmt"

	"github.com/tkrajina/gpxgo/gpx"
)

// XMLExtractor parses GPX through a real XML parser. Unlike Scanner it
// rejects malformed files outright, which is the right trade when the
// upload came from a source that should know better. Selected with
// -parser=xml.
type XMLExtractor struct{}

// Extract implements Extractor.
func (XMLExtractor) Extract(filename string, data []byte) (Track, error) {
	g, err := gpx.ParseBytes(data)
	if err != nil {
		return Track{}, fmt.Errorf("parse gpx %s: %w", filename, err)
	}

	name := g.Name
	var points []Point
	for _, trk := range g.Tracks {
		if name == "" && trk.Name != "" {
			name = trk.Name
		}
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				pt := Point{Lat: p.Latitude, Lon: p.Longitude}
				if !p.Timestamp.IsZero() {
					pt.Time = p.Timestamp.Unix()
				}
				points = append(points, pt)
			}
		}
	}

	return Track{Name: name, Points: points}, nil
}
