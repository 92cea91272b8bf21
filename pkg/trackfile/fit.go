package trackfile

import (
	"bytes"
	"fmt"
	"math"

	"github.com/tormoder/fit"
)

// FITExtractor decodes Garmin FIT activity files. FIT is binary, so there
// is no tolerant-scan fallback here: either the file decodes or it is
// rejected whole. Records without a GPS fix (indoor rides, dropouts) are
// skipped the same way the text extractors skip broken points.
type FITExtractor struct{}

// Extract implements Extractor.
func (FITExtractor) Extract(filename string, data []byte) (Track, error) {
	decoded, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return Track{}, fmt.Errorf("decode fit %s: %w", filename, err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return Track{}, fmt.Errorf("fit %s is not an activity file: %w", filename, err)
	}

	var points []Point
	for _, rec := range activity.Records {
		lat := rec.PositionLat.Degrees()
		lon := rec.PositionLong.Degrees()
		if math.IsNaN(lat) || math.IsNaN(lon) {
			continue
		}
		pt := Point{Lat: lat, Lon: lon}
		if !rec.Timestamp.IsZero() {
			pt.Time = rec.Timestamp.Unix()
		}
		points = append(points, pt)
	}

	return Track{Points: points}, nil
}
