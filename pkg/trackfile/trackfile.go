// Package trackfile extracts GPS points from uploaded activity files.
//
// Extraction is deliberately decoupled from everything downstream: an
// Extractor turns raw file bytes into a Track and nothing else, so the
// ingest pipeline can swap parsers without touching projection or storage.
// Two text extractors ship by default. Scanner does tolerant substring
// scanning that survives the half-broken GPX real devices emit, and
// XMLExtractor runs a strict parser for files where silent point loss would
// be worse than a hard error. FIT files get their own binary decoder.
package trackfile

import (
	"path/filepath"
	"strings"
)

// Point is one GPS fix. Time is Unix seconds, zero when the source carried
// no usable timestamp.
type Point struct {
	Lat  float64
	Lon  float64
	Time int64
}

// Track is the extraction result for one file. Name may be empty when the
// file declares none; callers fall back to the filename.
type Track struct {
	Name   string
	Points []Point
}

// Extractor parses one activity file. Implementations return an error only
// when the file as a whole is unreadable; individually broken points are
// dropped, not fatal.
type Extractor interface {
	Extract(filename string, data []byte) (Track, error)
}

// ActivityID derives a stable activity identifier from a filename.
// Files exported through the Strava sync are named activity_<id>.<ext> and
// yield the bare numeric id, anything else yields the filename stem. The id
// keys the imported-activities ledger, so two uploads of the same export
// agree on it.
func ActivityID(filename string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if id, ok := strings.CutPrefix(stem, "activity_"); ok && id != "" {
		return id
	}
	return stem
}
