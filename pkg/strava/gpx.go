package strava

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// BuildGPX renders one activity's streams as a GPX 1.1 document the
// import pipeline can consume.  The metadata time carries Strava's start
// date verbatim; per-point times are only emitted when that date parses,
// because they are the start plus the per-point second offsets.
func BuildGPX(act Activity, st Streams) []byte {
	var b bytes.Buffer
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n")
	b.WriteString(`<gpx version="1.1" creator="explorer-tile-map" xmlns="http://www.topografix.com/GPX/1/1" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:schemaLocation="http://www.topografix.com/GPX/1/1 http://www.topografix.com/GPX/1/1/gpx.xsd">` + "\n")

	var start time.Time
	haveStart := false
	if act.StartDate != "" {
		if t, err := time.Parse(time.RFC3339, act.StartDate); err == nil {
			start = t.UTC()
			haveStart = true
		}
		fmt.Fprintf(&b, "  <metadata>\n    <time>%s</time>\n  </metadata>\n", xmlEscape(act.StartDate))
	}

	fmt.Fprintf(&b, "  <trk>\n    <name>%s</name>\n    <trkseg>\n", xmlEscape(act.Name))

	for i, p := range st.LatLng {
		fmt.Fprintf(&b, "      <trkpt lat=\"%.7f\" lon=\"%.7f\">\n", p[0], p[1])
		if i < len(st.Altitude) {
			fmt.Fprintf(&b, "        <ele>%.2f</ele>\n", st.Altitude[i])
		}
		if haveStart && i < len(st.Time) {
			at := start.Add(time.Duration(st.Time[i]) * time.Second)
			fmt.Fprintf(&b, "        <time>%s</time>\n", at.Format(time.RFC3339))
		}
		b.WriteString("      </trkpt>\n")
	}

	b.WriteString("    </trkseg>\n  </trk>\n</gpx>\n")
	return b.Bytes()
}

// xmlEscape covers the three characters GPX text nodes cannot carry raw.
// Ampersand goes first so fresh entities are not escaped twice.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return strings.ReplaceAll(s, ">", "&gt;")
}
