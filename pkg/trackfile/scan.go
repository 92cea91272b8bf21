package trackfile

import (
	"html"
	"strconv"
	"strings"
)

// trkptSpanCap bounds how far past an unterminated <trkpt the scanner will
// look for attributes and a timestamp before giving up on the element.
const trkptSpanCap = 500

// Scanner extracts points by substring search instead of XML parsing.
//
// GPS devices and export scripts produce GPX with unescaped entities,
// truncated tails and namespace soup that strict parsers refuse outright.
// The scanner does not care: it walks the raw bytes looking for <trkpt
// elements and pulls lat, lon and time out of each one, skipping whatever
// it cannot read. A malformed point costs one point, never the whole file.
type Scanner struct{}

// Extract implements Extractor. It never fails; the worst input yields an
// empty track.
func (Scanner) Extract(filename string, data []byte) (Track, error) {
	content := string(data)

	defaultTime, hasDefault := metadataTime(content)

	var points []Point
	searchStart := 0
	for {
		idx := strings.Index(content[searchStart:], "<trkpt")
		if idx < 0 {
			break
		}
		absPos := searchStart + idx
		segment := content[absPos:]

		end := strings.Index(segment, "</trkpt>")
		if end < 0 {
			end = len(segment)
			if end > trkptSpanCap {
				end = trkptSpanCap
			}
		}
		span := segment[:end]

		lat, latOK := extractAttr(span, "lat")
		lon, lonOK := extractAttr(span, "lon")
		if latOK && lonOK {
			t, ok := elementTime(span)
			if !ok {
				t, ok = defaultTime, hasDefault
			}
			if !ok {
				t = 0
			}
			points = append(points, Point{Lat: lat, Lon: lon, Time: t})
		}

		searchStart = absPos + len("<trkpt")
	}

	return Track{Name: trackName(content), Points: points}, nil
}

// extractAttr pulls a float attribute out of an element's open tag. The
// search is bounded by the tag's closing bracket so a point missing its own
// lat cannot borrow one from the next element.
func extractAttr(span, attr string) (float64, bool) {
	tag := span
	if gt := strings.Index(span, ">"); gt >= 0 {
		tag = span[:gt]
	}

	pattern := attr + "=\""
	start := strings.Index(tag, pattern)
	if start < 0 {
		return 0, false
	}
	rest := tag[start+len(pattern):]
	end := strings.Index(rest, "\"")
	if end < 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(rest[:end]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// elementTime finds a <time> element inside one trkpt span.
func elementTime(span string) (int64, bool) {
	start := strings.Index(span, "<time>")
	if start < 0 {
		return 0, false
	}
	rest := span[start+len("<time>"):]
	end := strings.Index(rest, "</time>")
	if end < 0 {
		return 0, false
	}
	return parseISO8601(rest[:end]), true
}

// metadataTime finds the file-level timestamp inside <metadata>, used as the
// fallback for points that carry no time of their own.
func metadataTime(content string) (int64, bool) {
	start := strings.Index(content, "<metadata>")
	if start < 0 {
		return 0, false
	}
	end := strings.Index(content, "</metadata>")
	if end < start {
		return 0, false
	}
	return elementTime(content[start:end])
}

// trackName returns the first <name> element found anywhere in the file.
// GPX files put the activity name either under <metadata> or under <trk>;
// whichever comes first wins.  Entities are unescaped so "Coffee &amp;
// Cake" comes back the way the rider typed it.
func trackName(content string) string {
	start := strings.Index(content, "<name>")
	if start < 0 {
		return ""
	}
	rest := content[start+len("<name>"):]
	end := strings.Index(rest, "</name>")
	if end < 0 {
		return ""
	}
	return html.UnescapeString(strings.TrimSpace(rest[:end]))
}
