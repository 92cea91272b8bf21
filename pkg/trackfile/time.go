package trackfile

import (
	"strconv"
	"strings"
)

// cumulative days before each month in a non-leap year
var monthDays = [12]int64{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// parseISO8601 converts an ISO-8601 timestamp to Unix seconds without going
// through time.Parse. Track timestamps arrive in a handful of shapes
// (trailing Z, numeric offsets, fractional seconds) and a bad one must cost
// nothing, so this parser strips what it does not need and returns 0 for
// anything it cannot read instead of erroring.
//
// The offset suffix is dropped, not applied: a '+' always marks an offset,
// while a '-' only counts as one past position 10 so the date's own hyphens
// survive.
func parseISO8601(s string) int64 {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "Z")
	if pos := strings.LastIndex(s, "+"); pos >= 0 {
		s = s[:pos]
	} else if pos := strings.LastIndex(s, "-"); pos > 10 {
		s = s[:pos]
	}

	dateStr, timeStr, found := strings.Cut(s, "T")
	if !found || strings.Contains(timeStr, "T") {
		return 0
	}

	date := parseIntFields(dateStr, "-")
	if len(date) < 3 {
		return 0
	}
	clock, _, _ := strings.Cut(timeStr, ".")
	tm := parseIntFields(clock, ":")
	if len(tm) < 2 {
		return 0
	}

	year, month, day := date[0], date[1], date[2]
	if month < 1 || month > 12 {
		return 0
	}
	hour, min := tm[0], tm[1]
	var sec int64
	if len(tm) > 2 {
		sec = tm[2]
	}

	var days int64
	for y := int64(1970); y < year; y++ {
		if isLeapYear(y) {
			days += 366
		} else {
			days += 365
		}
	}
	days += monthDays[month-1]
	if month > 2 && isLeapYear(year) {
		days++
	}
	days += day - 1

	return days*86400 + hour*3600 + min*60 + sec
}

func isLeapYear(year int64) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// parseIntFields splits s on sep and keeps the fields that parse as
// integers, mirroring how lenient track exporters need us to be.
func parseIntFields(s, sep string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, sep) {
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
