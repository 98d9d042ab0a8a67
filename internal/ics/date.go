package ics

import (
	"strings"
	"time"
)

// DateValue is a decoded DTSTART/DTEND token.
type DateValue struct {
	Time time.Time
	// DateOnly marks a bare YYYYMMDD token; Time is midnight in the
	// decoding location.
	DateOnly bool
}

// DecodeDate decodes a feed date token in the process-local zone.
func DecodeDate(token string) (DateValue, bool) {
	return DecodeDateIn(token, time.Local)
}

// DecodeDateIn decodes one of:
//
//	YYYYMMDD           date-only, midnight in loc
//	YYYYMMDDTHHMMSSZ   UTC
//	YYYYMMDDTHHMMSS    wall clock in loc
//	YYYYMMDDTHHMM      wall clock in loc, seconds = 0
//
// Time digit groups that are missing or unparseable become 0. A date part
// that cannot be read yields ok == false. Offsets other than a trailing Z
// are not understood and TZID is never resolved here.
func DecodeDateIn(token string, loc *time.Location) (DateValue, bool) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(token)
	if s == "" {
		return DateValue{}, false
	}

	if isBareDate(s) {
		y, _ := leadingInt(s[0:4])
		m, _ := leadingInt(s[4:6])
		d, _ := leadingInt(s[6:8])
		return DateValue{
			Time:     time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc),
			DateOnly: true,
		}, true
	}

	isUTC := strings.HasSuffix(s, "Z")
	if isUTC {
		s = s[:len(s)-1]
	}

	datePart, timePart, _ := strings.Cut(s, "T")
	// A second T ends the time part.
	timePart, _, _ = strings.Cut(timePart, "T")

	y, ok := leadingInt(clampSlice(datePart, 0, 4))
	if !ok {
		return DateValue{}, false
	}
	m, ok := leadingInt(clampSlice(datePart, 4, 6))
	if !ok {
		return DateValue{}, false
	}
	d, ok := leadingInt(clampSlice(datePart, 6, 8))
	if !ok {
		return DateValue{}, false
	}

	var hh, mm, ss int
	if len(timePart) >= 2 {
		hh, _ = leadingInt(timePart[0:2])
	}
	if len(timePart) >= 4 {
		mm, _ = leadingInt(timePart[2:4])
	}
	if len(timePart) >= 6 {
		ss, _ = leadingInt(timePart[4:6])
	}

	zone := loc
	if isUTC {
		zone = time.UTC
	}
	return DateValue{Time: time.Date(y, time.Month(m), d, hh, mm, ss, 0, zone)}, true
}

func isBareDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// clampSlice returns s[from:to] with both bounds clamped to len(s).
func clampSlice(s string, from, to int) string {
	if from > len(s) {
		from = len(s)
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}

// leadingInt reads an optional sign and the digits that follow leading
// whitespace, ignoring anything after them: "1a" is 1, "a1" is not a
// number.
func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\r\n")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n, digits := 0, 0
	for ; digits < len(s) && s[digits] >= '0' && s[digits] <= '9'; digits++ {
		n = n*10 + int(s[digits]-'0')
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
