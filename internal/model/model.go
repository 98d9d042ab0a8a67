package model

import "time"

// Event is one calendar entry that survived the listing window.
type Event struct {
	// Start is an absolute instant, or local midnight for date-only values.
	Start time.Time
	// End is zero when the feed gave no usable DTEND.
	End time.Time

	// IsAllDay is set when DTSTART is a bare 8-character date without TZID.
	IsAllDay bool

	Summary     string
	Description string
	Location    string
}

// HasEnd reports whether the feed supplied a decodable end.
func (e Event) HasEnd() bool {
	return !e.End.IsZero()
}

// Title returns the summary or a placeholder for untitled entries.
func (e Event) Title() string {
	if e.Summary == "" {
		return "Untitled Event"
	}
	return e.Summary
}
