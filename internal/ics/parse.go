package ics

import (
	"sort"
	"strings"
	"time"

	"eventcal/internal/model"
)

// DefaultWindowDays is how far ahead of today's local midnight events are
// listed.
const DefaultWindowDays = 90

// Parser turns raw feed text into the ordered list of upcoming events.
// The zero value uses time.Local, time.Now and DefaultWindowDays.
type Parser struct {
	// Location is the zone used for floating times, date-only values and
	// the start of "today". Nil means time.Local.
	Location *time.Location
	// Now supplies the reference instant for the window. Nil means time.Now.
	Now func() time.Time
	// WindowDays is the window length in days. Zero or less means
	// DefaultWindowDays.
	WindowDays int
}

// Parse parses feed text with the default Parser.
func Parse(feed string) []model.Event {
	var p Parser
	return p.Parse(feed)
}

// parseState is the context of a single Parse call.
type parseState struct {
	current *model.Event

	// Pending SUMMARY / DESCRIPTION, held back so folded continuation
	// lines can be appended before the value is unescaped.
	pendingKey   string
	pendingValue strings.Builder
}

func (st *parseState) flush(p *Parser) {
	if st.pendingKey == "" {
		return
	}
	if st.current != nil {
		p.applyProperty(st.current, st.pendingKey, st.pendingValue.String())
	}
	st.pendingKey = ""
	st.pendingValue.Reset()
}

// Parse runs a single forward pass over feed. It never fails; malformed
// lines and unterminated VEVENT blocks are skipped. Only events starting in
// [today, today+WindowDays) are kept, stable-sorted by start.
func (p *Parser) Parse(feed string) []model.Event {
	loc := p.location()
	windowStart, windowEnd := p.window(loc)

	events := make([]model.Event, 0)
	var st parseState

	for _, raw := range strings.Split(feed, "\n") {
		raw = strings.TrimSuffix(raw, "\r")

		if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t") {
			// Folded lines only matter for a pending long-text value.
			if st.pendingKey != "" {
				st.pendingValue.WriteString(raw[1:])
			}
			continue
		}
		st.flush(p)

		line := strings.TrimSpace(raw)
		switch {
		case line == "BEGIN:VEVENT":
			st.current = &model.Event{}

		case line == "END:VEVENT" && st.current != nil:
			if inWindow(st.current, loc, windowStart, windowEnd) {
				events = append(events, *st.current)
			}
			st.current = nil

		case st.current != nil && strings.Contains(raw, ":"):
			key, value, _ := strings.Cut(raw, ":")
			baseKey, _, _ := strings.Cut(key, ";")
			if value != "" && (baseKey == "SUMMARY" || strings.HasPrefix(baseKey, "DESCRIPTION")) {
				st.pendingKey = baseKey
				st.pendingValue.WriteString(value)
				continue
			}
			p.applyProperty(st.current, key, value)
		}
	}

	// A dangling long-text value still lands on the open event, but the
	// event itself is never emitted without END:VEVENT.
	st.flush(p)

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
	return events
}

// applyProperty stores one raw property on ev. Later lines overwrite
// earlier ones.
func (p *Parser) applyProperty(ev *model.Event, key, value string) {
	switch {
	case strings.HasPrefix(key, "DTSTART"):
		dv, ok := DecodeDateIn(value, p.location())
		ev.Start = time.Time{}
		if ok {
			ev.Start = dv.Time
		}
		ev.IsAllDay = !strings.Contains(key, "TZID") && len(value) == 8
	case strings.HasPrefix(key, "DTEND"):
		dv, ok := DecodeDateIn(value, p.location())
		ev.End = time.Time{}
		if ok {
			ev.End = dv.Time
		}
	case key == "SUMMARY":
		ev.Summary = DecodeText(value)
	case key == "DESCRIPTION":
		ev.Description = DecodeText(value)
	case key == "LOCATION":
		ev.Location = DecodeText(value)
	}
}

func (p *Parser) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// window returns [local midnight today, that midnight + WindowDays).
func (p *Parser) window(loc *time.Location) (time.Time, time.Time) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	days := p.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}

	t := now().In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, days)
}

func inWindow(ev *model.Event, loc *time.Location, from, to time.Time) bool {
	if ev.Start.IsZero() {
		return false
	}
	start := ev.Start
	if ev.IsAllDay {
		s := start.In(loc)
		start = time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, loc)
	}
	return !start.Before(from) && start.Before(to)
}
