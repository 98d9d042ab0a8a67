package ics

import (
	"io"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"eventcal/internal/model"
)

// uidNamespace scopes the name-based UUIDs handed out to exported events.
var uidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://eventcal.invalid/events"))

// ExportOptions describes the calendar-level properties of an export.
type ExportOptions struct {
	Name     string
	Stamp    time.Time
	Location *time.Location
}

// EventUID derives a stable UID for an event from its start and summary,
// so the same listing exported twice yields the same identifiers.
func EventUID(ev model.Event) string {
	name := ev.Start.UTC().Format(time.RFC3339) + "|" + ev.Summary
	return uuid.NewSHA1(uidNamespace, []byte(name)).String() + "@eventcal"
}

// Export re-encodes a listing as an iCalendar PUBLISH feed. All-day events
// are written as DATE values; everything else as UTC date-times.
func Export(w io.Writer, events []model.Event, opts ExportOptions) error {
	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//eventcal//upcoming events//EN")
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	for _, ev := range events {
		ve := cal.AddEvent(EventUID(ev))
		ve.SetDtStampTime(stamp)
		if ev.IsAllDay {
			ve.SetAllDayStartAt(ev.Start.In(loc))
			if ev.HasEnd() {
				ve.SetAllDayEndAt(ev.End.In(loc))
			}
		} else {
			ve.SetStartAt(ev.Start)
			if ev.HasEnd() {
				ve.SetEndAt(ev.End)
			}
		}
		if ev.Summary != "" {
			ve.SetSummary(ev.Summary)
		}
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}
