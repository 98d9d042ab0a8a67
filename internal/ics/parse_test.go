package ics

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcal/internal/model"
)

// fixedNow is 2025-01-01 10:00 IST, so the window is
// [2025-01-01 00:00 IST, 2025-04-01 00:00 IST).
var fixedNow = time.Date(2025, 1, 1, 10, 0, 0, 0, ist)

func testParser() *Parser {
	return &Parser{
		Location: ist,
		Now:      func() time.Time { return fixedNow },
	}
}

func feed(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func vevent(props ...string) []string {
	out := append([]string{"BEGIN:VEVENT"}, props...)
	return append(out, "END:VEVENT")
}

func calendar(events ...[]string) string {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Test//EN"}
	for _, ev := range events {
		lines = append(lines, ev...)
	}
	lines = append(lines, "END:VCALENDAR")
	return feed(lines...)
}

func TestParse_BasicFieldsAndOrdering(t *testing.T) {
	t.Parallel()

	text := calendar(
		vevent(
			"UID:b",
			"DTSTART:20250110T180000Z",
			"DTEND:20250110T200000Z",
			"SUMMARY:Evening talk",
			"LOCATION:Main hall\\, Room 2",
		),
		vevent(
			"UID:a",
			"DTSTART:20250105",
			"DTEND:20250106",
			"SUMMARY:Open day",
			"DESCRIPTION:All welcome\\nNo tickets needed",
		),
	)

	got := testParser().Parse(text)
	want := []model.Event{
		{
			Start:       time.Date(2025, 1, 5, 0, 0, 0, 0, ist),
			End:         time.Date(2025, 1, 6, 0, 0, 0, 0, ist),
			IsAllDay:    true,
			Summary:     "Open day",
			Description: "All welcome\nNo tickets needed",
		},
		{
			Start:    time.Date(2025, 1, 10, 18, 0, 0, 0, time.UTC),
			End:      time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC),
			Summary:  "Evening talk",
			Location: "Main hall, Room 2",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_FoldedSummary(t *testing.T) {
	t.Parallel()

	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"SUMMARY:Annual general ",
		" meeting of members",
	))

	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Annual general meeting of members", got[0].Summary)
}

func TestParse_FoldedDescriptionWithTabAndEscapes(t *testing.T) {
	t.Parallel()

	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"DESCRIPTION;LANGUAGE=en:Doors open at 6\\, talk ",
		"\tstarts at 7.\\nBring a fr",
		" iend\\; or two.",
		"LOCATION:Library",
	))

	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Doors open at 6, talk starts at 7.\nBring a friend; or two.", got[0].Description)
	assert.Equal(t, "Library", got[0].Location)
}

func TestParse_FoldSplitsEscapeSequence(t *testing.T) {
	t.Parallel()

	// The fold lands between the backslash and the n; unescaping happens
	// after reassembly.
	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"DESCRIPTION:one\\",
		" ntwo",
	))

	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "one\ntwo", got[0].Description)
}

func TestParse_SummaryWithParameters(t *testing.T) {
	t.Parallel()

	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"SUMMARY;LANGUAGE=en:Choir ",
		" practice",
		"LOCATION;LANGUAGE=en:Ignored because of the parameter",
	))

	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Choir practice", got[0].Summary)
	assert.Empty(t, got[0].Location)
}

func TestParse_FoldedLocationIsNotReassembled(t *testing.T) {
	t.Parallel()

	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"LOCATION:Community ",
		" centre",
	))

	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Community ", got[0].Location)
}

func TestParse_AllDayDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dtstart string
		allDay  bool
		start   time.Time
	}{
		{name: "bare_date", dtstart: "DTSTART:20250101", allDay: true, start: time.Date(2025, 1, 1, 0, 0, 0, 0, ist)},
		{name: "value_date", dtstart: "DTSTART;VALUE=DATE:20250103", allDay: true, start: time.Date(2025, 1, 3, 0, 0, 0, 0, ist)},
		{name: "utc_datetime", dtstart: "DTSTART:20250101T093000Z", allDay: false, start: time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)},
		{name: "tzid_date", dtstart: "DTSTART;TZID=Asia/Kolkata:20250101", allDay: false, start: time.Date(2025, 1, 1, 0, 0, 0, 0, ist)},
		{name: "tzid_datetime", dtstart: "DTSTART;TZID=Asia/Kolkata:20250101T120000", allDay: false, start: time.Date(2025, 1, 1, 12, 0, 0, 0, ist)},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := testParser().Parse(calendar(vevent(tc.dtstart, "SUMMARY:x")))
			require.Len(t, got, 1)
			assert.Equal(t, tc.allDay, got[0].IsAllDay)
			assert.True(t, tc.start.Equal(got[0].Start), "start = %v, want %v", got[0].Start, tc.start)
		})
	}
}

func TestParse_WindowBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dtstart string
		include bool
	}{
		{name: "today_midnight", dtstart: "DTSTART:20250101T000000", include: true},
		{name: "earlier_today", dtstart: "DTSTART:20250101T080000", include: true},
		{name: "yesterday_last_second", dtstart: "DTSTART:20241231T235959", include: false},
		{name: "last_second_of_window", dtstart: "DTSTART:20250331T235959", include: true},
		{name: "day_90_midnight", dtstart: "DTSTART:20250401T000000", include: false},
		{name: "day_91", dtstart: "DTSTART:20250402T120000", include: false},
		{name: "all_day_today", dtstart: "DTSTART:20250101", include: true},
		{name: "all_day_day_90", dtstart: "DTSTART:20250401", include: false},
		// 2024-12-31 19:00 UTC is 2025-01-01 00:30 IST.
		{name: "utc_inside_after_conversion", dtstart: "DTSTART:20241231T190000Z", include: true},
		// 2024-12-31 18:29 UTC is 2024-12-31 23:59 IST.
		{name: "utc_before_after_conversion", dtstart: "DTSTART:20241231T182900Z", include: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := testParser().Parse(calendar(vevent(tc.dtstart)))
			if tc.include {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestParse_CustomWindow(t *testing.T) {
	t.Parallel()

	p := testParser()
	p.WindowDays = 7
	got := p.Parse(calendar(
		vevent("DTSTART:20250107T235900", "SUMMARY:in"),
		vevent("DTSTART:20250108T000000", "SUMMARY:out"),
	))
	require.Len(t, got, 1)
	assert.Equal(t, "in", got[0].Summary)
}

func TestParse_UnterminatedEventDropped(t *testing.T) {
	t.Parallel()

	text := feed(
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"DTSTART:20250102T100000Z",
		"SUMMARY:Never closed",
		" still the summary",
	)
	assert.Empty(t, testParser().Parse(text))
}

func TestParse_BeginWithoutEndIsReplaced(t *testing.T) {
	t.Parallel()

	text := feed(
		"BEGIN:VEVENT",
		"DTSTART:20250102T100000Z",
		"SUMMARY:Lost",
		"BEGIN:VEVENT",
		"DTSTART:20250103T100000Z",
		"END:VEVENT",
	)
	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Summary)
	assert.Equal(t, 3, got[0].Start.Day())
}

func TestParse_MissingOrBadStartDropped(t *testing.T) {
	t.Parallel()

	text := calendar(
		vevent("SUMMARY:No start"),
		vevent("DTSTART:", "SUMMARY:Empty start"),
		vevent("DTSTART:garbage", "SUMMARY:Bad start"),
		vevent("DTSTART:20250102T100000Z", "DTSTART:nope", "SUMMARY:Overwritten with garbage"),
		vevent("DTSTART:20250102T100000Z", "SUMMARY:Kept"),
	)
	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Kept", got[0].Summary)
}

func TestParse_LastPropertyWins(t *testing.T) {
	t.Parallel()

	text := calendar(vevent(
		"DTSTART:20250102T100000Z",
		"DTSTART:20250103",
		"SUMMARY:First",
		"SUMMARY:Second",
		"DTEND:20250103T100000Z",
		"DTEND:",
	))
	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Second", got[0].Summary)
	assert.True(t, got[0].IsAllDay)
	assert.Equal(t, 3, got[0].Start.Day())
	assert.False(t, got[0].HasEnd())
}

func TestParse_MalformedLinesIgnored(t *testing.T) {
	t.Parallel()

	text := feed(
		" stray continuation before anything",
		"SUMMARY:outside any event",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"this line has no colon",
		"DTSTART:20250102T100000Z",
		"X-CUSTOM;FOO=bar:value",
		"RRULE:FREQ=WEEKLY",
		"SUMMARY:",
		"END:VEVENT",
		"",
	)
	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Summary)
}

func TestParse_LFLineEndings(t *testing.T) {
	t.Parallel()

	text := "BEGIN:VEVENT\nDTSTART:20250102T100000Z\nSUMMARY:Unix\n newlines\nEND:VEVENT\n"
	got := testParser().Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "Unixnewlines", got[0].Summary)
}

func TestParse_EmptyInput(t *testing.T) {
	t.Parallel()

	got := testParser().Parse("")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestParse_StableForEqualStarts(t *testing.T) {
	t.Parallel()

	text := calendar(
		vevent("DTSTART:20250102T100000Z", "SUMMARY:first"),
		vevent("DTSTART:20250101T100000Z", "SUMMARY:early"),
		vevent("DTSTART:20250102T100000Z", "SUMMARY:second"),
		vevent("DTSTART:20250102T100000Z", "SUMMARY:third"),
	)
	got := testParser().Parse(text)
	titles := make([]string, 0, len(got))
	for _, ev := range got {
		titles = append(titles, ev.Summary)
	}
	assert.Equal(t, []string{"early", "first", "second", "third"}, titles)
}

func TestParse_OutputSortedAndWindowed(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewSource(42))
	windowStart := time.Date(2025, 1, 1, 0, 0, 0, 0, ist)
	windowEnd := windowStart.AddDate(0, 0, DefaultWindowDays)

	var events [][]string
	for i := 0; i < 200; i++ {
		offset := time.Duration(rnd.Intn(140*24)-20*24) * time.Hour
		start := windowStart.Add(offset)
		var dt string
		switch i % 3 {
		case 0:
			dt = "DTSTART:" + start.UTC().Format("20060102T150405Z")
		case 1:
			dt = "DTSTART:" + start.Format("20060102T150405")
		default:
			dt = "DTSTART;VALUE=DATE:" + start.Format("20060102")
		}
		events = append(events, vevent(dt, fmt.Sprintf("SUMMARY:e%d", i)))
	}

	got := testParser().Parse(calendar(events...))
	require.NotEmpty(t, got)
	for i, ev := range got {
		assert.False(t, ev.Start.Before(windowStart), "%s starts before window", ev.Summary)
		assert.True(t, ev.Start.Before(windowEnd), "%s starts after window", ev.Summary)
		if i > 0 {
			assert.False(t, ev.Start.Before(got[i-1].Start), "output not sorted at %d", i)
		}
	}
}

func TestParse_ConcurrentCallsAreIndependent(t *testing.T) {
	t.Parallel()

	text := calendar(
		vevent("DTSTART:20250102T100000Z", "SUMMARY:Folded ", " summary"),
		vevent("DTSTART:20250103", "SUMMARY:Second"),
	)
	p := testParser()

	var wg sync.WaitGroup
	results := make([][]model.Event, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Parse(text)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if diff := cmp.Diff(results[0], r); diff != "" {
			t.Fatalf("concurrent parse diverged (-first +other):\n%s", diff)
		}
	}
}

func TestParse_DefaultParserUsesWallClock(t *testing.T) {
	now := time.Now()
	tomorrow := now.AddDate(0, 0, 1)
	farOut := now.AddDate(0, 0, 120)

	text := calendar(
		vevent("DTSTART:"+tomorrow.Format("20060102T150405"), "SUMMARY:soon"),
		vevent("DTSTART:"+farOut.Format("20060102"), "SUMMARY:later"),
	)

	got := Parse(text)
	require.Len(t, got, 1)
	assert.Equal(t, "soon", got[0].Summary)
}
