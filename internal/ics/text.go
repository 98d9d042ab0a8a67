package ics

import "strings"

// DecodeText unescapes an iCalendar TEXT value. The replacements run in
// sequence and `\\` goes last.
func DecodeText(text string) string {
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = strings.ReplaceAll(text, `\,`, ",")
	text = strings.ReplaceAll(text, `\;`, ";")
	text = strings.ReplaceAll(text, `\\`, `\`)
	return text
}

