// Package sanitize cleans free text before it is stored in the trial
// registry and handed back to CLI and MCP clients.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxMessageLength is the longest stored failure message, in runes.
const MaxMessageLength = 2000

var reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)

// Message makes an error message safe to store: control characters other
// than newline and tab are dropped, runs of blank lines collapse, and the
// result is trimmed and cut to MaxMessageLength runes with a trailing
// ellipsis.
func Message(input string) string {
	if input == "" {
		return ""
	}
	s := strings.ToValidUTF8(input, "�")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = stripControlChars(s)
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > MaxMessageLength {
		runes := []rune(s)
		s = string(runes[:MaxMessageLength-1]) + "…"
	}
	return s
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
