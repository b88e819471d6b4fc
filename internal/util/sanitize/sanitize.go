package sanitize

import (
	"strings"
	"unicode"
)

// Title sanitizes an actor or group title by removing control
// characters and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Text strips control characters (other than newline and tab) from a
// chat message body before it is considered for markdown rendering or
// PTY injection. Unlike Title it preserves internal whitespace
// structure and does not trim or bound the length; callers enforce
// MAX_EVENT_BYTES separately.
func Text(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
