package stream

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// Clean makes one raw line safe for text sinks. Invalid UTF-8 becomes
// U+FFFD, terminal escape sequences are removed, NULs are dropped, other
// control characters except tab are written as \xNN, and surrounding
// whitespace is trimmed. The result never contains ESC.
func Clean(raw string) string {
	s := strings.ToValidUTF8(raw, "�")
	s = escapeControls(s, func(r rune) bool { return r == 0x1b || r == 0x07 || r == '\t' })

	// Tabs are text here, not something for the escape parser to judge.
	parts := strings.Split(s, "\t")
	for i, p := range parts {
		parts[i] = ansi.Strip(p)
	}
	s = strings.Join(parts, "\t")

	s = escapeControls(s, func(r rune) bool { return r == '\t' })
	return strings.TrimSpace(s)
}

func escapeControls(s string, keep func(rune) bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0:
		case keep(r) || r == ' ' || unicode.IsPrint(r):
			sb.WriteRune(r)
		case r < 0x100:
			fmt.Fprintf(&sb, `\x%02x`, r)
		default:
			fmt.Fprintf(&sb, `\u%04x`, r)
		}
	}
	return sb.String()
}
