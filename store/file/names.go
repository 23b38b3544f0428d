package file

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxNameLen = 120

// sanitizeName renders an arbitrary string safe as a file name component:
// NFC-normalized, path separators and control characters replaced with '_',
// length-bounded. The result is never empty.
func sanitizeName(name string) string {
	name = norm.NFKC.String(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			b.WriteRune('_')
		case unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "unnamed"
	}
	if runes := []rune(out); len(runes) > maxNameLen {
		out = string(runes[:maxNameLen])
	}
	return out
}
