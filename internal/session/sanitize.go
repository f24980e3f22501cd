// ABOUTME: Maps caller-supplied session identifiers onto a filesystem and key safe alphabet
// ABOUTME: The mapping is total and idempotent

package session

import "strings"

// DefaultID is used when sanitizing leaves nothing.
const DefaultID = "default"

// Sanitize replaces every rune outside [A-Za-z0-9_-] with '_', strips
// leading and trailing '_' and '-', and falls back to DefaultID when the
// result is empty.
func Sanitize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "_-")
	if s == "" {
		return DefaultID
	}
	return s
}
