// Package security holds filename hygiene helpers for components that
// create files or directories named after run identifiers.
package security

import "strings"

// SanitizeFilename maps an arbitrary identifier (a grid point key, a
// lattice name) onto a string safe to embed in a file or directory name.
// Anything outside ASCII letters, digits, dot, underscore and dash becomes
// a single underscore, and the result is length-capped.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
