// Package match decides whether what the camera saw and what the player
// said both fit the prompt letter.
package match

import (
	"strings"

	"golang.org/x/text/cases"
)

// A Caser keeps state between calls, so each call gets its own.
func normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Matches reports whether detectedLabel and spokenText both start with
// letter, ignoring case and surrounding whitespace.
func Matches(letter, detectedLabel, spokenText string) bool {
	prefix := normalize(letter)
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(normalize(detectedLabel), prefix) &&
		strings.HasPrefix(normalize(spokenText), prefix)
}
