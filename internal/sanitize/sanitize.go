// Package sanitize normalises and validates user-supplied chat text before it
// is persisted or broadcast.
package sanitize

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxMessageLength bounds a chat message in runes after normalisation.
const MaxMessageLength = 500

// Clean returns the canonical form of a chat message: NFC-normalised, control
// characters stripped, surrounding whitespace trimmed and inner runs of
// whitespace collapsed to a single space. Empty and oversized messages are
// rejected.
func Clean(text string) (string, error) {
	normalised := norm.NFC.String(text)
	var builder strings.Builder
	builder.Grow(len(normalised))
	space := false
	for _, r := range normalised {
		if unicode.IsControl(r) && r != '\n' {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		space = false
		builder.WriteRune(r)
	}
	cleaned := builder.String()
	if cleaned == "" {
		return "", fmt.Errorf("message cannot be empty")
	}
	if length := len([]rune(cleaned)); length > MaxMessageLength {
		return "", fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	return cleaned, nil
}
