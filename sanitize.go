package caravan

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars strips zero-width and directional-override characters
// that providers sometimes leak into model output and that make stored
// logs unstable across backends.
var zeroWidthChars = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"\uFEFF", "", // BOM
	"⁠", "", // word joiner
	"‪", "", // LTR embedding
	"‫", "", // RTL embedding
	"‬", "", // pop directional
	"‭", "", // LTR override
	"‮", "", // RTL override
)

// sanitizeText normalizes text before it is written to session memory:
// NFC normalization, zero-width stripping, and removal of control
// characters other than newline and tab.
func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	s = zeroWidthChars.Replace(s)
	s = norm.NFC.String(s)

	needsFilter := false
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			needsFilter = true
			break
		}
	}
	if !needsFilter {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
