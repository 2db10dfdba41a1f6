package auth

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername maps a raw username to its canonical stored form:
// surrounding whitespace trimmed, compatibility-decomposed (NFKC), then
// case-folded. "Café", "café" and the fullwidth "ｃａｆé" all collapse to
// the same account name.
func NormalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	s = norm.NFKC.String(s)
	return cases.Fold().String(s)
}
