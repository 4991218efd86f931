// Package textnorm folds Vietnamese text for keyword matching.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips combining marks and maps đ to d so that
// "Hóa Đơn" and "hoa don" compare equal. Runs of whitespace collapse to one space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	out = strings.NewReplacer("đ", "d", "Đ", "d").Replace(out)
	return strings.Join(strings.Fields(out), " ")
}

// ContainsAny reports whether folded text contains any of the keywords.
// Keywords are folded before comparison.
func ContainsAny(folded string, keywords ...string) bool {
	for _, k := range keywords {
		if k == "" {
			continue
		}
		if strings.Contains(folded, Fold(k)) {
			return true
		}
	}
	return false
}
