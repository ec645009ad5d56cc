package store

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonWordRe  = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	multiSpace = regexp.MustCompile(`\s+`)
)

// stripMarks removes combining diacritics after decomposition, so
// "München" and "Munchen" normalise alike.
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName folds a name for comparison: diacritics stripped, lower
// case, punctuation replaced by spaces, whitespace collapsed.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = strings.ToLower(stripMarks(name))
	name = strings.ReplaceAll(name, "&", " and ")
	name = nonWordRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(name, " "))
}

// stopwords are too common in institution and program names to narrow a
// candidate search.
var stopwords = map[string]bool{
	"university": true, "universitat": true, "universiteit": true, "universite": true,
	"college": true, "institute": true, "school": true, "hochschule": true,
	"science": true, "sciences": true, "applied": true, "master": true,
	"bachelor": true, "with": true, "from": true, "program": true, "programme": true,
	"studies": true, "technology": true,
}

// significantTokens returns up to n of the longest distinctive words of
// name, lower-cased but with diacritics kept so they still match the stored
// text under ILIKE.
func significantTokens(name string, n int) []string {
	seen := map[string]bool{}
	var toks []string
	for _, w := range nonWordRe.Split(strings.ToLower(name), -1) {
		if utf8.RuneCountInString(w) < 4 || seen[w] || stopwords[stripMarks(w)] {
			continue
		}
		seen[w] = true
		toks = append(toks, w)
	}
	slices.SortStableFunc(toks, func(a, b string) int {
		return cmp.Compare(utf8.RuneCountInString(b), utf8.RuneCountInString(a))
	})
	if len(toks) > n {
		toks = toks[:n]
	}
	return toks
}
