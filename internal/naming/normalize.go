// SPDX-License-Identifier: MIT

package naming

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// digitWords maps single-digit numerals to their spelled-out forms so that
// "Part 2" and "Part Two" tokenize identically.
var digitWords = map[string]string{
	"0": "zero", "1": "one", "2": "two", "3": "three", "4": "four",
	"5": "five", "6": "six", "7": "seven", "8": "eight", "9": "nine",
	"10": "ten",
}

var apostropheReplacer = strings.NewReplacer(
	"’", "'", // right single quote
	"‘", "'", // left single quote
	"ʼ", "'", // modifier letter apostrophe
)

// NormalizeTitle produces the canonical lookup form of a title: NFC,
// lowercase, punctuation stripped, whitespace collapsed. Used as title_norm
// in the cache and for decision keys.
func NormalizeTitle(s string) string {
	s = norm.NFC.String(apostropheReplacer.Replace(s))
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
		// Punctuation is dropped entirely.
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize splits a title into matching tokens: case- and punctuation-
// insensitive, NFC, apostrophe variants collapsed, single digits folded to
// their word forms.
func Tokenize(s string) []string {
	fields := strings.Fields(NormalizeTitle(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, "'", "")
		if w, ok := digitWords[f]; ok {
			f = w
		}
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// TokenSet converts tokens to a set for overlap scoring.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// MatchScore scores two token lists as |A∩B| / max(|A|,|B|) over the token
// sets. Empty input scores zero.
func MatchScore(a, b []string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	maxLen := len(setA)
	if len(setB) > maxLen {
		maxLen = len(setB)
	}
	return float64(inter) / float64(maxLen)
}

// NaturalLess compares two strings ordering embedded numeric runs
// numerically and the rest case-insensitively ("S2" < "S10").
func NaturalLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	i, j := 0, 0
	for i < len(la) && j < len(lb) {
		ca, cb := la[i], lb[j]
		if isDigit(ca) && isDigit(cb) {
			// Compare the full numeric runs.
			si, sj := i, j
			for i < len(la) && isDigit(la[i]) {
				i++
			}
			for j < len(lb) && isDigit(lb[j]) {
				j++
			}
			na := strings.TrimLeft(la[si:i], "0")
			nb := strings.TrimLeft(lb[sj:j], "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	if len(la)-i != len(lb)-j {
		return len(la)-i < len(lb)-j
	}
	return a < b
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
