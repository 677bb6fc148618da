// Package guard implements the input side of the gateway: text
// normalization, adversarial signature matching, protected-name detection,
// and the gate that composes them into a single pass/block decision.
package guard

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// confusables maps look-alike characters from other scripts onto their
// plain-Latin counterparts. The table holds lowercase forms only: case
// folding runs first, so every uppercase confusable (Greek Ο, Cyrillic І)
// arrives here already lowered. Applied before digit substitution; some
// look-alikes are digits in their home script, so that order matters too.
var confusables = map[rune]rune{
	// Cyrillic
	'а': 'a', 'в': 'b', 'е': 'e', 'і': 'i', 'к': 'k', 'м': 'm', 'н': 'h',
	'о': 'o', 'р': 'p', 'с': 'c', 'т': 't', 'у': 'y', 'х': 'x', 'ѕ': 's', 'ј': 'j',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'η': 'n', 'ι': 'i', 'κ': 'k', 'ν': 'v',
	'ο': 'o', 'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x',
	// IPA look-alikes
	'ɑ': 'a', 'ɡ': 'g', 'ɩ': 'i', 'ɪ': 'i',
}

// digitSubstitutions reverses leetspeak-style digit-for-letter swaps.
// 2 and 6 are deliberately absent: they have no single canonical letter.
var digitSubstitutions = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '8': 'b', '9': 'g',
}

// Normalize maps text to its canonical matching form: NFKC fold (collapses
// fullwidth and compatibility forms), case fold, confusable-script
// substitution, then digit substitution. Case folding must precede the
// confusable pass: an uppercase confusable would otherwise lower into its
// mapped form only on a second call, and matching on the once-normalized
// text would miss it. Deterministic, total, and idempotent; there is no
// error path.
func Normalize(text string) string {
	folded := strings.ToLower(norm.NFKC.String(text))

	deconfused := strings.Map(func(r rune) rune {
		if mapped, ok := confusables[r]; ok {
			return mapped
		}
		return r
	}, folded)

	return strings.Map(func(r rune) rune {
		if mapped, ok := digitSubstitutions[r]; ok {
			return mapped
		}
		return r
	}, deconfused)
}
