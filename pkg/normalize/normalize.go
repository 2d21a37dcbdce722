// Package normalize derives the search form stored alongside dictionary lemmas.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer produces the search form for a lemma in a given language.
type Normalizer interface {
	Normalize(language, text string) string
}

// Func adapts a plain function to Normalizer.
type Func func(language, text string) string

func (f Func) Normalize(language, text string) string { return f(language, text) }

// Default folds case and diacritics and maps katakana to hiragana.
var Default Normalizer = Func(func(_, text string) string { return Fold(text) })

// Fold returns text with combining marks removed, case folded and katakana
// mapped to hiragana, e.g. "Café" -> "cafe", "ネコ" -> "ねこ".
func Fold(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	// transform.Chain is stateful; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isStrippedMark)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	return ToHiragana(cases.Fold().String(stripped))
}

// isStrippedMark reports combining marks removed by Fold. Kana voicing marks
// are kept so that NFC can recompose them.
func isStrippedMark(r rune) bool {
	return unicode.Is(unicode.Mn, r) && r != 0x3099 && r != 0x309A
}

// ToHiragana converts Katakana to Hiragana.
func ToHiragana(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if r >= 0x30A1 && r <= 0x30F6 {
			runes[i] = r - 0x60
		}
	}
	return string(runes)
}

// EscapeLike escapes LIKE wildcards using '\' as the escape character.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
