package normalize

import (
	"strings"
	"sync"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Japanese normalizes "ja" lemmas to their hiragana reading using the kagome
// IPA tokenizer, so that a kana prefix finds kanji lemmas. Other languages
// are folded with Fold. The tokenizer is built on first use.
type Japanese struct {
	once sync.Once
	t    *tokenizer.Tokenizer
	err  error
}

// NewJapanese returns a lazily initialized Japanese normalizer.
func NewJapanese() *Japanese {
	return &Japanese{}
}

func (j *Japanese) tok() (*tokenizer.Tokenizer, error) {
	j.once.Do(func() {
		j.t, j.err = tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	})
	return j.t, j.err
}

// Normalize implements Normalizer.
func (j *Japanese) Normalize(language, text string) string {
	if !strings.EqualFold(language, "ja") {
		return Fold(text)
	}
	reading, ok := j.Reading(text)
	if !ok {
		return Fold(text)
	}
	return reading
}

// Reading returns the hiragana reading of text. Tokens without a known
// reading contribute their folded surface form. ok is false if the tokenizer
// could not be built.
func (j *Japanese) Reading(text string) (string, bool) {
	t, err := j.tok()
	if err != nil {
		return "", false
	}

	var b strings.Builder
	for _, token := range t.Tokenize(strings.TrimSpace(text)) {
		if token.Class == tokenizer.DUMMY {
			continue
		}
		if strings.TrimSpace(token.Surface) == "" {
			continue
		}
		// IPA features: 7 is the katakana reading.
		features := token.Features()
		if len(features) > 7 && features[7] != "*" {
			b.WriteString(ToHiragana(features[7]))
			continue
		}
		b.WriteString(Fold(token.Surface))
	}
	return b.String(), true
}
