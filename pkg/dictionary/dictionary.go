package dictionary

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/japaniel/impara/pkg/db"
	"github.com/japaniel/impara/pkg/normalize"
)

// Language is the dictionary language of JMdict entries.
const Language = "ja"

// JMdictEntry matches the structure of jmdict-simplified entries.
type JMdictEntry struct {
	Id    string          `json:"id"`
	Kanji []JMdictElement `json:"kanji"`
	Kana  []JMdictElement `json:"kana"`
	Sense []JMdictSense   `json:"sense"`
}

type JMdictElement struct {
	Text   string   `json:"text"`
	Common bool     `json:"common"`
	Tags   []string `json:"tags"`
}

type JMdictSense struct {
	PartOfSpeech []string      `json:"partOfSpeech"`
	Gloss        []JMdictGloss `json:"gloss"`
}

type JMdictGloss struct {
	Text string `json:"text"`
	Lang string `json:"lang"` // defaults to 'eng' if missing
}

// LoadJMdictSimplified reads a JSON file, either { "words": [...] } or a bare
// array of entries.
func LoadJMdictSimplified(path string) ([]JMdictEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var wrapped struct {
		Words []JMdictEntry `json:"words"`
	}
	dec := json.NewDecoder(f)
	if err := dec.Decode(&wrapped); err == nil && len(wrapped.Words) > 0 {
		return wrapped.Words, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var entries []JMdictEntry
	dec = json.NewDecoder(f)
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary as object or array: %w", err)
	}
	return entries, nil
}

// Record is one dictionary entry ready to be written: the entry, its kana
// reading and its senses in order.
type Record struct {
	Entry   db.EntryInput
	Reading string
	Senses  []SenseRecord
	// SourceIDs lists the JMdict ids merged into this record.
	SourceIDs []string
}

// SenseRecord is a sense with its translations.
type SenseRecord struct {
	Sense        db.SenseInput
	Translations []db.TranslationInput
}

// Headword picks the lemma of an entry: the first common kanji form, else
// the first kanji form, else the same rule over kana forms.
func Headword(e JMdictEntry) string {
	if w := pick(e.Kanji); w != "" {
		return w
	}
	return pick(e.Kana)
}

// Reading returns the preferred kana form of an entry in hiragana.
func Reading(e JMdictEntry) string {
	return normalize.ToHiragana(pick(e.Kana))
}

func pick(els []JMdictElement) string {
	for _, el := range els {
		if el.Common && strings.TrimSpace(el.Text) != "" {
			return strings.TrimSpace(el.Text)
		}
	}
	for _, el := range els {
		if t := strings.TrimSpace(el.Text); t != "" {
			return t
		}
	}
	return ""
}

// glossLanguage maps JMdict three-letter codes to the codes used by the store.
var glossLanguage = map[string]string{
	"eng": "en",
	"ger": "de",
	"fre": "fr",
	"spa": "es",
	"rus": "ru",
	"dut": "nl",
	"hun": "hu",
	"slv": "sl",
	"swe": "sv",
}

// GlossLanguage converts a JMdict gloss language to a store language code.
// An empty code means English.
func GlossLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "en"
	}
	if code, ok := glossLanguage[lang]; ok {
		return code
	}
	return lang
}

// ToRecords converts entries into records. Entries sharing a headword are
// merged into one record with their senses concatenated in input order, so
// the result is deterministic for a given file. Entries without a headword
// or without glosses are skipped.
func ToRecords(entries []JMdictEntry) []Record {
	var out []Record
	byLemma := make(map[string]int)
	for _, e := range entries {
		lemma := Headword(e)
		if lemma == "" {
			continue
		}
		senses := toSenses(e.Sense)
		if len(senses) == 0 {
			continue
		}
		if i, ok := byLemma[lemma]; ok {
			out[i].Senses = append(out[i].Senses, senses...)
			out[i].SourceIDs = append(out[i].SourceIDs, e.Id)
			if out[i].Reading == "" {
				out[i].Reading = Reading(e)
			}
			continue
		}
		byLemma[lemma] = len(out)
		out = append(out, Record{
			Entry:     db.EntryInput{Language: Language, Lemma: lemma},
			Reading:   Reading(e),
			Senses:    senses,
			SourceIDs: []string{e.Id},
		})
	}
	for i := range out {
		for j := range out[i].Senses {
			out[i].Senses[j].Sense.Order = j + 1
		}
	}
	return out
}

func toSenses(senses []JMdictSense) []SenseRecord {
	var out []SenseRecord
	for _, s := range senses {
		var english []string
		var translations []db.TranslationInput
		seen := make(map[string]bool)
		for _, g := range s.Gloss {
			text := strings.TrimSpace(g.Text)
			if text == "" {
				continue
			}
			lang := GlossLanguage(g.Lang)
			if lang == "en" {
				english = append(english, text)
			}
			key := lang + "\x00" + text
			if seen[key] {
				continue
			}
			seen[key] = true
			translations = append(translations, db.TranslationInput{TargetLanguage: lang, Translation: text})
		}
		if len(translations) == 0 {
			continue
		}
		out = append(out, SenseRecord{
			Sense: db.SenseInput{
				POS:   strings.Join(s.PartOfSpeech, ", "),
				Gloss: strings.Join(english, "; "),
			},
			Translations: translations,
		})
	}
	return out
}
