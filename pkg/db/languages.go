package db

import (
	"context"
	"fmt"
)

// SeedLanguages is the static ISO 639-1 reference list written by EnsureSchema.
var SeedLanguages = []LanguageRef{
	{"af", "Afrikaans"},
	{"ar", "Arabic"},
	{"bg", "Bulgarian"},
	{"bn", "Bengali"},
	{"ca", "Catalan"},
	{"cs", "Czech"},
	{"da", "Danish"},
	{"de", "German"},
	{"el", "Greek"},
	{"en", "English"},
	{"es", "Spanish"},
	{"et", "Estonian"},
	{"fa", "Persian"},
	{"fi", "Finnish"},
	{"fr", "French"},
	{"he", "Hebrew"},
	{"hi", "Hindi"},
	{"hr", "Croatian"},
	{"hu", "Hungarian"},
	{"id", "Indonesian"},
	{"it", "Italian"},
	{"ja", "Japanese"},
	{"ko", "Korean"},
	{"lt", "Lithuanian"},
	{"lv", "Latvian"},
	{"ms", "Malay"},
	{"nl", "Dutch"},
	{"no", "Norwegian"},
	{"pl", "Polish"},
	{"pt", "Portuguese"},
	{"ro", "Romanian"},
	{"ru", "Russian"},
	{"sk", "Slovak"},
	{"sl", "Slovenian"},
	{"sr", "Serbian"},
	{"sv", "Swedish"},
	{"sw", "Swahili"},
	{"ta", "Tamil"},
	{"th", "Thai"},
	{"tl", "Tagalog"},
	{"tr", "Turkish"},
	{"uk", "Ukrainian"},
	{"ur", "Urdu"},
	{"vi", "Vietnamese"},
	{"zh", "Chinese"},
}

// seedLanguages inserts the SeedLanguages rows that are missing and returns
// how many were added. Existing codes are left as they are.
func seedLanguages(ctx context.Context, ex DBExecutor) (int64, error) {
	var changed int64
	for _, l := range SeedLanguages {
		res, err := ex.ExecContext(ctx, `
			INSERT OR IGNORE INTO languages (code, name) VALUES (?, ?)`, l.Code, l.Name)
		if err != nil {
			return changed, fmt.Errorf("seed language %s: %w", l.Code, err)
		}
		n, _ := res.RowsAffected()
		changed += n
	}
	return changed, nil
}

// ListLanguageRefs returns the language reference table ordered by name.
func (st *Store) ListLanguageRefs(ctx context.Context) ([]LanguageRef, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT code, name FROM languages ORDER BY name ASC, code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	defer rows.Close()
	var out []LanguageRef
	for rows.Next() {
		var l LanguageRef
		if err := rows.Scan(&l.Code, &l.Name); err != nil {
			return nil, fmt.Errorf("scan language: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
