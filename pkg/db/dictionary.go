package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/japaniel/impara/pkg/normalize"
)

const entryColumns = `id, language, lemma, normalized, ipa, created_at`

// Search limits.
const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 500
)

// UpsertEntry inserts an entry or, when (language, lemma) exists, refreshes
// its normalized form and fills in a missing IPA. It returns the entry id.
// in.Normalized is stored as given.
func UpsertEntry(ctx context.Context, ex DBExecutor, in EntryInput, createdAt time.Time) (int64, error) {
	in.Language = normalizeCode(in.Language)
	in.Lemma = strings.TrimSpace(in.Lemma)
	if err := validateInput("upsert entry", in); err != nil {
		return 0, err
	}
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO dict_entries (language, lemma, normalized, ipa, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(language, lemma) DO UPDATE SET
		  normalized = COALESCE(excluded.normalized, dict_entries.normalized),
		  ipa = COALESCE(excluded.ipa, dict_entries.ipa)
		RETURNING id`,
		in.Language, in.Lemma, nullableString(in.Normalized), nullableString(in.IPA), createdAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert entry", err)
	}
	return id, nil
}

// UpsertSense inserts a sense at in.Order, or updates the sense already at
// that position. in.Order must be positive.
func UpsertSense(ctx context.Context, ex DBExecutor, entryID int64, in SenseInput) (int64, error) {
	if in.Order <= 0 {
		return 0, fmt.Errorf("upsert sense: %w: order must be positive", ErrInvalidInput)
	}
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO dict_senses (entry_id, pos, gloss, note, sense_order)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id, sense_order) DO UPDATE SET
		  pos = excluded.pos, gloss = excluded.gloss, note = excluded.note
		RETURNING id`,
		entryID, nullableString(in.POS), nullableString(in.Gloss), nullableString(in.Note), in.Order,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert sense", err)
	}
	return id, nil
}

// UpsertTranslation inserts a translation or returns the id of the identical
// one already stored.
func UpsertTranslation(ctx context.Context, ex DBExecutor, senseID int64, in TranslationInput) (int64, error) {
	in.TargetLanguage = normalizeCode(in.TargetLanguage)
	in.Translation = strings.TrimSpace(in.Translation)
	if err := validateInput("upsert translation", in); err != nil {
		return 0, err
	}
	var id int64
	err := ex.QueryRowContext(ctx, `
		INSERT INTO dict_translations (sense_id, target_language, translation, note)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sense_id, target_language, translation) DO UPDATE SET
		  note = COALESCE(excluded.note, dict_translations.note)
		RETURNING id`,
		senseID, in.TargetLanguage, in.Translation, nullableString(in.Note),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert translation", err)
	}
	return id, nil
}

// UpsertEntry normalizes in.Lemma when in.Normalized is empty and upserts
// the entry.
func (st *Store) UpsertEntry(ctx context.Context, in EntryInput) (int64, error) {
	if in.Normalized == "" {
		in.Normalized = st.norm.Normalize(normalizeCode(in.Language), in.Lemma)
	}
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = UpsertEntry(ctx, tx, in, st.timestamp())
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetEntry returns entry id, or nil.
func (st *Store) GetEntry(ctx context.Context, id int64) (*DictEntry, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dict_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %d: %w", id, err)
	}
	return e, nil
}

// FindEntry returns the entry for (language, lemma), or nil.
func (st *Store) FindEntry(ctx context.Context, language, lemma string) (*DictEntry, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dict_entries WHERE language = ? AND lemma = ?`,
		normalizeCode(language), strings.TrimSpace(lemma))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find entry %s/%s: %w", language, lemma, err)
	}
	return e, nil
}

// Search returns entries of language whose normalized form or lemma starts
// with prefix, ordered by lemma. The prefix is normalized the same way as
// lemmas, so matching ignores case and diacritics.
func (st *Store) Search(ctx context.Context, language, prefix string, limit int) ([]DictEntry, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	language = normalizeCode(language)
	normPattern := normalize.EscapeLike(st.norm.Normalize(language, prefix)) + "%"
	lemmaPattern := normalize.EscapeLike(strings.TrimSpace(prefix)) + "%"

	rows, err := st.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM dict_entries
		WHERE language = ?
		  AND (normalized LIKE ? ESCAPE '\' OR lemma LIKE ? ESCAPE '\')
		ORDER BY lemma, id
		LIMIT ?`, language, normPattern, lemmaPattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search %s/%q: %w", language, prefix, err)
	}
	defer rows.Close()
	var out []DictEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DeleteEntry deletes an entry. Its senses, their translations, examples and
// review states are removed in the same transaction by the engine.
func (st *Store) DeleteEntry(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dict_entries WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "entry", id)
	})
	return wrapErr("delete entry", err)
}

// AddSense adds a sense to an entry and returns its id. With in.Order <= 0
// the sense is appended after the highest existing order.
func (st *Store) AddSense(ctx context.Context, entryID int64, in SenseInput) (int64, error) {
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if in.Order > 0 {
			return tx.QueryRowContext(ctx, `
				INSERT INTO dict_senses (entry_id, pos, gloss, note, sense_order)
				VALUES (?, ?, ?, ?, ?)
				RETURNING id`,
				entryID, nullableString(in.POS), nullableString(in.Gloss), nullableString(in.Note), in.Order,
			).Scan(&id)
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO dict_senses (entry_id, pos, gloss, note, sense_order)
			VALUES (?, ?, ?, ?, COALESCE((SELECT MAX(sense_order) FROM dict_senses WHERE entry_id = ?), 0) + 1)
			RETURNING id`,
			entryID, nullableString(in.POS), nullableString(in.Gloss), nullableString(in.Note), entryID,
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("add sense", err)
	}
	return id, nil
}

// ListSenses returns the senses of an entry by order.
func (st *Store) ListSenses(ctx context.Context, entryID int64) ([]DictSense, error) {
	return listSenses(ctx, st.db, entryID)
}

// DeleteSense deletes a sense with its translations, examples and review states.
func (st *Store) DeleteSense(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dict_senses WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "sense", id)
	})
	return wrapErr("delete sense", err)
}

// AddTranslation adds a translation to a sense and returns its id. An
// identical (target_language, translation) on the same sense yields an error
// matching ErrDuplicate.
func (st *Store) AddTranslation(ctx context.Context, senseID int64, in TranslationInput) (int64, error) {
	in.TargetLanguage = normalizeCode(in.TargetLanguage)
	in.Translation = strings.TrimSpace(in.Translation)
	if err := validateInput("add translation", in); err != nil {
		return 0, err
	}
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO dict_translations (sense_id, target_language, translation, note)
			VALUES (?, ?, ?, ?)
			RETURNING id`,
			senseID, in.TargetLanguage, in.Translation, nullableString(in.Note),
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("add translation", err)
	}
	return id, nil
}

// FindTranslations returns translations in targetLanguage whose text equals
// text, across all senses.
func (st *Store) FindTranslations(ctx context.Context, targetLanguage, text string) ([]DictTranslation, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, sense_id, target_language, translation, note
		FROM dict_translations WHERE target_language = ? AND translation = ?
		ORDER BY id`, normalizeCode(targetLanguage), strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("find translations: %w", err)
	}
	defer rows.Close()
	return scanTranslations(rows)
}

// AddExample adds an example sentence to a sense and returns its id.
func (st *Store) AddExample(ctx context.Context, senseID int64, in ExampleInput) (int64, error) {
	in.Example = strings.TrimSpace(in.Example)
	if err := validateInput("add example", in); err != nil {
		return 0, err
	}
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO dict_examples (sense_id, example, translation, source)
			VALUES (?, ?, ?, ?)
			RETURNING id`,
			senseID, in.Example, nullableString(in.Translation), nullableString(in.Source),
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("add example", err)
	}
	return id, nil
}

// GetEntryDetail returns an entry with its senses, translations and
// examples, or nil when the entry does not exist. All rows are read from one
// snapshot.
func (st *Store) GetEntryDetail(ctx context.Context, id int64) (*EntryDetail, error) {
	tx, err := st.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("entry detail: %w", err)
	}
	defer tx.Rollback()

	e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dict_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entry detail %d: %w", id, err)
	}

	senses, err := listSenses(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	detail := &EntryDetail{DictEntry: *e}
	index := make(map[int64]int, len(senses))
	for i, s := range senses {
		detail.Senses = append(detail.Senses, SenseDetail{DictSense: s})
		index[s.ID] = i
	}

	trows, err := tx.QueryContext(ctx, `
		SELECT t.id, t.sense_id, t.target_language, t.translation, t.note
		FROM dict_translations t JOIN dict_senses s ON s.id = t.sense_id
		WHERE s.entry_id = ? ORDER BY t.id`, id)
	if err != nil {
		return nil, fmt.Errorf("entry detail translations: %w", err)
	}
	translations, err := scanTranslations(trows)
	trows.Close()
	if err != nil {
		return nil, err
	}
	for _, t := range translations {
		i := index[t.SenseID]
		detail.Senses[i].Translations = append(detail.Senses[i].Translations, t)
	}

	erows, err := tx.QueryContext(ctx, `
		SELECT x.id, x.sense_id, x.example, x.translation, x.source
		FROM dict_examples x JOIN dict_senses s ON s.id = x.sense_id
		WHERE s.entry_id = ? ORDER BY x.id`, id)
	if err != nil {
		return nil, fmt.Errorf("entry detail examples: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var x DictExample
		var tr, src sql.NullString
		if err := erows.Scan(&x.ID, &x.SenseID, &x.Example, &tr, &src); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		x.Translation = tr.String
		x.Source = src.String
		i := index[x.SenseID]
		detail.Senses[i].Examples = append(detail.Senses[i].Examples, x)
	}
	if err := erows.Err(); err != nil {
		return nil, err
	}
	return detail, nil
}

func listSenses(ctx context.Context, ex DBExecutor, entryID int64) ([]DictSense, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT id, entry_id, pos, gloss, note, sense_order
		FROM dict_senses WHERE entry_id = ? ORDER BY sense_order`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list senses: %w", err)
	}
	defer rows.Close()
	var out []DictSense
	for rows.Next() {
		var s DictSense
		var pos, gloss, note sql.NullString
		if err := rows.Scan(&s.ID, &s.EntryID, &pos, &gloss, &note, &s.Order); err != nil {
			return nil, fmt.Errorf("scan sense: %w", err)
		}
		s.POS = pos.String
		s.Gloss = gloss.String
		s.Note = note.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanTranslations(rows *sql.Rows) ([]DictTranslation, error) {
	var out []DictTranslation
	for rows.Next() {
		var t DictTranslation
		var note sql.NullString
		if err := rows.Scan(&t.ID, &t.SenseID, &t.TargetLanguage, &t.Translation, &note); err != nil {
			return nil, fmt.Errorf("scan translation: %w", err)
		}
		t.Note = note.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEntry(r rowScanner) (*DictEntry, error) {
	var e DictEntry
	var norm, ipa sql.NullString
	if err := r.Scan(&e.ID, &e.Language, &e.Lemma, &norm, &ipa, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Normalized = norm.String
	e.IPA = ipa.String
	return &e, nil
}
