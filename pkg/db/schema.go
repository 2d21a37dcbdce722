package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is written to PRAGMA user_version once EnsureSchema succeeds.
const SchemaVersion = 3

const tablesSQL = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    display_name TEXT NOT NULL,
    email TEXT,
    bio TEXT,
    avatar_path TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS language_pairs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    source_language TEXT NOT NULL,
    target_language TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (user_id, source_language, target_language)
);

CREATE TABLE IF NOT EXISTS languages (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS courses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    target_language TEXT NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    source_link TEXT,
    tags TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (target_language, title)
);

CREATE TABLE IF NOT EXISTS lessons (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    course_id INTEGER NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
    parent_lesson_id INTEGER REFERENCES lessons(id) ON DELETE SET NULL,
    title TEXT NOT NULL,
    description TEXT,
    text TEXT,
    source_link TEXT,
    tags TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (course_id, title)
);

CREATE TABLE IF NOT EXISTS dict_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    language TEXT NOT NULL,
    lemma TEXT NOT NULL,
    normalized TEXT,
    ipa TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (language, lemma)
);

CREATE TABLE IF NOT EXISTS dict_senses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id INTEGER NOT NULL REFERENCES dict_entries(id) ON DELETE CASCADE,
    pos TEXT,
    gloss TEXT,
    note TEXT,
    sense_order INTEGER NOT NULL,
    UNIQUE (entry_id, sense_order)
);

CREATE TABLE IF NOT EXISTS dict_translations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sense_id INTEGER NOT NULL REFERENCES dict_senses(id) ON DELETE CASCADE,
    target_language TEXT NOT NULL,
    translation TEXT NOT NULL,
    note TEXT,
    UNIQUE (sense_id, target_language, translation)
);

CREATE TABLE IF NOT EXISTS dict_examples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sense_id INTEGER NOT NULL REFERENCES dict_senses(id) ON DELETE CASCADE,
    example TEXT NOT NULL,
    translation TEXT,
    source TEXT
);

CREATE TABLE IF NOT EXISTS user_sense_states (
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sense_id INTEGER NOT NULL REFERENCES dict_senses(id) ON DELETE CASCADE,
    srs_level INTEGER NOT NULL DEFAULT 0,
    last_seen_at DATETIME,
    next_due_at DATETIME,
    PRIMARY KEY (user_id, sense_id)
);
`

// indexesSQL runs after column migrations so it may reference added columns.
// users.display_name is unique through an index rather than a column
// constraint so that user tables created without it can be upgraded.
const indexesSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_display_name ON users(display_name);
CREATE INDEX IF NOT EXISTS idx_language_pairs_user ON language_pairs(user_id);
CREATE INDEX IF NOT EXISTS idx_courses_user ON courses(user_id);
CREATE INDEX IF NOT EXISTS idx_lessons_course ON lessons(course_id);
CREATE INDEX IF NOT EXISTS idx_lessons_parent ON lessons(parent_lesson_id);
CREATE INDEX IF NOT EXISTS idx_dict_entries_normalized ON dict_entries(language, normalized);
CREATE INDEX IF NOT EXISTS idx_dict_senses_entry ON dict_senses(entry_id);
CREATE INDEX IF NOT EXISTS idx_dict_translations_sense ON dict_translations(sense_id);
CREATE INDEX IF NOT EXISTS idx_dict_translations_target ON dict_translations(target_language, translation);
CREATE INDEX IF NOT EXISTS idx_dict_examples_sense ON dict_examples(sense_id);
CREATE INDEX IF NOT EXISTS idx_user_sense_states_sense ON user_sense_states(sense_id);
CREATE INDEX IF NOT EXISTS idx_user_sense_states_due ON user_sense_states(user_id, next_due_at);
`

// columnMigration adds a column to a table created by an older version.
type columnMigration struct {
	table, column, definition string
}

// Only definitions accepted by ALTER TABLE ADD COLUMN belong here.
var columnMigrations = []columnMigration{
	{"users", "bio", "TEXT"},
	{"users", "avatar_path", "TEXT"},
	{"users", "last_active_at", "DATETIME"},
	{"lessons", "parent_lesson_id", "INTEGER REFERENCES lessons(id) ON DELETE SET NULL"},
	{"lessons", "tags", "TEXT"},
	{"courses", "tags", "TEXT"},
	{"dict_entries", "normalized", "TEXT"},
	{"dict_entries", "ipa", "TEXT"},
}

// backfills repair rows written before a migrated column existed.
var backfills = []string{
	`UPDATE users SET last_active_at = created_at WHERE last_active_at IS NULL`,
}

// execScript executes each ';'-separated statement of script.
func execScript(ctx context.Context, ex DBExecutor, script string) error {
	for _, s := range strings.Split(script, ";") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := ex.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// EnsureSchema creates missing tables, adds missing columns, creates indexes
// and seeds the language reference table. It is safe to call on every start.
func (st *Store) EnsureSchema(ctx context.Context) error {
	var added int
	var seeded int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := execScript(ctx, tx, tablesSQL); err != nil {
			return err
		}
		n, err := applyColumnMigrations(ctx, tx)
		if err != nil {
			return err
		}
		added = n
		for _, q := range backfills {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
		}
		if err := checkDisplayNames(ctx, tx); err != nil {
			return err
		}
		if err := execScript(ctx, tx, indexesSQL); err != nil {
			return err
		}
		seeded, err = seedLanguages(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	st.log.Debug("schema ensured", "version", SchemaVersion, "columns_added", added, "languages_added", seeded)
	return nil
}

// checkDisplayNames fails with ErrDuplicate when an older users table holds
// names the unique index would reject, listing a few of them.
func checkDisplayNames(ctx context.Context, ex DBExecutor) error {
	rows, err := ex.QueryContext(ctx, `
		SELECT display_name, COUNT(*) FROM users
		GROUP BY display_name HAVING COUNT(*) > 1
		ORDER BY display_name LIMIT 5`)
	if err != nil {
		return fmt.Errorf("check display names: %w", err)
	}
	defer rows.Close()
	var dups []string
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return fmt.Errorf("check display names: %w", err)
		}
		dups = append(dups, fmt.Sprintf("%q (%d rows)", name, n))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("check display names: %w", err)
	}
	if len(dups) > 0 {
		return fmt.Errorf("%w: users.display_name must be unique before upgrading; rename %s", ErrDuplicate, strings.Join(dups, ", "))
	}
	return nil
}

func applyColumnMigrations(ctx context.Context, ex DBExecutor) (int, error) {
	added := 0
	for _, m := range columnMigrations {
		cols, err := tableColumns(ctx, ex, m.table)
		if err != nil {
			return added, err
		}
		if cols[m.column] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.definition)
		if _, err := ex.ExecContext(ctx, q); err != nil {
			return added, fmt.Errorf("add column %s.%s: %w", m.table, m.column, err)
		}
		added++
	}
	return added, nil
}

// tableColumns returns the column names of table.
func tableColumns(ctx context.Context, ex DBExecutor, table string) (map[string]bool, error) {
	rows, err := ex.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	cols := map[string]bool{}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// SchemaVersionOf reads PRAGMA user_version.
func (st *Store) SchemaVersionOf(ctx context.Context) (int, error) {
	var v int
	if err := st.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}
