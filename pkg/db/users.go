package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxListUsers caps ListUsers.
const MaxListUsers = 500

const userColumns = `id, display_name, email, bio, avatar_path, created_at, last_active_at`

// CreateUser inserts a user and returns its id. A display name already in use
// yields an error matching ErrDuplicate.
func (st *Store) CreateUser(ctx context.Context, in UserCreate) (int64, error) {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validateInput("create user", in); err != nil {
		return 0, err
	}
	now := st.timestamp()
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO users (display_name, email, bio, avatar_path, created_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id`,
			in.DisplayName, nullableString(in.Email), nullableString(in.Bio), nullableString(in.AvatarPath), now, now,
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("create user", err)
	}
	st.log.Debug("user created", "id", id)
	return id, nil
}

// GetUser returns the user with id, or nil if there is none.
func (st *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// GetUserByName returns the user with the given display name, or nil.
func (st *Store) GetUserByName(ctx context.Context, name string) (*User, error) {
	row := st.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE display_name = ?`, strings.TrimSpace(name))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", name, err)
	}
	return u, nil
}

// ListUsers returns up to limit users ordered by id. A limit outside
// 1..MaxListUsers is treated as MaxListUsers.
func (st *Store) ListUsers(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 || limit > MaxListUsers {
		limit = MaxListUsers
	}
	rows, err := st.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// CountUsers returns the number of users.
func (st *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// UpdateUser replaces the mutable fields of user id in place; id and
// created_at are preserved.
func (st *Store) UpdateUser(ctx context.Context, id int64, in UserUpdate) error {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validateInput("update user", in); err != nil {
		return err
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users SET display_name = ?, email = ?, bio = ?, avatar_path = ?
			WHERE id = ?`,
			in.DisplayName, nullableString(in.Email), nullableString(in.Bio), nullableString(in.AvatarPath), id)
		if err != nil {
			return err
		}
		return requireAffected(res, "user", id)
	})
	return wrapErr("update user", err)
}

// TouchUser sets last_active_at for user id.
func (st *Store) TouchUser(ctx context.Context, id int64, at time.Time) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET last_active_at = ? WHERE id = ?`, at.UTC(), id)
		if err != nil {
			return err
		}
		return requireAffected(res, "user", id)
	})
	return wrapErr("touch user", err)
}

// DeleteUser deletes user id. Language pairs, courses, lessons and review
// state owned by the user are removed with it. Deleting a missing user is a
// no-op.
func (st *Store) DeleteUser(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return err
	})
	if err != nil {
		return wrapErr("delete user", err)
	}
	st.log.Debug("user deleted", "id", id)
	return nil
}

// AddLanguagePair enrolls a user in a language pair and returns its id.
func (st *Store) AddLanguagePair(ctx context.Context, in LanguageCreate) (int64, error) {
	in.SourceLanguage = normalizeCode(in.SourceLanguage)
	in.TargetLanguage = normalizeCode(in.TargetLanguage)
	if err := validateInput("add language pair", in); err != nil {
		return 0, err
	}
	var id int64
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO language_pairs (user_id, source_language, target_language, created_at)
			VALUES (?, ?, ?, ?)
			RETURNING id`,
			in.UserID, in.SourceLanguage, in.TargetLanguage, st.timestamp(),
		).Scan(&id)
	})
	if err != nil {
		return 0, wrapErr("add language pair", err)
	}
	return id, nil
}

// ListLanguagePairs returns the language pairs of a user in creation order.
func (st *Store) ListLanguagePairs(ctx context.Context, userID int64) ([]LanguagePair, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT id, user_id, source_language, target_language, created_at
		FROM language_pairs WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list language pairs: %w", err)
	}
	defer rows.Close()

	var out []LanguagePair
	for rows.Next() {
		var p LanguagePair
		if err := rows.Scan(&p.ID, &p.UserID, &p.SourceLanguage, &p.TargetLanguage, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan language pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteLanguagePair removes one enrollment.
func (st *Store) DeleteLanguagePair(ctx context.Context, id int64) error {
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM language_pairs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, "language pair", id)
	})
	return wrapErr("delete language pair", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(r rowScanner) (*User, error) {
	var u User
	var email, bio, avatar sql.NullString
	var lastActive sql.NullTime
	if err := r.Scan(&u.ID, &u.DisplayName, &email, &bio, &avatar, &u.CreatedAt, &lastActive); err != nil {
		return nil, err
	}
	u.Email = email.String
	u.Bio = bio.String
	u.AvatarPath = avatar.String
	if lastActive.Valid {
		u.LastActiveAt = lastActive.Time
	} else {
		u.LastActiveAt = u.CreatedAt
	}
	return &u, nil
}

// requireAffected turns a zero-row update or delete into ErrNotFound.
func requireAffected(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

// normalizeCode trims and lower-cases a language code.
func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
