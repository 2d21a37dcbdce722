package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicate matches unique and primary key violations.
	ErrDuplicate = errors.New("duplicate")
	// ErrForeignKey matches violations of a REFERENCES clause.
	ErrForeignKey = errors.New("foreign key violation")
	// ErrInvalidInput is returned when input fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned by updates and deletes that match no row.
	// Lookups report absence as a nil result instead.
	ErrNotFound = errors.New("not found")
	// ErrReadOnlyQuery is returned by RawSelect for statements that are not pure reads.
	ErrReadOnlyQuery = errors.New("only read-only queries are allowed")
)

// ConstraintKind identifies the class of a constraint violation.
type ConstraintKind int

const (
	ConstraintOther ConstraintKind = iota
	ConstraintUnique
	ConstraintForeignKey
	ConstraintNotNull
	ConstraintCheck
)

func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintForeignKey:
		return "foreign key"
	case ConstraintNotNull:
		return "not null"
	case ConstraintCheck:
		return "check"
	}
	return "constraint"
}

// ConstraintError reports a constraint violation raised by the engine.
type ConstraintError struct {
	Op         string
	Kind       ConstraintKind
	Constraint string // e.g. "users.display_name"; empty for foreign keys
	Err        error
}

func (e *ConstraintError) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("%s: %s constraint violated", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s constraint violated on %s", e.Op, e.Kind, e.Constraint)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrDuplicate and ErrForeignKey.
func (e *ConstraintError) Is(target error) bool {
	switch target {
	case ErrDuplicate:
		return e.Kind == ConstraintUnique
	case ErrForeignKey:
		return e.Kind == ConstraintForeignKey
	}
	return false
}

// QueryError wraps a failure of an ad-hoc query.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string { return "query failed: " + e.Err.Error() }

func (e *QueryError) Unwrap() error { return e.Err }

// wrapErr classifies engine constraint errors and annotates everything else with op.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return &ConstraintError{
			Op:         op,
			Kind:       constraintKind(se.ExtendedCode),
			Constraint: constraintName(se.Error()),
			Err:        err,
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func constraintKind(code sqlite3.ErrNoExtended) ConstraintKind {
	switch code {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return ConstraintUnique
	case sqlite3.ErrConstraintForeignKey:
		return ConstraintForeignKey
	case sqlite3.ErrConstraintNotNull:
		return ConstraintNotNull
	case sqlite3.ErrConstraintCheck:
		return ConstraintCheck
	}
	return ConstraintOther
}

// constraintName extracts "table.col[, table.col]" from messages such as
// "UNIQUE constraint failed: users.display_name".
func constraintName(msg string) string {
	const marker = "constraint failed"
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(msg[i+len(marker):])
	return strings.TrimSpace(strings.TrimPrefix(rest, ":"))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateInput runs struct tag validation on v.
func validateInput(op string, v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidInput, err)
	}
	return nil
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool { return errors.Is(err, ErrDuplicate) }
