package db

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// readOnlyVerbs are the leading keywords RawSelect accepts.
var readOnlyVerbs = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"VALUES":  true,
	"EXPLAIN": true,
}

// RawSelect runs a single read-only statement supplied by a trusted
// administrative caller and returns its columns and rows. Anything but a
// single SELECT/WITH/VALUES/EXPLAIN statement is rejected with
// ErrReadOnlyQuery, and the statement runs on a connection switched to
// query_only so writes fail inside the engine as well.
//
// RawSelect bypasses every invariant of the store. It must not be reachable
// from an external interface without a separate authorization check.
func (st *Store) RawSelect(ctx context.Context, sqlText string) (*QueryResult, error) {
	q := strings.TrimSpace(sqlText)
	if err := checkReadOnly(q); err != nil {
		return nil, err
	}

	conn, err := st.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("raw select: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = ON`); err != nil {
		return nil, fmt.Errorf("raw select: %w", err)
	}
	defer func() {
		// The connection returns to the pool; restore write access.
		_, _ = conn.ExecContext(context.Background(), `PRAGMA query_only = OFF`)
	}()

	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, &QueryError{SQL: q, Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{SQL: q, Err: err}
	}
	result := &QueryResult{SQL: q, Columns: cols, Rows: []map[string]interface{}{}}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{SQL: q, Err: err}
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{SQL: q, Err: err}
	}
	return result, nil
}

// checkReadOnly rejects empty input, multiple statements and statements not
// starting with a read-only verb.
func checkReadOnly(q string) error {
	body, err := stripStatement(q)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("%w: empty statement", ErrReadOnlyQuery)
	}
	verb := body
	if i := strings.IndexFunc(body, func(r rune) bool { return !unicode.IsLetter(r) }); i >= 0 {
		verb = body[:i]
	}
	if !readOnlyVerbs[strings.ToUpper(verb)] {
		return fmt.Errorf("%w: %q statements are not allowed", ErrReadOnlyQuery, strings.ToUpper(verb))
	}
	return nil
}

// stripStatement removes comments and a single trailing ';' and fails when
// more than one statement is present. Quoted text is skipped.
func stripStatement(q string) (string, error) {
	var b strings.Builder
	n := len(q)
	ended := false
	for i := 0; i < n; i++ {
		c := q[i]
		switch {
		case c == '-' && i+1 < n && q[i+1] == '-':
			for i < n && q[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
			continue
		case c == '/' && i+1 < n && q[i+1] == '*':
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated comment", ErrReadOnlyQuery)
			}
			i += end + 3
			b.WriteByte(' ')
			continue
		case c == ';':
			ended = true
			continue
		case unicode.IsSpace(rune(c)):
			if !ended {
				b.WriteByte(c)
			}
			continue
		}
		if ended {
			return "", fmt.Errorf("%w: multiple statements", ErrReadOnlyQuery)
		}
		if c == '\'' || c == '"' || c == '`' || c == '[' {
			closing := c
			if c == '[' {
				closing = ']'
			}
			j := i + 1
			for j < n && q[j] != closing {
				j++
			}
			if j >= n {
				return "", fmt.Errorf("%w: unterminated quote", ErrReadOnlyQuery)
			}
			b.WriteString(q[i : j+1])
			i = j
			continue
		}
		b.WriteByte(c)
	}
	return strings.TrimSpace(b.String()), nil
}
