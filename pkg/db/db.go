package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/japaniel/impara/pkg/logger"
	"github.com/japaniel/impara/pkg/normalize"

	_ "github.com/mattn/go-sqlite3"
)

// DBExecutor is an interface that allows functions to accept either *sql.DB or *sql.Tx.
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the persistence handle. One Store is opened per process and
// shared by all callers; writes are serialized through writeMu while reads
// run concurrently under WAL.
type Store struct {
	db   *sql.DB
	path string
	log  *logger.Logger
	norm normalize.Normalizer
	now  func() time.Time

	writeMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(l *logger.Logger) Option {
	return func(st *Store) { st.log = logger.OrNop(l) }
}

// WithNormalizer sets how dictionary lemmas are reduced to their search form.
func WithNormalizer(n normalize.Normalizer) Option {
	return func(st *Store) {
		if n != nil {
			st.norm = n
		}
	}
}

// WithClock overrides the time source used for created_at style columns.
func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

const busyTimeout = 10 * time.Second

// dsn enables foreign keys, WAL and a busy timeout on every pooled
// connection. Times are read back in UTC.
func dsn(path string) string {
	return fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d&_loc=UTC",
		path, busyTimeout.Milliseconds())
}

// Open creates the parent directory of path if needed, opens the database and
// runs EnsureSchema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open store: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect store %s: %w", path, err)
	}

	st := &Store{
		db:   conn,
		path: path,
		log:  logger.Nop(),
		norm: normalize.Default,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(st)
	}
	st.log = st.log.With("component", "store")

	if err := st.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	st.log.Info("store opened", "path", path)
	return st, nil
}

// Close closes the underlying database.
func (st *Store) Close() error {
	return st.db.Close()
}

// DB exposes the underlying pool for read-only tooling and tests.
func (st *Store) DB() *sql.DB { return st.db }

// Path returns the database file path.
func (st *Store) Path() string { return st.path }

// Normalize returns the search form for text in language.
func (st *Store) Normalize(language, text string) string {
	return st.norm.Normalize(language, text)
}

// WithTx runs fn inside one write transaction. Writers are serialized; the
// transaction is rolled back if fn returns an error.
func (st *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ignored if committed
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (st *Store) timestamp() time.Time {
	return st.now().UTC()
}

// nullableString returns nil for an empty string so it is stored as NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt64 returns nil for a nil pointer.
func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
