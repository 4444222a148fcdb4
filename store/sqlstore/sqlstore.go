/*
Package sqlstore provides the SQL implementation of the dues storage
interfaces, for SQLite and PostgreSQL.

PURPOSE:
  Implements dues.Store, jobs.Queue and auth.MemberLookup over database/sql.
  One schema and one set of queries serve both dialects.

DIALECTS:
  sqlite3:  github.com/mattn/go-sqlite3. One open connection; writers are
            serialized by SQLite itself.
  postgres: github.com/lib/pq. Job claims use FOR UPDATE SKIP LOCKED.

  Queries are written with ? placeholders and rebound to $n for PostgreSQL.

GUARDED UPDATES:
  Every state change that can race is a single UPDATE with the expected
  current state in its WHERE clause. Callers get (changed bool, err) back
  and decide what a lost race means.

AMOUNTS:
  Stored as decimal text. Sums are computed in Go: SQLite would coerce the
  text to floating point inside SUM().

USAGE:
  store, err := sqlstore.Open(ctx, "sqlite3", "./data/dues.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := dues.NewEngine(store, auth.NewDirectory(store), logger)

SEE ALSO:
  - dues/store.go: Interface definitions
  - migrate.go: Schema migrations
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements dues.Store on a connection pool.
type Store struct {
	*queries
	db *sql.DB
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. It runs against the pool or a transaction.
type queries struct {
	q       queryer
	dialect string
	// inTx is false on the pool; Claim then opens its own transaction.
	inTx  bool
	store *Store
}

// Open connects, configures the pool for the dialect and applies pending
// migrations. Use ":memory:" with sqlite3 for a throwaway database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: databases alive and turns
		// concurrent writers into a queue.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := migrateUp(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &Store{db: db}
	s.queries = &queries{q: db, dialect: driver, store: s}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx dues.Tx) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

func (s *Store) withTx(ctx context.Context, fn func(q *queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, dialect: s.dialect, inTx: true, store: s}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// STATEMENT HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $1..$n for PostgreSQL. Queries in this
// package never contain a literal question mark.
func (q *queries) rebind(query string) string {
	if q.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (q *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.rebind(query), args...)
}

func (q *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.rebind(query), args...)
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.rebind(query), args...)
}

// execChanged runs a guarded statement and reports whether any row changed.
func (q *queries) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := q.execCount(ctx, query, args...)
	return n > 0, err
}

func (q *queries) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// VALUE CONVERSION
// =============================================================================

// timeNow stamps rows the engine does not own (units, residents, members).
var timeNow = time.Now

func timestamp(t time.Time) string {
	return generic.FormatTimestamp(t)
}

func nullTimestamp(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timestamp(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := generic.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTimestamp(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTimestamp(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseDate(s string) (generic.Date, error) {
	d, err := generic.ParseDate(s)
	if err != nil {
		return generic.Date{}, fmt.Errorf("corrupt date %q: %w", s, err)
	}
	return d, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// notFound maps sql.ErrNoRows to a generic NotFound for what.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return generic.NotFound("%s %s not found", what, id)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// Compile-time interface checks.
var (
	_ dues.Store = (*Store)(nil)
	_ dues.Tx    = (*queries)(nil)
	_ jobs.Queue = (*Store)(nil)
)
