// Package store implements SQL persistence for the workflow engine.
// It supports Postgres (production) and SQLite (lite mode, tests) through
// database/sql, and exposes a transactional UnitOfWork so the executor can
// apply a whole transition — application update, task close, task open,
// audit append — atomically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Dialect selects the SQL engine behind database/sql.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// forUpdate returns the row-locking clause for the dialect. SQLite has no
// FOR UPDATE; its single-writer transaction serializes writers instead.
func (d Dialect) forUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// timeFormat is fixed-width UTC so stored timestamps compare correctly as
// strings in SQL across both dialects.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the connection pool with the dialect and store accessors.
type DB struct {
	sql     *sql.DB
	dialect Dialect
}

// New wraps an opened connection pool.
func New(db *sql.DB, dialect Dialect) *DB {
	return &DB{sql: db, dialect: dialect}
}

// Open opens a connection pool for the dialect and verifies connectivity.
func Open(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	driver := "postgres"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	return New(db, dialect), nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SQL exposes the underlying pool for health checks and migrations tooling.
func (d *DB) SQL() *sql.DB { return d.sql }

// Dialect returns the configured dialect.
func (d *DB) Dialect() Dialect { return d.dialect }

// Migrate creates the schema if it does not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Begin opens a UnitOfWork. Every workflow mutation runs inside exactly one;
// Commit makes the whole transition durable, Rollback undoes all of it.
func (d *DB) Begin(ctx context.Context) (*UnitOfWork, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return newUnitOfWork(tx, d.dialect), nil
}

// Read-only store accessors bound to the pool, for paths that do not mutate
// (audit feed, chain verification, holiday lookups).

// Applications returns an application store bound to the pool.
func (d *DB) Applications() *ApplicationStore {
	return &ApplicationStore{q: d.sql, d: d.dialect}
}

// Tasks returns a task store bound to the pool.
func (d *DB) Tasks() *TaskStore { return &TaskStore{q: d.sql, d: d.dialect} }

// Queries returns a query store bound to the pool.
func (d *DB) Queries() *QueryStore { return &QueryStore{q: d.sql, d: d.dialect} }

// Audit returns an audit event store bound to the pool.
func (d *DB) Audit() *AuditEventStore { return &AuditEventStore{q: d.sql, d: d.dialect} }

// Notifications returns a notification store bound to the pool.
func (d *DB) Notifications() *NotificationStore {
	return &NotificationStore{q: d.sql, d: d.dialect}
}

// Holidays returns a holiday store bound to the pool.
func (d *DB) Holidays() *HolidayStore { return &HolidayStore{q: d.sql, d: d.dialect} }

// Postings returns an officer posting store bound to the pool.
func (d *DB) Postings() *PostingStore { return &PostingStore{q: d.sql, d: d.dialect} }

// UnitOfWork is one atomic transition: all stores share a single *sql.Tx.
type UnitOfWork struct {
	tx   *sql.Tx
	done bool

	Applications  *ApplicationStore
	Tasks         *TaskStore
	Queries       *QueryStore
	Audit         *AuditEventStore
	Notifications *NotificationStore
}

func newUnitOfWork(tx *sql.Tx, d Dialect) *UnitOfWork {
	return &UnitOfWork{
		tx:            tx,
		Applications:  &ApplicationStore{q: tx, d: d},
		Tasks:         &TaskStore{q: tx, d: d},
		Queries:       &QueryStore{q: tx, d: d},
		Audit:         &AuditEventStore{q: tx, d: d},
		Notifications: &NotificationStore{q: tx, d: d},
	}
}

// Commit makes the unit durable.
func (u *UnitOfWork) Commit() error {
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback discards the unit. Safe to call after Commit (no-op), so callers
// can defer it unconditionally.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}
