// Package storage opens the SQL database shared by the document store and
// the lock store, and hides the differences between the supported
// dialects: placeholder syntax, unique-violation detection and schema
// bootstrap.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a database handle plus its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to kind ("postgres" or "sqlite") and pings it.
//
// SQLite handles are limited to one connection: the database serializes
// writers anyway and a single connection keeps in-memory databases shared.
func Open(ctx context.Context, kind, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage: %s DSN must not be empty", kind)
	}
	var (
		db  *sql.DB
		err error
	)
	d := Dialect(kind)
	switch d {
	case Postgres:
		db, err = sql.Open("pgx", dsn)
	case SQLite:
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("storage: unsupported database kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", kind, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", kind, err)
	}
	if d == SQLite {
		for _, pragma := range []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
		} {
			// journal_mode cannot change on in-memory databases; ignore
			_, _ = db.ExecContext(ctx, pragma)
		}
	}
	return &DB{DB: db, Dialect: d}, nil
}

// Rebind rewrites ? placeholders to $n for postgres.
func (db *DB) Rebind(q string) string {
	if db.Dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// ForUpdate is the row-locking suffix of a SELECT inside a transaction.
// SQLite locks the whole database on write, so it needs none.
func (db *DB) ForUpdate() string {
	if db.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (db *DB) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation reports whether err is a primary key or unique
// constraint failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
