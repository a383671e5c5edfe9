package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Repo is the sqlite-backed persistence layer. The typed stores it hands out
// share its connection.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness or version conflict on write.
	ErrConflict = errors.New("conflict")
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx. Stores built on
// a *sql.Tx take part in that transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) WorkItems() WorkItems       { return WorkItems{DB: r.DB} }
func (r Repo) Requirements() Requirements { return Requirements{DB: r.DB} }
func (r Repo) Projects() Projects         { return Projects{DB: r.DB} }

// InTx runs fn in a transaction, committing if it returns nil.
func (r Repo) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// atomic runs fn in its own transaction when q is a *sql.DB, and directly
// on q when q is already a transaction.
func atomic(ctx context.Context, q DBTX, fn func(q DBTX) error) error {
	db, ok := q.(*sql.DB)
	if !ok {
		return fn(q)
	}
	return Repo{DB: db}.InTx(ctx, func(tx *sql.Tx) error { return fn(tx) })
}

const tsLayout = time.RFC3339Nano

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

type rowScanner interface {
	Scan(dest ...any) error
}
