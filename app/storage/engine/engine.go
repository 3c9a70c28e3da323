// Package engine opens read-only model databases, sqlite or postgres, behind a single sqlx handle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/go-pkgz/fileutils"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	dbType Type // type of the database engine
}

// New makes a database connection by url. Supported forms are postgres://..., sqlite://path,
// file:path, file://path, :memory: and plain paths ending with .db or .sqlite.
// Sqlite file must exist, New never creates one.
func New(ctx context.Context, url string) (*SQL, error) {
	if url == "" {
		return nil, errors.New("connection URL is empty")
	}

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		res, err := NewPostgres(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return res, nil
	case url == ":memory:", strings.HasPrefix(url, "file:"), strings.HasPrefix(url, "sqlite://"),
		strings.HasSuffix(url, ".sqlite"), strings.HasSuffix(url, ".db"):
		file := sqlitePath(url)
		if path, _, _ := strings.Cut(file, "?"); path != ":memory:" && !fileutils.IsFile(path) {
			return nil, fmt.Errorf("failed to connect to sqlite, %s: %w", path, fs.ErrNotExist)
		}
		res, err := NewSqlite(file)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
		}
		return res, nil
	}
	return nil, fmt.Errorf("unsupported database type in %q", url)
}

// sqlitePath strips sqlite url prefixes, driver parameters after "?" are kept
func sqlitePath(url string) string {
	file := strings.TrimPrefix(url, "sqlite://")
	file = strings.TrimPrefix(file, "file://")
	return strings.TrimPrefix(file, "file:")
}

// NewSqlite opens a sqlite database file, creating it if missing
func NewSqlite(file string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return &SQL{}, err
	}
	return &SQL{DB: *db, dbType: Sqlite}, nil
}

// NewPostgres opens a postgres database
func NewPostgres(ctx context.Context, url string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return &SQL{}, err
	}
	return &SQL{DB: *db, dbType: Postgres}, nil
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// Adopt rewrites "?" placeholders to "$n" for postgres, other engines get the query unchanged.
// Question marks inside single-quoted literals are left alone.
func (e *SQL) Adopt(q string) string {
	if e.dbType != Postgres {
		return q
	}

	var b strings.Builder
	b.Grow(len(q) + 8)
	n, inLiteral := 0, false
	for _, r := range q {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TableExists checks if the table is present in the database
func (e *SQL) TableExists(ctx context.Context, table string) (bool, error) {
	var q string
	switch e.dbType {
	case Sqlite:
		q = "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?"
	case Postgres:
		q = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	default:
		return false, fmt.Errorf("unsupported database type %q", e.dbType)
	}
	var count int
	if err := e.GetContext(ctx, &count, e.Adopt(q), table); err != nil {
		return false, fmt.Errorf("failed to check for %s table existence: %w", table, err)
	}
	return count > 0, nil
}
