package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func init() {
	// modernc registers itself as "sqlite", not "sqlite3".
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Driver picks the database/sql driver for a database URL.
func Driver(url string) string {
	lower := strings.ToLower(strings.TrimSpace(url))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open connects to Postgres for postgres:// URLs and otherwise treats url as
// a SQLite file path, creating its directory and enabling foreign keys.
func Open(url string) (*sqlx.DB, error) {
	driver := Driver(url)
	if driver == DriverPostgres {
		conn, err := sqlx.Open(driver, url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return conn, nil
	}
	dsn, err := sqliteDSN(url)
	if err != nil {
		return nil, err
	}
	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

func sqliteDSN(url string) (string, error) {
	path := strings.TrimPrefix(strings.TrimSpace(url), "sqlite://")
	if path == "" {
		return "", fmt.Errorf("empty sqlite path")
	}
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)", nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database dir: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path), nil
}
