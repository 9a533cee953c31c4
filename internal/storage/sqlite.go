package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const defaultSQLiteDSN = "file:data/db/newsline.db?_pragma=busy_timeout(5000)"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = defaultSQLiteDSN
	}
	if err := ensureSQLiteDir(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer connection keeps batch transactions and clears from
	// interleaving at the driver level.
	db.SetMaxOpenConns(1)
	d := dialect{
		name:          "sqlite",
		goose:         goose.DialectSQLite3,
		autoIncrement: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}
	return &sqliteStore{newBaseStore(db, d, opts)}, nil
}

func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
