package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/newsline?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d := dialect{
		name:          "postgres",
		goose:         goose.DialectPostgres,
		numbered:      true,
		nativeTime:    true,
		autoIncrement: "BIGSERIAL PRIMARY KEY",
	}
	return &postgresStore{newBaseStore(db, d, opts)}, nil
}
