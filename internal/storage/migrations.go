package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

// Schema history. Version 1 is the layout the first crawler release wrote
// without any version marker; databases created by it are picked up by the
// same chain because every step only assumes the previous one.
const (
	schemaInitial       = 1
	schemaRenameColumns = 2
	schemaBuckets       = 3
	schemaExecutions    = 4
)

func (b *baseStore) migrations() []*goose.Migration {
	return []*goose.Migration{
		goose.NewGoMigration(schemaInitial, &goose.GoFunc{RunTx: b.createArticles}, nil),
		goose.NewGoMigration(schemaRenameColumns, &goose.GoFunc{RunTx: b.renameLegacyColumns}, nil),
		goose.NewGoMigration(schemaBuckets, &goose.GoFunc{RunTx: b.addBuckets}, nil),
		goose.NewGoMigration(schemaExecutions, &goose.GoFunc{RunTx: b.createExecutions}, nil),
	}
}

func (b *baseStore) provider() (*goose.Provider, error) {
	return goose.NewProvider(b.dialect.goose, b.db, nil,
		goose.WithGoMigrations(b.migrations()...),
		goose.WithDisableGlobalRegistry(true),
	)
}

func (b *baseStore) migrate(ctx context.Context) error {
	legacy, err := b.hasUnversionedArticles(ctx)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if legacy && b.logger != nil {
		b.logger.Info("unversioned timeline schema detected, migrating in place")
	}
	p, err := b.provider()
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if b.logger != nil {
		for _, r := range results {
			b.logger.Info("schema migration applied", "version", r.Source.Version, "duration", r.Duration)
		}
	}
	return nil
}

func (b *baseStore) SchemaVersion(ctx context.Context) (int64, error) {
	p, err := b.provider()
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}

func (b *baseStore) hasUnversionedArticles(ctx context.Context) (bool, error) {
	articles, err := b.tableExists(ctx, "articles")
	if err != nil || !articles {
		return false, err
	}
	versioned, err := b.tableExists(ctx, "goose_db_version")
	if err != nil {
		return false, err
	}
	return !versioned, nil
}

func (b *baseStore) tableExists(ctx context.Context, name string) (bool, error) {
	var query string
	if b.dialect.name == "postgres" {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	} else {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := b.db.QueryRowContext(ctx, b.rebind(query), name).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *baseStore) createArticles(ctx context.Context, tx *sql.Tx) error {
	timeType := "DATETIME"
	if b.dialect.nativeTime {
		timeType = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			url TEXT UNIQUE,
			source TEXT NOT NULL,
			timestamp ` + timeType + ` NOT NULL,
			file_path TEXT,
			tags TEXT,
			entities TEXT,
			created_at ` + timeType + ` DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_timestamp ON articles(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_articles_source ON articles(source)`,
	}
	return execAll(ctx, tx, stmts)
}

func (b *baseStore) renameLegacyColumns(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`DROP INDEX IF EXISTS idx_articles_timestamp`,
		`ALTER TABLE articles RENAME COLUMN timestamp TO published_at`,
		`ALTER TABLE articles RENAME COLUMN file_path TO content_ref`,
		`ALTER TABLE articles RENAME COLUMN entities TO entity_refs`,
		`CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at)`,
	}
	return execAll(ctx, tx, stmts)
}

// addBuckets adds the date bucket column and backfills it. On text-backed
// stores published_at is rewritten in the canonical sortable layout.
func (b *baseStore) addBuckets(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE articles ADD COLUMN bucket TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	// Text is read as-is so naive legacy values are interpreted in b.loc
	// rather than by the driver.
	selectPub := `SELECT id, published_at FROM articles`
	if !b.dialect.nativeTime {
		selectPub = `SELECT id, CAST(published_at AS TEXT) FROM articles`
	}
	rows, err := tx.QueryContext(ctx, selectPub)
	if err != nil {
		return err
	}
	type backfill struct {
		id  string
		pub dbTime
	}
	var pending []backfill
	for rows.Next() {
		bf := backfill{pub: dbTime{loc: b.loc}}
		if err := rows.Scan(&bf.id, &bf.pub); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, bf)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	update := b.rebind(`UPDATE articles SET bucket = ?, published_at = ? WHERE id = ?`)
	for _, bf := range pending {
		if _, err := tx.ExecContext(ctx, update, b.bucketOf(bf.pub.Time), b.timeArg(bf.pub.Time), bf.id); err != nil {
			return err
		}
	}
	return execAll(ctx, tx, []string{
		`CREATE INDEX IF NOT EXISTS idx_articles_bucket ON articles(bucket)`,
	})
}

func (b *baseStore) createExecutions(ctx context.Context, tx *sql.Tx) error {
	timeType := "TEXT"
	if b.dialect.nativeTime {
		timeType = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_executions (
			id ` + b.dialect.autoIncrement + `,
			job_id TEXT NOT NULL,
			started_at ` + timeType + ` NOT NULL,
			completed_at ` + timeType + `,
			status TEXT NOT NULL,
			result_json TEXT,
			error_message TEXT,
			total_fetched INTEGER DEFAULT 0,
			after_dedup INTEGER DEFAULT 0,
			total_saved INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_executions_started_at ON job_executions(started_at)`,
	}
	return execAll(ctx, tx, stmts)
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
