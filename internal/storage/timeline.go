package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"newsline/internal/model"
)

const articleColumns = `id, title, url, source, published_at, bucket, content_ref, tags, entity_refs, created_at`

const upsertArticle = `INSERT INTO articles (` + articleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (url) DO UPDATE SET
		title = excluded.title,
		source = excluded.source,
		published_at = excluded.published_at,
		bucket = excluded.bucket,
		content_ref = excluded.content_ref,
		tags = excluded.tags,
		entity_refs = excluded.entity_refs`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *baseStore) Insert(ctx context.Context, rec model.TimelineRecord) error {
	return b.upsert(ctx, b.db, b.rebind(upsertArticle), rec)
}

// InsertBatch upserts all records in one transaction.
func (b *baseStore) InsertBatch(ctx context.Context, recs []model.TimelineRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	query := b.rebind(upsertArticle)
	for _, rec := range recs {
		if err := b.upsert(ctx, tx, query, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) upsert(ctx context.Context, ex execer, query string, rec model.TimelineRecord) error {
	if rec.URL == "" {
		return errors.New("timeline record without url")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	if rec.Bucket == "" {
		rec.Bucket = b.bucketOf(rec.PublishTime)
	}
	var contentRef sql.NullString
	if rec.ContentRef != "" {
		contentRef = sql.NullString{String: rec.ContentRef, Valid: true}
	}
	_, err := ex.ExecContext(ctx, query,
		rec.ID,
		rec.Title,
		rec.URL,
		rec.Source,
		b.timeArg(rec.PublishTime),
		rec.Bucket,
		contentRef,
		encodeList(rec.Tags),
		encodeList(rec.EntityRefs),
		b.timeArg(rec.CreatedAt),
	)
	return err
}

func (b *baseStore) Exists(ctx context.Context, url string) (bool, error) {
	var one int
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT 1 FROM articles WHERE url = ?`), url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *baseStore) Get(ctx context.Context, id string) (model.TimelineRecord, error) {
	row := b.db.QueryRowContext(ctx, b.rebind(`SELECT `+articleColumns+` FROM articles WHERE id = ?`), id)
	rec, err := b.scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimelineRecord{}, ErrNotFound
	}
	return rec, err
}

// List returns records newest first. A non-positive limit means 100.
func (b *baseStore) List(ctx context.Context, filter Filter, limit, offset int) ([]model.TimelineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var where []string
	var args []any
	if !filter.From.IsZero() {
		where = append(where, "published_at >= ?")
		args = append(args, b.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "published_at < ?")
		args = append(args, b.timeArg(filter.To))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Tag != "" {
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, jsonMemberPattern(filter.Tag))
	}
	if filter.Entity != "" {
		where = append(where, `entity_refs LIKE ? ESCAPE '\'`)
		args = append(args, jsonMemberPattern(filter.Entity))
	}
	query := `SELECT ` + articleColumns + ` FROM articles`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY published_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return b.queryArticles(ctx, b.rebind(query), args...)
}

func (b *baseStore) ListBucket(ctx context.Context, bucket string) ([]model.TimelineRecord, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE bucket = ? ORDER BY published_at ASC, id ASC`
	return b.queryArticles(ctx, b.rebind(query), bucket)
}

// ClearAll deletes every timeline record in one statement. The execution
// ledger is left untouched.
func (b *baseStore) ClearAll(ctx context.Context) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM articles`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	return n, tx.Commit()
}

func (b *baseStore) queryArticles(ctx context.Context, query string, args ...any) ([]model.TimelineRecord, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TimelineRecord
	for rows.Next() {
		rec, err := b.scanArticle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (b *baseStore) scanArticle(row rowScanner) (model.TimelineRecord, error) {
	var (
		rec        model.TimelineRecord
		source     sql.NullString
		contentRef sql.NullString
		tags       sql.NullString
		entities   sql.NullString
		url        sql.NullString
	)
	pub := dbTime{loc: b.loc}
	created := dbTime{loc: b.loc}
	if err := row.Scan(&rec.ID, &rec.Title, &url, &source, &pub, &rec.Bucket, &contentRef, &tags, &entities, &created); err != nil {
		return model.TimelineRecord{}, err
	}
	rec.URL = url.String
	rec.Source = source.String
	rec.PublishTime = pub.Time
	rec.ContentRef = contentRef.String
	rec.Tags = decodeList(tags)
	rec.EntityRefs = decodeList(entities)
	rec.CreatedAt = created.Time
	return rec, nil
}

// jsonMemberPattern matches a string element inside a JSON array column.
func jsonMemberPattern(value string) string {
	quoted := encodeJSON(value)
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(quoted) + "%"
}
