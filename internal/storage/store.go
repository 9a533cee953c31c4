package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"newsline/internal/config"
	"newsline/internal/model"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Filter narrows timeline queries. Zero fields are ignored; From is
// inclusive and To exclusive.
type Filter struct {
	From   time.Time
	To     time.Time
	Source string
	Tag    string
	Entity string
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SchemaVersion(ctx context.Context) (int64, error)

	Insert(ctx context.Context, rec model.TimelineRecord) error
	InsertBatch(ctx context.Context, recs []model.TimelineRecord) error
	Exists(ctx context.Context, url string) (bool, error)
	Get(ctx context.Context, id string) (model.TimelineRecord, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]model.TimelineRecord, error)
	ListBucket(ctx context.Context, bucket string) ([]model.TimelineRecord, error)
	ClearAll(ctx context.Context) (int64, error)

	SaveExecution(ctx context.Context, rec model.JobExecutionRecord) (int64, error)
	RecentExecutions(ctx context.Context, limit int) ([]model.JobExecutionRecord, error)
	ExecutionStats(ctx context.Context) (model.ExecutionStats, error)
}

type Option func(*baseStore)

// WithLocation sets the timezone used to derive date buckets and to read
// legacy timestamps that carry no offset.
func WithLocation(loc *time.Location) Option {
	return func(b *baseStore) {
		if loc != nil {
			b.loc = loc
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *baseStore) { b.logger = logger }
}

func NewStore(cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN, opts...)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

type dialect struct {
	name          string
	goose         goose.Dialect
	numbered      bool
	nativeTime    bool
	autoIncrement string
}

type baseStore struct {
	db      *sql.DB
	dialect dialect
	loc     *time.Location
	logger  *slog.Logger
}

func newBaseStore(db *sql.DB, d dialect, opts []Option) baseStore {
	b := baseStore{db: db, dialect: d, loc: time.UTC}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Init(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return b.migrate(ctx)
}

// rebind rewrites ? placeholders to $n for drivers that need numbered
// parameters.
func (b *baseStore) rebind(query string) string {
	if !b.dialect.numbered {
		return query
	}
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

func (b *baseStore) timeArg(t time.Time) any {
	if b.dialect.nativeTime {
		return t.UTC()
	}
	return formatTime(t)
}

func (b *baseStore) bucketOf(t time.Time) string {
	return t.In(b.loc).Format("2006-01-02")
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func encodeList(values []string) sql.NullString {
	if len(values) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeJSON(values), Valid: true}
}

func decodeList(value sql.NullString) []string {
	if !value.Valid || value.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil
	}
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
