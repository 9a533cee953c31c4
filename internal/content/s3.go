package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"newsline/internal/config"
	"newsline/internal/model"
)

// S3 writes bodies to an S3 compatible bucket. References have the form
// s3://bucket/key.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	loc    *time.Location
	logger *slog.Logger
}

func NewS3(cfg config.S3Config, loc *time.Location, logger *slog.Logger) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		loc:    loc,
		logger: logger,
	}, nil
}

func (s *S3) key(rec model.TimelineRecord) string {
	key := objectPath(rec, s.loc)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *S3) Put(ctx context.Context, rec model.TimelineRecord, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	key := s.key(rec)
	doc := render(rec, body, s.loc)
	info, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
		ContentType: "text/markdown; charset=utf-8",
		UserMetadata: map[string]string{
			"source": rec.Source,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	if s.logger != nil {
		s.logger.Debug("article body stored", "bucket", s.bucket, "key", key, "size", info.Size)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
