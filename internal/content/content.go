// Package content stores article bodies as Markdown documents and returns
// the reference kept on the timeline record.
package content

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"newsline/internal/config"
	"newsline/internal/model"
)

type Store interface {
	// Put writes body for rec and returns its reference. An empty body
	// writes nothing and returns an empty reference.
	Put(ctx context.Context, rec model.TimelineRecord, body string) (string, error)
}

func New(cfg config.ContentConfig, loc *time.Location, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "none":
		return Nop{}, nil
	case "fs":
		return NewFS(cfg.Dir, loc), nil
	case "s3":
		return NewS3(cfg.S3, loc, logger)
	default:
		return nil, fmt.Errorf("unsupported content driver %q", cfg.Driver)
	}
}

type Nop struct{}

func (Nop) Put(context.Context, model.TimelineRecord, string) (string, error) { return "", nil }

// objectPath is YYYY/MM/DD/<safe-title>.md with the date taken from the
// publish time in loc.
func objectPath(rec model.TimelineRecord, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	day := rec.PublishTime.In(loc).Format("2006/01/02")
	name := SafeTitle(rec.Title)
	if name == "" {
		name = rec.ID
	}
	if name == "" {
		name = "untitled"
	}
	return path.Join(day, name+".md")
}

var unsafeChars = strings.NewReplacer(
	"/", "-", `\`, "-", ":", "-", "*", "-", "?", "-",
	`"`, "-", "<", "-", ">", "-", "|", "-", "\n", " ", "\r", " ", "\t", " ",
)

// SafeTitle turns a title into a file name stem of at most 50 runes.
func SafeTitle(title string) string {
	runes := []rune(strings.TrimSpace(title))
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return strings.Trim(strings.TrimSpace(unsafeChars.Replace(string(runes))), ".")
}

func render(rec model.TimelineRecord, body string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rec.Title)
	fmt.Fprintf(&b, "> 来源: %s\n", rec.Source)
	fmt.Fprintf(&b, "> 时间: %s\n", rec.PublishTime.In(loc).Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "> 链接: %s\n\n", rec.URL)
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}
