package content

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"newsline/internal/model"
)

type FS struct {
	dir string
	loc *time.Location
}

func NewFS(dir string, loc *time.Location) *FS {
	if dir == "" {
		dir = "data/articles"
	}
	return &FS{dir: dir, loc: loc}
}

// Put returns the file path, which doubles as the reference.
func (f *FS) Put(_ context.Context, rec model.TimelineRecord, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	target := filepath.Join(f.dir, filepath.FromSlash(objectPath(rec, f.loc)))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(render(rec, body, f.loc)), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return target, nil
}
