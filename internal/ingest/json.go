package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"newsline/internal/model"
	"newsline/internal/normalize"
)

var errEmptyPayload = errors.New("empty payload")

// ParseJSONMap maps a loosely shaped JSON object onto item fields. Keys are
// matched case-insensitively against the common aliases used by upstream
// feeds.
func ParseJSONMap(obj map[string]any) normalize.ItemFields {
	flat := make(map[string]any, len(obj))
	for key, val := range obj {
		flat[strings.ToLower(key)] = val
	}
	return normalize.ItemFields{
		Title:       firstNonEmpty(flat, "title", "headline", "brief"),
		URL:         firstNonEmpty(flat, "url", "link", "share_url", "uri"),
		Source:      firstNonEmpty(flat, "source", "source_id"),
		PublishTime: firstNonEmpty(flat, "publish_time", "pubtime", "published", "published_at", "ctime", "timestamp", "time"),
		Content:     firstNonEmpty(flat, "content", "summary", "body", "description"),
		Tags:        stringList(flat["tags"]),
	}
}

// DecodeItems accepts a single JSON object or an array of objects and
// returns the well formed candidates. Rejected entries are counted, not
// returned.
func DecodeItems(data []byte, defaultSource string, loc *time.Location) ([]model.CandidateItem, int, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, 0, errEmptyPayload
	}
	var objs []map[string]any
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &objs); err != nil {
			return nil, 0, err
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			return nil, 0, err
		}
		objs = []map[string]any{obj}
	}
	items := make([]model.CandidateItem, 0, len(objs))
	failed := 0
	for _, obj := range objs {
		fields := ParseJSONMap(obj)
		if fields.Source == "" {
			fields.Source = defaultSource
		}
		item, err := normalize.Candidate(fields, loc)
		if err != nil {
			failed++
			continue
		}
		items = append(items, item)
	}
	return items, failed, nil
}

func firstNonEmpty(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			// unix timestamps arrive as JSON numbers
			s = fmt.Sprintf("%.0f", t)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := strings.TrimSpace(fmt.Sprint(e)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(t, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
