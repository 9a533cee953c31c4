package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"newsline/internal/model"
)

// ErrMalformedItem marks a candidate missing a required field. Such items
// are skipped without failing the batch.
var ErrMalformedItem = errors.New("malformed item")

type ItemFields struct {
	Title       string
	URL         string
	Source      string
	PublishTime string
	Content     string
	Tags        []string
}

// Candidate converts loosely typed fields into a CandidateItem. The publish
// time must be present and parseable; it is never synthesised.
func Candidate(fields ItemFields, loc *time.Location) (model.CandidateItem, error) {
	title := strings.TrimSpace(fields.Title)
	url := strings.TrimSpace(fields.URL)
	if title == "" {
		return model.CandidateItem{}, fmt.Errorf("%w: missing title", ErrMalformedItem)
	}
	if url == "" {
		return model.CandidateItem{}, fmt.Errorf("%w: missing url", ErrMalformedItem)
	}
	if loc == nil {
		loc = time.UTC
	}
	ts, err := ParseTimestamp(fields.PublishTime, loc)
	if err != nil {
		return model.CandidateItem{}, fmt.Errorf("%w: publish time: %v", ErrMalformedItem, err)
	}
	return model.CandidateItem{
		Title:       title,
		URL:         url,
		Source:      strings.TrimSpace(fields.Source),
		PublishTime: ts,
		Content:     fields.Content,
		Tags:        fields.Tags,
	}, nil
}

// Validate checks an already typed candidate.
func Validate(item model.CandidateItem) error {
	switch {
	case strings.TrimSpace(item.Title) == "":
		return fmt.Errorf("%w: missing title", ErrMalformedItem)
	case strings.TrimSpace(item.URL) == "":
		return fmt.Errorf("%w: missing url", ErrMalformedItem)
	case item.PublishTime.IsZero():
		return fmt.Errorf("%w: missing publish time", ErrMalformedItem)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006/01/02 15:04:05",
	"2006年01月02日 15:04",
	monthDayLayout,
}

const monthDayLayout = "01-02 15:04"

var ErrNoDate = errors.New("timestamp has no date")

// ParseTimestamp accepts RFC3339 variants, common Chinese news formats and
// unix seconds or milliseconds. A bare clock time is rejected with ErrNoDate.
// Month-day values take the year that places them no more than a day ahead
// of now in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	return parseTimestampAt(value, loc, time.Now())
}

func parseTimestampAt(value string, loc *time.Location, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	if _, err := time.ParseInLocation("15:04", value, loc); err == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNoDate, value)
	}
	now = now.In(loc)
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err != nil {
			continue
		}
		if layout == monthDayLayout {
			t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
			if t.After(now.AddDate(0, 0, 1)) {
				t = t.AddDate(-1, 0, 0)
			}
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
