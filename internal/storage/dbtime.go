package storage

import (
	"fmt"
	"time"
)

// canonicalLayout is fixed width so that text columns sort chronologically.
const canonicalLayout = "2006-01-02T15:04:05.000000Z"

var storedTimeLayouts = []string{
	canonicalLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(canonicalLayout)
}

func parseStoredTime(value string, loc *time.Location) (time.Time, error) {
	for _, layout := range storedTimeLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised stored time %q", value)
}

// dbTime scans either native timestamps or text written by this package or
// by the legacy layout. Text without an offset is read in loc.
type dbTime struct {
	loc   *time.Location
	Time  time.Time
	Valid bool
}

func (d *dbTime) Scan(src any) error {
	loc := d.loc
	if loc == nil {
		loc = time.UTC
	}
	switch v := src.(type) {
	case nil:
		d.Time, d.Valid = time.Time{}, false
		return nil
	case time.Time:
		d.Time, d.Valid = v, true
		return nil
	case string:
		t, err := parseStoredTime(v, loc)
		if err != nil {
			return err
		}
		d.Time, d.Valid = t, true
		return nil
	case []byte:
		t, err := parseStoredTime(string(v), loc)
		if err != nil {
			return err
		}
		d.Time, d.Valid = t, true
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}
