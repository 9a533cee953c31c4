package normalize

import (
	"errors"
	"testing"
	"time"

	"newsline/internal/model"
)

func TestCandidateRequiresFields(t *testing.T) {
	loc := time.UTC
	cases := map[string]ItemFields{
		"title":   {URL: "https://a", PublishTime: "2026-10-15 08:00:00"},
		"url":     {Title: "快讯", PublishTime: "2026-10-15 08:00:00"},
		"publish": {Title: "快讯", URL: "https://a"},
		"garbled": {Title: "快讯", URL: "https://a", PublishTime: "yesterday-ish"},
	}
	for name, fields := range cases {
		if _, err := Candidate(fields, loc); !errors.Is(err, ErrMalformedItem) {
			t.Fatalf("%s: expected ErrMalformedItem, got %v", name, err)
		}
	}
}

func TestCandidateParsesInLocation(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatal(err)
	}
	item, err := Candidate(ItemFields{
		Title:       "  马斯克宣布新计划 ",
		URL:         " https://example.com/a ",
		Source:      "thepaper",
		PublishTime: "2026-10-15 08:30:00",
	}, loc)
	if err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if item.Title != "马斯克宣布新计划" || item.URL != "https://example.com/a" {
		t.Fatalf("fields not trimmed: %+v", item)
	}
	want := time.Date(2026, 10, 15, 8, 30, 0, 0, loc)
	if !item.PublishTime.Equal(want) {
		t.Fatalf("publish time: got %s want %s", item.PublishTime, want)
	}
}

func TestParseTimestampFormats(t *testing.T) {
	loc := time.UTC
	cases := map[string]time.Time{
		"2026-10-15T08:30:00Z":            time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		"2026-10-15T16:30:00+08:00":       time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		"Thu, 15 Oct 2026 08:30:00 +0000": time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		"2026/10/15 08:30:00":             time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		"2026年10月15日 08:30":               time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC),
		"1792053000":                      time.Unix(1792053000, 0).UTC(),
		"1792053000123":                   time.UnixMilli(1792053000123).UTC(),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in, loc)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}
}

func TestParseTimestampRejectsClockOnly(t *testing.T) {
	_, err := ParseTimestamp("09:15", time.UTC)
	if !errors.Is(err, ErrNoDate) {
		t.Fatalf("expected ErrNoDate, got %v", err)
	}
}

func TestParseTimestampMonthDayInfersYear(t *testing.T) {
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"10-15 09:15": time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC),
		"10-16 08:00": time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC),
		"12-31 23:00": time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := parseTimestampAt(in, time.UTC, now)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: got %s want %s", in, got, want)
		}
	}

	newYear := time.Date(2027, 1, 1, 0, 30, 0, 0, time.UTC)
	got, err := parseTimestampAt("12-31 23:50", time.UTC, newYear)
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != 2026 {
		t.Fatalf("expected last year, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	ok := model.CandidateItem{Title: "快讯", URL: "https://a", PublishTime: time.Now()}
	if err := Validate(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	missing := ok
	missing.PublishTime = time.Time{}
	if err := Validate(missing); !errors.Is(err, ErrMalformedItem) {
		t.Fatalf("expected malformed, got %v", err)
	}
}
