package ingest

import (
	"context"
	"fmt"
	"time"

	"newsline/internal/model"
)

// Fetcher returns the current candidate items of one source. Items must
// carry the publish time reported by the source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.CandidateItem, error)
}

// Acknowledger is implemented by fetchers that keep fetched items pending
// until the batch they joined has been persisted. Unacknowledged items are
// returned again by the next Fetch.
type Acknowledger interface {
	Ack(ctx context.Context) error
}

type FetcherFunc func(ctx context.Context) ([]model.CandidateItem, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]model.CandidateItem, error) { return f(ctx) }

// SourceFetchError isolates the failure of one source within a cycle.
type SourceFetchError struct {
	Source string
	Err    error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
