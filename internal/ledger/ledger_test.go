package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsline/internal/model"
	"newsline/internal/storage"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	s, err := storage.NewSQLite("file:" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil)
}

func TestRecordSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	start := time.Now().Add(-time.Minute)

	okID, err := l.Record(ctx, "crawl", start, model.CycleResult{Fetched: 12, Deduped: 5, Saved: 5}, nil)
	require.NoError(t, err)
	failID, err := l.Record(ctx, "crawl", start.Add(time.Second), model.CycleResult{Fetched: 3}, errors.New("store unavailable"))
	require.NoError(t, err)
	assert.NotEqual(t, okID, failID)

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, model.StatusFailed, recent[0].Status)
	assert.Equal(t, "store unavailable", recent[0].ErrorMessage)
	assert.Equal(t, 3, recent[0].FetchedCount)
	assert.Equal(t, model.StatusSuccess, recent[1].Status)
	assert.Equal(t, 5, recent[1].SavedCount)
	assert.False(t, recent[1].CompletedAt.Before(recent[1].StartedAt))

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)
	require.NotNil(t, stats.Last)
	assert.Equal(t, failID, stats.Last.ID)
}

type brokenBackend struct{}

func (brokenBackend) SaveExecution(context.Context, model.JobExecutionRecord) (int64, error) {
	return 0, storage.ErrStoreUnavailable
}
func (brokenBackend) RecentExecutions(context.Context, int) ([]model.JobExecutionRecord, error) {
	return nil, storage.ErrStoreUnavailable
}
func (brokenBackend) ExecutionStats(context.Context) (model.ExecutionStats, error) {
	return model.ExecutionStats{}, storage.ErrStoreUnavailable
}

func TestRecordPropagatesBackendError(t *testing.T) {
	l := New(brokenBackend{}, nil)
	_, err := l.Record(context.Background(), "crawl", time.Now(), model.CycleResult{}, nil)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}
