// Package ledger is the append-only record of scheduled and manual cycle
// executions.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"newsline/internal/model"
)

// Backend is the persistence the ledger writes through. storage.Store
// satisfies it.
type Backend interface {
	SaveExecution(ctx context.Context, rec model.JobExecutionRecord) (int64, error)
	RecentExecutions(ctx context.Context, limit int) ([]model.JobExecutionRecord, error)
	ExecutionStats(ctx context.Context) (model.ExecutionStats, error)
}

type Ledger struct {
	backend Backend
	logger  *slog.Logger
	now     func() time.Time
}

func New(backend Backend, logger *slog.Logger) *Ledger {
	return &Ledger{backend: backend, logger: logger, now: time.Now}
}

// Record appends one execution. A nil runErr marks it successful; otherwise
// it is failed and carries the error text. Counts come from result even on
// failure so partial progress stays visible.
func (l *Ledger) Record(ctx context.Context, jobID string, startedAt time.Time, result model.CycleResult, runErr error) (int64, error) {
	rec := model.JobExecutionRecord{
		JobID:        jobID,
		StartedAt:    startedAt,
		CompletedAt:  l.now(),
		Status:       model.StatusSuccess,
		FetchedCount: result.Fetched,
		DedupedCount: result.Deduped,
		SavedCount:   result.Saved,
		Sources:      result.Sources,
	}
	if runErr != nil {
		rec.Status = model.StatusFailed
		rec.ErrorMessage = runErr.Error()
	}
	id, err := l.backend.SaveExecution(ctx, rec)
	if err != nil {
		if l.logger != nil {
			l.logger.Error("record execution failed", "job_id", jobID, "error", err)
		}
		return 0, err
	}
	if l.logger != nil {
		l.logger.Info("execution recorded",
			"id", id,
			"job_id", jobID,
			"status", rec.Status,
			"fetched", rec.FetchedCount,
			"after_dedup", rec.DedupedCount,
			"saved", rec.SavedCount,
			"duration", rec.CompletedAt.Sub(startedAt),
		)
	}
	return id, nil
}

func (l *Ledger) Recent(ctx context.Context, limit int) ([]model.JobExecutionRecord, error) {
	return l.backend.RecentExecutions(ctx, limit)
}

func (l *Ledger) Stats(ctx context.Context) (model.ExecutionStats, error) {
	return l.backend.ExecutionStats(ctx)
}
