package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"newsline/internal/model"
)

const executionColumns = `id, job_id, started_at, completed_at, status, result_json, error_message, total_fetched, after_dedup, total_saved`

func (b *baseStore) SaveExecution(ctx context.Context, rec model.JobExecutionRecord) (int64, error) {
	if rec.JobID == "" {
		return 0, errors.New("execution without job id")
	}
	var completed any
	if !rec.CompletedAt.IsZero() {
		completed = b.timeArg(rec.CompletedAt)
	}
	var errMsg sql.NullString
	if rec.ErrorMessage != "" {
		errMsg = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}
	var result sql.NullString
	if len(rec.Sources) > 0 {
		result = sql.NullString{String: encodeJSON(rec.Sources), Valid: true}
	}
	query := b.rebind(`INSERT INTO job_executions
		(job_id, started_at, completed_at, status, result_json, error_message, total_fetched, after_dedup, total_saved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	var id int64
	err := b.db.QueryRowContext(ctx, query,
		rec.JobID,
		b.timeArg(rec.StartedAt),
		completed,
		string(rec.Status),
		result,
		errMsg,
		rec.FetchedCount,
		rec.DedupedCount,
		rec.SavedCount,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecentExecutions returns the newest executions first. A non-positive limit
// means 10.
func (b *baseStore) RecentExecutions(ctx context.Context, limit int) ([]model.JobExecutionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	query := b.rebind(`SELECT ` + executionColumns + ` FROM job_executions ORDER BY started_at DESC, id DESC LIMIT ?`)
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.JobExecutionRecord
	for rows.Next() {
		rec, err := b.scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *baseStore) ExecutionStats(ctx context.Context) (model.ExecutionStats, error) {
	var stats model.ExecutionStats
	query := b.rebind(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END), 0)
		FROM job_executions`)
	err := b.db.QueryRowContext(ctx, query, string(model.StatusSuccess), string(model.StatusSuccess)).
		Scan(&stats.Total, &stats.SuccessCount, &stats.FailureCount)
	if err != nil {
		return model.ExecutionStats{}, err
	}
	if stats.Total == 0 {
		return stats, nil
	}
	recent, err := b.RecentExecutions(ctx, 1)
	if err != nil {
		return model.ExecutionStats{}, err
	}
	if len(recent) > 0 {
		last := recent[0]
		stats.Last = &last
	}
	return stats, nil
}

func (b *baseStore) scanExecution(row rowScanner) (model.JobExecutionRecord, error) {
	var (
		rec     model.JobExecutionRecord
		status  string
		result  sql.NullString
		errMsg  sql.NullString
		fetched sql.NullInt64
		deduped sql.NullInt64
		saved   sql.NullInt64
	)
	started := dbTime{loc: b.loc}
	completed := dbTime{loc: b.loc}
	if err := row.Scan(&rec.ID, &rec.JobID, &started, &completed, &status, &result, &errMsg, &fetched, &deduped, &saved); err != nil {
		return model.JobExecutionRecord{}, err
	}
	rec.StartedAt = started.Time
	rec.CompletedAt = completed.Time
	rec.Status = model.Status(status)
	rec.ErrorMessage = errMsg.String
	rec.FetchedCount = int(fetched.Int64)
	rec.DedupedCount = int(deduped.Int64)
	rec.SavedCount = int(saved.Int64)
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Sources); err != nil && b.logger != nil {
			b.logger.Warn("execution result unreadable", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}
