package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (q *Queries) queryJobs(ctx context.Context, query string, args ...any) ([]RoundJob, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query round jobs: %w", err)
	}
	defer rows.Close()

	var out []RoundJob
	for rows.Next() {
		var j RoundJob
		var runAt int64
		var doneAt sql.NullInt64
		if err := rows.Scan(&j.ID, &j.RoundID, &j.Kind, &runAt, &doneAt); err != nil {
			return nil, fmt.Errorf("failed to scan round job: %w", err)
		}
		j.RunAt = fromNanos(runAt)
		j.DoneAt = timePtr(doneAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// CreateRoundJob persists a deferred action. A round holds at most one job per kind.
func (q *Queries) CreateRoundJob(ctx context.Context, j *RoundJob) error {
	if j.ID == "" {
		j.ID = newID()
	}
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO round_jobs (id, round_id, kind, run_at, done_at) VALUES (?, ?, ?, ?, ?)",
		j.ID, j.RoundID, j.Kind, toNanos(j.RunAt), nullNanos(j.DoneAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create round job: %w", err)
	}
	return nil
}

// PendingJobs returns every job not yet completed, soonest first
func (q *Queries) PendingJobs(ctx context.Context) ([]RoundJob, error) {
	return q.queryJobs(ctx,
		"SELECT id, round_id, kind, run_at, done_at FROM round_jobs WHERE done_at IS NULL ORDER BY run_at")
}

// DueJobs returns incomplete jobs whose run time is at or before now
func (q *Queries) DueJobs(ctx context.Context, now time.Time) ([]RoundJob, error) {
	return q.queryJobs(ctx,
		"SELECT id, round_id, kind, run_at, done_at FROM round_jobs WHERE done_at IS NULL AND run_at <= ? ORDER BY run_at",
		toNanos(now))
}

// MarkJobDone records completion. Completing a job twice is a no-op.
func (q *Queries) MarkJobDone(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE round_jobs SET done_at = ? WHERE id = ? AND done_at IS NULL", toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark round job done: %w", err)
	}
	return nil
}

// GetRoundJob retrieves a job by ID with its current completion state
func (q *Queries) GetRoundJob(ctx context.Context, id string) (*RoundJob, error) {
	jobs, err := q.queryJobs(ctx,
		"SELECT id, round_id, kind, run_at, done_at FROM round_jobs WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}
