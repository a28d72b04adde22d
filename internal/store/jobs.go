package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/autograder/internal/model"
)

// insertJob inserts a job unless one with the same ID already exists.
// It reports whether a row was created.
func insertJob(ctx context.Context, tx *sql.Tx, j model.Job) (bool, error) {
	now := time.Now().UTC()
	runAt := j.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, submission_id, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Queue, j.SubmissionID, j.Payload, model.JobPending, j.MaxAttempts, runAt.UnixMilli(), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// InsertJob stores a job, ignoring duplicates by ID.
func (s *Store) InsertJob(ctx context.Context, j model.Job) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = insertJob(ctx, tx, j)
		return err
	})
	return created, err
}

// EnqueueGradingJob returns the pending or running grading job of a
// submission if there is one. Otherwise it builds a new job for the next
// attempt group (the number of terminal jobs recorded so far), inserts it and
// resets the submission to pending.
func (s *Store) EnqueueGradingJob(ctx context.Context, submissionID int64, build func(group int) model.Job) (string, bool, error) {
	var (
		jobID   string
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM submissions WHERE id = ?`, submissionID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("submission %d: %w", submissionID, model.ErrNotFound)
		}

		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE queue = ? AND submission_id = ? AND status IN (?, ?)
			 ORDER BY created_at DESC LIMIT 1`,
			model.QueueGrading, submissionID, model.JobPending, model.JobRunning,
		).Scan(&jobID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var group int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE queue = ? AND submission_id = ?`,
			model.QueueGrading, submissionID,
		).Scan(&group); err != nil {
			return err
		}
		j := build(group)
		jobID = j.ID
		created, err = insertJob(ctx, tx, j)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE submissions SET status = ? WHERE id = ?`, model.SubmissionPending, submissionID)
		return err
	})
	return jobID, created, err
}

const jobColumns = `id, queue, submission_id, payload, status, attempts, max_attempts, last_error, run_at, created_at, updated_at`

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var runAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.SubmissionID, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LastError, &runAt, &j.CreatedAt, &j.UpdatedAt)
	j.RunAt = time.UnixMilli(runAt).UTC()
	return j, err
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return j, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return j, err
}

// ListJobs returns jobs of a queue, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, queue model.QueueName, status model.JobStatus, limit int) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ?`
	args := []any{queue}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListSubmissionJobs returns every grading job recorded for a submission, oldest first.
func (s *Store) ListSubmissionJobs(ctx context.Context, submissionID int64) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND submission_id = ? ORDER BY created_at, id`,
		model.QueueGrading, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimJob marks the next ready job of a queue as running and returns it.
// A job is ready when it is pending and due, or running with an expired
// lease and attempts left. It returns nil when nothing is ready or another
// worker won the race.
func (s *Store) ClaimJob(ctx context.Context, queue model.QueueName, lease time.Duration) (*model.Job, error) {
	var claimed *model.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		nowMs := now.UnixMilli()
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE queue = ? AND attempts < max_attempts AND (
			   (status = ? AND run_at <= ?) OR
			   (status = ? AND locked_until <= ?))
			 ORDER BY run_at, created_at LIMIT 1`,
			queue, model.JobPending, nowMs, model.JobRunning, nowMs,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
			 WHERE id = ? AND attempts < max_attempts AND (
			   status = ? OR (status = ? AND locked_until <= ?))`,
			model.JobRunning, now.Add(lease).UnixMilli(), now,
			id, model.JobPending, model.JobRunning, nowMs,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	return claimed, err
}

// ReapExpiredJobs fails running jobs whose lease expired after their final
// attempt and returns them.
func (s *Store) ReapExpiredJobs(ctx context.Context, queue model.QueueName) ([]model.Job, error) {
	var reaped []model.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE queue = ? AND status = ? AND locked_until <= ? AND attempts >= max_attempts`,
			queue, model.JobRunning, now.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			reaped = append(reaped, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range reaped {
			reaped[i].Status = model.JobFailed
			reaped[i].LastError = "lease expired on final attempt"
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, last_error = ?, locked_until = 0, updated_at = ?
				 WHERE id = ? AND status = ?`,
				model.JobFailed, reaped[i].LastError, now, reaped[i].ID, model.JobRunning,
			); err != nil {
				return err
			}
		}
		return nil
	})
	return reaped, err
}

// CompleteJob moves a running job to completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.transitionJob(ctx, id,
		`UPDATE jobs SET status = ?, last_error = '', locked_until = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.JobCompleted, time.Now().UTC(), id, model.JobRunning)
}

// RetryJob moves a running job back to pending, due at runAt.
func (s *Store) RetryJob(ctx context.Context, id, lastError string, runAt time.Time) error {
	return s.transitionJob(ctx, id,
		`UPDATE jobs SET status = ?, last_error = ?, run_at = ?, locked_until = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.JobPending, lastError, runAt.UnixMilli(), time.Now().UTC(), id, model.JobRunning)
}

// FailJob moves a running job to failed.
func (s *Store) FailJob(ctx context.Context, id, lastError string) error {
	return s.transitionJob(ctx, id,
		`UPDATE jobs SET status = ?, last_error = ?, locked_until = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		model.JobFailed, lastError, time.Now().UTC(), id, model.JobRunning)
}

// transitionJob runs a guarded status update. Zero affected rows means the
// job is not running any more (another worker reclaimed it or it is terminal).
func (s *Store) transitionJob(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %s is not running: %w", id, model.ErrNotFound)
	}
	return nil
}
