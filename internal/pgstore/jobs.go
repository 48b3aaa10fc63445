package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/recall/internal/storage"
	"github.com/lib/pq"
)

const jobColumns = `id, type, payload_json, dedupe_key, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job unless one with the same dedupe key is
// already pending.
func (s *Store) EnqueueJob(ctx context.Context, job storage.Job) (bool, error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = storage.DefaultMaxAttempts
	}
	var runAfter any // NULL falls back to now()
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, dedupe_key, max_attempts, run_after)
		SELECT $1, $2, $3, $4, $5, COALESCE($6::timestamptz, now())
		WHERE $4 = '' OR NOT EXISTS (
			SELECT 1 FROM jobs WHERE dedupe_key = $4 AND status = 'pending'
		)`,
		job.ID, job.Type, job.PayloadJSON, job.DedupeKey, maxAttempts, runAfter)
	if err != nil {
		return false, fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimNextJob marks the oldest runnable pending job as running. Concurrent
// workers skip rows another transaction has locked.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'running', updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_after <= now() AND type = ANY($1)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, pq.Array(types))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.exec1(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE id = $1`, id)
}

// AbandonJob marks a job as failed without further retries.
func (s *Store) AbandonJob(ctx context.Context, id, errMsg string) error {
	return s.exec1(ctx, `
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = now()
		WHERE id = $1`, id, errMsg)
}

func (s *Store) exec1(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt, rescheduling with storage.Backoff until
// max_attempts is reached. It reports whether the job is now terminal.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	attempts++
	terminal := attempts >= maxAttempts
	if terminal {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
			WHERE id = $1`, id, attempts, errMsg)
	} else {
		runAfter := time.Now().UTC().Add(storage.Backoff(attempts))
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', attempts = $2, last_error = $3, run_after = $4, updated_at = now()
			WHERE id = $1`, id, attempts, errMsg, runAfter)
	}
	if err != nil {
		return false, err
	}
	return terminal, tx.Commit()
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (storage.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Job{}, storage.ErrNotFound
	}
	return j, err
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs(ctx context.Context) (storage.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := storage.JobCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ResetStaleJobs returns running jobs to pending.
func (s *Store) ResetStaleJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'pending', updated_at = now() WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("resetting running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(row rowScanner) (storage.Job, error) {
	var j storage.Job
	var lastError sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.DedupeKey, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAfter, &j.CreatedAt, &j.UpdatedAt, &lastError)
	if err != nil {
		return storage.Job{}, err
	}
	j.LastError = lastError.String
	return j, nil
}
