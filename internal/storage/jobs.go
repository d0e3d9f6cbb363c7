package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnqueueJob adds a pending job. MaxAttempts defaults to 3 and RunAfter to now.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueJob(ctx, job)
	})
}

// EnqueueJob adds a pending job inside the transaction.
func (tx *Tx) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest runnable job of one of types as running and
// returns it, or nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now())
	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	var claimed *Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		var j Job
		var runAfter, createdAt string
		var lastError sql.NullString
		err := tx.tx.QueryRowContext(ctx, `
			SELECT id, type, payload_json, attempts, max_attempts, run_after, created_at, last_error
			FROM jobs
			WHERE status = 'pending' AND run_after <= ? AND type IN (`+placeholders(len(types))+`)
			ORDER BY run_after ASC, created_at ASC
			LIMIT 1`, args...,
		).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &lastError)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting next job: %w", err)
		}

		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
		if err != nil {
			return fmt.Errorf("updating job status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return err
		}

		j.Status = "running"
		j.LastError = lastError.String
		if j.RunAfter, err = parseTime(runAfter); err != nil {
			return fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
		}
		j.UpdatedAt, _ = parseTime(now)
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FailJob records a failed attempt. The job is retried after 2^attempts
// seconds until max_attempts is reached, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		var attempts, maxAttempts int
		err := tx.tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		attempts++
		if attempts >= maxAttempts {
			_, err = tx.tx.ExecContext(ctx,
				`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, formatTime(now), id)
			return err
		}
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
		return err
	})
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[strings.ToLower(status)] = n
	}
	return out, rows.Err()
}
