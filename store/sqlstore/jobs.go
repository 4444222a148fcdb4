package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/warp/dues-engine/jobs"
)

// =============================================================================
// JOB QUEUE (background_jobs)
// =============================================================================
//
// Claim is one UPDATE ... RETURNING over a sub-select of the oldest queued
// jobs. On PostgreSQL the sub-select takes FOR UPDATE SKIP LOCKED, so
// concurrent claimants never wait on or share a row. SQLite has no row
// locks; its single writer plus the repeated status='queued' guard gives the
// same at-most-once outcome.

const jobColumns = `id, job_type, payload, status, error_detail, created_at, started_at, completed_at`

func (q *queries) Enqueue(ctx context.Context, job jobs.Job) error {
	_, err := q.exec(ctx, `
		INSERT INTO background_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, string(job.Payload), job.Status, nullString(job.ErrorDetail),
		timestamp(job.CreatedAt), nullTimestamp(job.StartedAt), nullTimestamp(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *queries) Claim(ctx context.Context, jobType jobs.Type, limit int, at time.Time) ([]jobs.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if !q.inTx {
		var claimed []jobs.Job
		err := q.store.withTx(ctx, func(tx *queries) error {
			var err error
			claimed, err = tx.Claim(ctx, jobType, limit, at)
			return err
		})
		return claimed, err
	}

	lock := ""
	if q.dialect == DriverPostgres {
		lock = ` FOR UPDATE SKIP LOCKED`
	}
	rows, err := q.query(ctx, `
		UPDATE background_jobs SET status = 'running', started_at = ?
		WHERE status = 'queued' AND id IN (
		    SELECT id FROM background_jobs
		    WHERE job_type = ? AND status = 'queued'
		    ORDER BY created_at ASC, id ASC
		    LIMIT ?`+lock+`
		)
		RETURNING `+jobColumns, timestamp(at), jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	claimed, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.Slice(claimed, func(a, b int) bool {
		if !claimed[a].CreatedAt.Equal(claimed[b].CreatedAt) {
			return claimed[a].CreatedAt.Before(claimed[b].CreatedAt)
		}
		return claimed[a].ID < claimed[b].ID
	})
	return claimed, nil
}

func (q *queries) ClaimByID(ctx context.Context, id string, at time.Time) (jobs.Job, bool, error) {
	rows, err := q.query(ctx, `
		UPDATE background_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'queued'
		RETURNING `+jobColumns, timestamp(at), id)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("failed to claim job: %w", err)
	}
	claimed, err := scanJobs(rows)
	if err != nil || len(claimed) == 0 {
		return jobs.Job{}, false, err
	}
	return claimed[0], true, nil
}

func (q *queries) Complete(ctx context.Context, id string, at time.Time) (bool, error) {
	return q.execChanged(ctx, `
		UPDATE background_jobs SET status = 'completed', completed_at = ?
		WHERE id = ? AND status = 'running'`, timestamp(at), id)
}

func (q *queries) Fail(ctx context.Context, id string, detail string, at time.Time) (bool, error) {
	return q.execChanged(ctx, `
		UPDATE background_jobs SET status = 'failed', error_detail = ?, completed_at = ?
		WHERE id = ? AND status = 'running'`, detail, timestamp(at), id)
}

func (q *queries) Stuck(ctx context.Context, startedBefore time.Time) ([]jobs.Job, error) {
	rows, err := q.query(ctx, `
		SELECT `+jobColumns+` FROM background_jobs
		WHERE status = 'running' AND started_at < ?
		ORDER BY started_at ASC`, timestamp(startedBefore))
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", err)
	}
	return scanJobs(rows)
}

// Job loads one job by id.
func (q *queries) Job(ctx context.Context, id string) (jobs.Job, error) {
	rows, err := q.query(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("failed to load job: %w", err)
	}
	found, err := scanJobs(rows)
	if err != nil {
		return jobs.Job{}, err
	}
	if len(found) == 0 {
		return jobs.Job{}, notFound(sql.ErrNoRows, "job", id)
	}
	return found[0], nil
}

// scanJobs drains and closes rows.
func scanJobs(rows *sql.Rows) ([]jobs.Job, error) {
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var (
			j                  jobs.Job
			payload, created   string
			detail             sql.NullString
			started, completed sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Type, &payload, &j.Status, &detail, &created, &started, &completed); err != nil {
			return nil, err
		}
		j.Payload = []byte(payload)
		j.ErrorDetail = detail.String

		var err error
		if j.CreatedAt, err = parseTimestamp(created); err != nil {
			return nil, err
		}
		if j.StartedAt, err = parseNullTimestamp(started); err != nil {
			return nil, err
		}
		if j.CompletedAt, err = parseNullTimestamp(completed); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
