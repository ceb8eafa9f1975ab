package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/queue"
)

const jobColumns = `id, kind, project_id, payload, status, attempts, max_attempts, run_at,
	locked_until, claim_token, last_error, created_at, updated_at`

// Queue is a Postgres job queue. Claims use FOR UPDATE SKIP LOCKED and a
// visibility timeout so crashed consumers' jobs are redelivered.
type Queue struct {
	db *DB
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue creates a Postgres-backed queue
func NewQueue(db *DB) *Queue {
	return &Queue{db: db}
}

func scanJob(row rowScanner) (*queue.Job, error) {
	var j queue.Job
	var token *uuid.UUID
	err := row.Scan(&j.ID, &j.Kind, &j.ProjectID, &j.Payload, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LockedUntil, &token, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if token != nil {
		j.ClaimToken = *token
	}
	return &j, nil
}

// Enqueue inserts a job unless the project already has an active one
func (q *Queue) Enqueue(ctx context.Context, kind string, projectID uuid.UUID, payload any, opts queue.EnqueueOptions) (*queue.Job, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultRetryPolicy().MaxAttempts
	}

	job, err := scanJob(q.db.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, kind, project_id, payload, max_attempts, run_at)
		 VALUES ($1, $2, $3, $4, $5, NOW() + $6::interval)
		 ON CONFLICT (kind, project_id) WHERE status IN ('queued', 'running') DO NOTHING
		 RETURNING `+jobColumns,
		uuid.New(), kind, projectID, data, maxAttempts, opts.Delay,
	))
	if err == nil {
		return job, true, nil
	}
	if !isNoRows(err) {
		return nil, false, fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}

	existing, err := scanJob(q.db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE kind = $1 AND project_id = $2 AND status IN ('queued', 'running')`,
		kind, projectID,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load active %s job: %w", kind, err)
	}
	return existing, false, nil
}

// Claim takes the oldest due job. Running jobs whose locked_until passed are
// treated as abandoned and claimed again.
func (q *Queue) Claim(ctx context.Context, kind string, visibility time.Duration) (*queue.Job, error) {
	job, err := scanJob(q.db.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1,
		     locked_until = NOW() + $2::interval, claim_token = $3, updated_at = NOW()
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE kind = $1 AND (
		         (status = 'queued' AND run_at <= NOW()) OR
		         (status = 'running' AND locked_until <= NOW())
		     )
		     ORDER BY run_at, created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+jobColumns,
		kind, visibility, uuid.New(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim %s job: %w", kind, err)
	}
	return job, nil
}

// settle runs an update guarded by the claim token
func (q *Queue) settle(ctx context.Context, job *queue.Job, sql string, args ...any) error {
	args = append([]any{job.ID, job.ClaimToken}, args...)
	tag, err := q.db.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to settle job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, queue.ErrClaimLost)
	}
	return nil
}

func (q *Queue) ExtendClaim(ctx context.Context, job *queue.Job, visibility time.Duration) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET locked_until = NOW() + $3::interval, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'running'`,
		visibility)
}

func (q *Queue) Ack(ctx context.Context, job *queue.Job) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET status = 'done', locked_until = NULL, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'running'`)
}

func (q *Queue) Retry(ctx context.Context, job *queue.Job, delay time.Duration, cause error) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET status = 'queued', run_at = NOW() + $3::interval, locked_until = NULL,
		     last_error = $4, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'running'`,
		delay, errText(cause))
}

func (q *Queue) Release(ctx context.Context, job *queue.Job, delay time.Duration) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET status = 'queued', attempts = GREATEST(attempts - 1, 0),
		     run_at = NOW() + $3::interval, locked_until = NULL, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'running'`,
		delay)
}

func (q *Queue) DeadLetter(ctx context.Context, job *queue.Job, cause error) error {
	return q.settle(ctx, job,
		`UPDATE jobs SET status = 'dead', locked_until = NULL, last_error = $3, updated_at = NOW()
		 WHERE id = $1 AND claim_token = $2 AND status = 'running'`,
		errText(cause))
}

// ListDead returns dead-lettered jobs, newest first. An empty kind lists all kinds.
func (q *Queue) ListDead(ctx context.Context, kind string, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'dead' AND ($1 = '' OR kind = $1)
		 ORDER BY updated_at DESC LIMIT $2`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead jobs: %w", err)
	}
	defer rows.Close()

	var out []queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// Requeue moves a dead job back to the queue with a fresh attempt budget
func (q *Queue) Requeue(ctx context.Context, jobID uuid.UUID) error {
	tag, err := q.db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued', attempts = 0, run_at = NOW(), claim_token = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'dead'`,
		jobID,
	)
	if err != nil {
		if isUniqueViolation(err, "jobs_one_active_per_project") {
			return fmt.Errorf("job %s: %w", jobID, queue.ErrActiveJob)
		}
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead job %s: %w", jobID, queue.ErrJobNotFound)
	}
	return nil
}

// GetJob returns a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID uuid.UUID) (*queue.Job, error) {
	j, err := scanJob(q.db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return j, nil
}

// Latest returns the most recently created job of a kind for a project
func (q *Queue) Latest(ctx context.Context, kind string, projectID uuid.UUID) (*queue.Job, error) {
	j, err := scanJob(q.db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE kind = $1 AND project_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		kind, projectID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get latest job of project %s: %w", projectID, err)
	}
	return j, nil
}

func errText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
