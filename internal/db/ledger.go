package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/pipeline/steps"
)

const runningStepIndex = "project_initialization_steps_one_running"

const stepColumns = `project_id, step, status, progress, error, error_detail, attempts,
	catalog_version, started_at, completed_at, created_at, updated_at`

// Ledger is the Postgres-backed step execution ledger
type Ledger struct {
	db             *DB
	catalogVersion string
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger that stamps rows with the catalog's version
func NewLedger(db *DB, catalog *steps.Catalog) *Ledger {
	l := &Ledger{db: db}
	if catalog != nil {
		l.catalogVersion = catalog.Version()
	}
	return l
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.Record, error) {
	var r ledger.Record
	var projectID uuid.UUID
	err := row.Scan(&projectID, &r.Step, &r.Status, &r.Progress, &r.Error, &r.ErrorDetail,
		&r.Attempts, &r.CatalogVersion, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ProjectID = projectID.String()
	return &r, nil
}

// StartStep marks a step running. The check against other running steps and
// the partial unique index both guard the single-running invariant.
func (l *Ledger) StartStep(ctx context.Context, projectID, step string) (*ledger.Record, error) {
	pid, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var running string
	err = tx.QueryRow(ctx,
		`SELECT step FROM project_initialization_steps
		 WHERE project_id = $1 AND status = 'running' AND step <> $2
		 FOR UPDATE`,
		pid, step,
	).Scan(&running)
	if err == nil {
		return nil, &ledger.InvalidTransitionError{ProjectID: projectID, Step: step, To: ledger.StatusRunning, Running: running}
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("failed to check running step: %w", err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx,
		`INSERT INTO project_initialization_steps
		     (project_id, step, status, progress, attempts, catalog_version, started_at)
		 VALUES ($1, $2, 'running', 0, 1, $3, NOW())
		 ON CONFLICT (project_id, step) DO UPDATE
		 SET status = 'running', progress = 0, error = NULL, error_detail = NULL,
		     attempts = project_initialization_steps.attempts + 1,
		     catalog_version = EXCLUDED.catalog_version,
		     started_at = NOW(), completed_at = NULL, updated_at = NOW()
		 RETURNING `+stepColumns,
		pid, step, l.catalogVersion,
	))
	if err != nil {
		if isUniqueViolation(err, runningStepIndex) {
			return nil, &ledger.InvalidTransitionError{ProjectID: projectID, Step: step, To: ledger.StatusRunning, Running: "unknown"}
		}
		return nil, fmt.Errorf("failed to start step %s: %w", step, err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, runningStepIndex) {
			return nil, &ledger.InvalidTransitionError{ProjectID: projectID, Step: step, To: ledger.StatusRunning, Running: "unknown"}
		}
		return nil, fmt.Errorf("failed to commit step start: %w", err)
	}
	return rec, nil
}

// UpdateStepProgress records local progress on a running step
func (l *Ledger) UpdateStepProgress(ctx context.Context, projectID, step string, progress int) error {
	pid, err := parseID("project", projectID)
	if err != nil {
		return err
	}
	_, err = l.db.pool.Exec(ctx,
		`UPDATE project_initialization_steps
		 SET progress = $3, updated_at = NOW()
		 WHERE project_id = $1 AND step = $2 AND status = 'running'`,
		pid, step, steps.ClampProgress(progress),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress of step %s: %w", step, err)
	}
	return nil
}

// finish moves a step into a terminal status inside a transaction
func (l *Ledger) finish(ctx context.Context, projectID, step, to string, errMsg, detail *string, createMissing bool) error {
	pid, err := parseID("project", projectID)
	if err != nil {
		return err
	}

	tx, err := l.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if createMissing {
		_, err = tx.Exec(ctx,
			`INSERT INTO project_initialization_steps (project_id, step, status, catalog_version)
			 VALUES ($1, $2, 'pending', $3)
			 ON CONFLICT (project_id, step) DO NOTHING`,
			pid, step, l.catalogVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to create step %s: %w", step, err)
		}
	}

	cur, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM project_initialization_steps
		 WHERE project_id = $1 AND step = $2 FOR UPDATE`,
		pid, step,
	))
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("failed to load step %s: %w", step, err)
	}
	if err := ledger.CheckTerminal(projectID, step, cur, to); err != nil {
		return err
	}

	progressExpr := "progress"
	if to == ledger.StatusCompleted || to == ledger.StatusSkipped {
		progressExpr = "100"
	}
	_, err = tx.Exec(ctx,
		`UPDATE project_initialization_steps
		 SET status = $3, progress = `+progressExpr+`, error = $4, error_detail = $5,
		     completed_at = NOW(), updated_at = NOW()
		 WHERE project_id = $1 AND step = $2`,
		pid, step, to, errMsg, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to mark step %s %s: %w", step, to, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit step %s: %w", step, err)
	}
	return nil
}

// CompleteStep marks a step completed
func (l *Ledger) CompleteStep(ctx context.Context, projectID, step string) error {
	return l.finish(ctx, projectID, step, ledger.StatusCompleted, nil, nil, false)
}

// FailStep marks a step failed and stores the error chain, creating the row if
// the step never started
func (l *Ledger) FailStep(ctx context.Context, projectID, step string, stepErr error) error {
	msg := "unknown error"
	if stepErr != nil {
		msg = stepErr.Error()
	}
	detail := ledger.ErrorDetail(stepErr)
	return l.finish(ctx, projectID, step, ledger.StatusFailed, &msg, &detail, true)
}

// SkipStep marks a step skipped, creating the row if the step never started
func (l *Ledger) SkipStep(ctx context.Context, projectID, step, reason string) error {
	return l.finish(ctx, projectID, step, ledger.StatusSkipped, &reason, nil, true)
}

// GetSteps returns all records of a project in creation order
func (l *Ledger) GetSteps(ctx context.Context, projectID string) ([]ledger.Record, error) {
	pid, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM project_initialization_steps
		 WHERE project_id = $1 ORDER BY created_at, step`,
		pid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetCurrentStep returns the running record, or nil
func (l *Ledger) GetCurrentStep(ctx context.Context, projectID string) (*ledger.Record, error) {
	pid, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}
	r, err := scanRecord(l.db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM project_initialization_steps
		 WHERE project_id = $1 AND status = 'running'`,
		pid,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get current step: %w", err)
	}
	return r, nil
}

// SaveCheckpoint upserts the outputs of a step
func (l *Ledger) SaveCheckpoint(ctx context.Context, projectID, step string, outputs map[string]any) error {
	pid, err := parseID("project", projectID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = l.db.pool.Exec(ctx,
		`INSERT INTO project_initialization_checkpoints (project_id, step, outputs)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, step) DO UPDATE SET outputs = EXCLUDED.outputs, created_at = NOW()`,
		pid, step, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", step, err)
	}
	return nil
}

// GetCheckpoints returns all checkpoints of a project keyed by step
func (l *Ledger) GetCheckpoints(ctx context.Context, projectID string) (map[string]ledger.Checkpoint, error) {
	pid, err := parseID("project", projectID)
	if err != nil {
		return nil, err
	}
	rows, err := l.db.pool.Query(ctx,
		`SELECT step, outputs, created_at FROM project_initialization_checkpoints
		 WHERE project_id = $1`,
		pid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := map[string]ledger.Checkpoint{}
	for rows.Next() {
		cp := ledger.Checkpoint{ProjectID: projectID}
		var data []byte
		if err := rows.Scan(&cp.Step, &data, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal(data, &cp.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s: %w", cp.Step, err)
		}
		out[cp.Step] = cp
	}
	return out, rows.Err()
}

// Reset deletes every record and checkpoint of a project unless a step is running
func (l *Ledger) Reset(ctx context.Context, projectID string) error {
	pid, err := parseID("project", projectID)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, l.db.pool, func(tx pgx.Tx) error {
		var running string
		err := tx.QueryRow(ctx,
			`SELECT step FROM project_initialization_steps
			 WHERE project_id = $1 AND status = 'running' FOR UPDATE`,
			pid,
		).Scan(&running)
		if err == nil {
			return fmt.Errorf("cannot reset project %s: %w", projectID,
				&ledger.InvalidTransitionError{ProjectID: projectID, Step: running, From: ledger.StatusRunning, To: ledger.StatusPending})
		}
		if !isNoRows(err) {
			return fmt.Errorf("failed to check running step: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM project_initialization_steps WHERE project_id = $1`, pid); err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM project_initialization_checkpoints WHERE project_id = $1`, pid); err != nil {
			return fmt.Errorf("failed to delete checkpoints: %w", err)
		}
		return nil
	})
}
