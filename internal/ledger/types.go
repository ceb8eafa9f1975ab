// Package ledger records the per-project, per-step execution state of project
// initialization. The ledger is the source of truth for resumption.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ErrNotFound is returned when a step record does not exist
var ErrNotFound = errors.New("step record not found")

// Record is one ledger row (project x step)
type Record struct {
	ProjectID      string     `json:"project_id"`
	Step           string     `json:"step"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Error          *string    `json:"error,omitempty"`
	ErrorDetail    *string    `json:"error_detail,omitempty"`
	Attempts       int        `json:"attempts"`
	CatalogVersion string     `json:"catalog_version,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Done reports whether the step needs no further execution
func (r *Record) Done() bool {
	return r.Status == StatusCompleted || r.Status == StatusSkipped
}

// Checkpoint holds the outputs a completed step hands to later steps
type Checkpoint struct {
	ProjectID string         `json:"project_id"`
	Step      string         `json:"step"`
	Outputs   map[string]any `json:"outputs"`
	CreatedAt time.Time      `json:"created_at"`
}

// InvalidTransitionError signals a violated ledger invariant, such as starting
// a step while another step of the same project is running.
type InvalidTransitionError struct {
	ProjectID string
	Step      string
	From      string
	To        string
	Running   string
}

func (e *InvalidTransitionError) Error() string {
	if e.Running != "" {
		return fmt.Sprintf("cannot start step %s for project %s: step %s is already running",
			e.Step, e.ProjectID, e.Running)
	}
	return fmt.Sprintf("invalid transition for step %s of project %s: %s -> %s",
		e.Step, e.ProjectID, e.From, e.To)
}

// Ledger is the durable step execution ledger.
type Ledger interface {
	StartStep(ctx context.Context, projectID, step string) (*Record, error)
	UpdateStepProgress(ctx context.Context, projectID, step string, progress int) error
	CompleteStep(ctx context.Context, projectID, step string) error
	FailStep(ctx context.Context, projectID, step string, stepErr error) error
	SkipStep(ctx context.Context, projectID, step, reason string) error
	GetSteps(ctx context.Context, projectID string) ([]Record, error)
	GetCurrentStep(ctx context.Context, projectID string) (*Record, error)
	SaveCheckpoint(ctx context.Context, projectID, step string, outputs map[string]any) error
	GetCheckpoints(ctx context.Context, projectID string) (map[string]Checkpoint, error)
	Reset(ctx context.Context, projectID string) error
}

// ErrorDetail renders the full error chain for operator diagnosis.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	detail := fmt.Sprintf("%+v", err)
	chain := []string{}
	for e := errors.Unwrap(err); e != nil; e = errors.Unwrap(e) {
		chain = append(chain, fmt.Sprintf("%T: %v", e, e))
	}
	for _, c := range chain {
		detail += "\n  caused by " + c
	}
	return detail
}

// CheckTerminal validates a transition of r into a terminal status
func CheckTerminal(projectID, step string, r *Record, to string) error {
	if r == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, projectID, step)
	}
	if r.Status != StatusRunning && r.Status != StatusPending {
		return &InvalidTransitionError{ProjectID: projectID, Step: step, From: r.Status, To: to}
	}
	return nil
}
