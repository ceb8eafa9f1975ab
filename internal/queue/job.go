// Package queue provides a durable, at-least-once job queue contract and the
// consumer pool that drives project initialization workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job kinds
const (
	KindInitializeProject = "initialize_project"
)

// Job statuses
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

var (
	// ErrClaimLost is returned when settling a job whose claim was taken over
	// by another consumer after the visibility timeout expired
	ErrClaimLost = errors.New("job claim lost")
	// ErrContended tells the consumer another worker is processing the same
	// project; the job is released without consuming an attempt
	ErrContended = errors.New("project is being processed by another worker")
	// ErrJobNotFound is returned for unknown job IDs
	ErrJobNotFound = errors.New("job not found")
	// ErrActiveJob is returned when requeueing a job whose project already
	// has a queued or running job of the same kind
	ErrActiveJob = errors.New("project already has an active job")
)

// Job is a unit of queued work
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Kind        string          `json:"kind"`
	ProjectID   uuid.UUID       `json:"project_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	ClaimToken  uuid.UUID       `json:"-"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EnqueueOptions controls a new job
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Queue is the durable job queue
type Queue interface {
	// Enqueue adds a job. At most one queued or running job exists per kind and
	// project; a duplicate enqueue returns the existing job and created=false.
	Enqueue(ctx context.Context, kind string, projectID uuid.UUID, payload any, opts EnqueueOptions) (job *Job, created bool, err error)
	// Claim takes the next due job, or a running job whose visibility expired.
	// Returns nil when nothing is due.
	Claim(ctx context.Context, kind string, visibility time.Duration) (*Job, error)
	ExtendClaim(ctx context.Context, job *Job, visibility time.Duration) error
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, delay time.Duration, cause error) error
	Release(ctx context.Context, job *Job, delay time.Duration) error
	DeadLetter(ctx context.Context, job *Job, cause error) error
	ListDead(ctx context.Context, kind string, limit int) ([]Job, error)
	Requeue(ctx context.Context, jobID uuid.UUID) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth redelivering
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RepositoryOptions configures the repository a project is initialized with
type RepositoryOptions struct {
	Provider      string `json:"provider" validate:"required,oneof=github gitlab"`
	Name          string `json:"name" validate:"required,max=100"`
	Owner         string `json:"owner,omitempty" validate:"omitempty,max=100"`
	Visibility    string `json:"visibility" validate:"required,oneof=public private"`
	DefaultBranch string `json:"defaultBranch,omitempty" validate:"omitempty,max=255"`
	Mode          string `json:"mode" validate:"required,oneof=create existing"`
	ExistingURL   string `json:"existingUrl,omitempty" validate:"required_if=Mode existing,omitempty,url"`
}

// InitializePayload is the payload of an initialize_project job
type InitializePayload struct {
	ProjectID      string            `json:"projectId" validate:"required,uuid"`
	ProjectName    string            `json:"projectName" validate:"required,max=255"`
	ProjectSlug    string            `json:"projectSlug" validate:"required,max=100"`
	UserID         string            `json:"userId" validate:"required,uuid"`
	OrganizationID string            `json:"organizationId" validate:"required,uuid"`
	Repository     RepositoryOptions `json:"repository" validate:"required"`
	TemplateID     string            `json:"templateId" validate:"required"`
	EnvironmentIDs []string          `json:"environmentIds,omitempty" validate:"omitempty,dive,uuid"`
}

// Branch returns the configured default branch, or "main"
func (p *InitializePayload) Branch() string {
	if p.Repository.DefaultBranch == "" {
		return "main"
	}
	return p.Repository.DefaultBranch
}

// DecodeInitializePayload unmarshals a job payload
func DecodeInitializePayload(job *Job) (*InitializePayload, error) {
	var p InitializePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", job.ID, err)
	}
	return &p, nil
}
