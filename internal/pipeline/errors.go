package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/project-init/internal/gitops"
	"github.com/jonathan/project-init/internal/gitprovider"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/templates"
)

var (
	// ErrContended is returned when another worker holds the project lease.
	// It is the queue's sentinel so the consumer releases the job instead of
	// spending an attempt.
	ErrContended = queue.ErrContended
	// ErrSkipped is returned by an action whose work does not apply to the
	// project. The step is recorded as skipped and counts as done.
	ErrSkipped = errors.New("step skipped")
	// ErrLeaseLost is the cancellation cause when the project lease cannot be renewed
	ErrLeaseLost = errors.New("project lease lost")
)

// StepError is the failure of one step of a project's initialization
type StepError struct {
	Step string
	// Label is the step's display name in the catalog that ran it
	Label     string
	ProjectID string
	Cause     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed for project %s: %v", e.Step, e.ProjectID, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether running the step again may succeed
func (e *StepError) Retryable() bool {
	return Retryable(e.Cause)
}

// UserMessage is a short description suitable for the project status
func (e *StepError) UserMessage() string {
	prefix := "Project initialization failed"
	label := e.Label
	if label == "" {
		if def, err := steps.Default.Get(e.Step); err == nil {
			label = def.Label
		}
	}
	if label != "" {
		prefix = "Failed to " + lowerFirst(label)
	}

	var reqErr *gitprovider.RequestError
	switch {
	case errors.Is(e.Cause, context.DeadlineExceeded):
		return prefix + ": the operation timed out"
	case errors.Is(e.Cause, gitprovider.ErrNoCredentials):
		return prefix + ": no credentials are configured for the git provider"
	case errors.Is(e.Cause, templates.ErrUnknownTemplate):
		return prefix + ": the selected template does not exist"
	case errors.As(e.Cause, &reqErr):
		if reqErr.RateLimited {
			return prefix + ": the git provider rate limit was reached"
		}
		if reqErr.Message != "" {
			return prefix + ": " + reqErr.Message
		}
	}
	return prefix
}

// Retryable classifies an error. Timeouts, network failures, and provider
// 5xx/429 responses are retryable; invariant violations, bad input, and
// explicit permanent errors are not. Unknown errors are retried within the
// job's attempt budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if queue.IsPermanent(err) {
		return false
	}

	var transition *ledger.InvalidTransitionError
	var unknown *steps.UnknownStepError
	switch {
	case errors.As(err, &transition), errors.As(err, &unknown):
		return false
	case errors.Is(err, templates.ErrUnknownTemplate),
		errors.Is(err, gitprovider.ErrNoCredentials),
		errors.Is(err, gitops.ErrFluxNotInstalled):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return true
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrContended):
		return true
	}

	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
