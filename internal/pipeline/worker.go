package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/queue"
)

// Worker adapts the orchestrator to the job queue
type Worker struct {
	orchestrator *Orchestrator
	validate     *validator.Validate
	logger       *slog.Logger
}

// NewWorker creates a worker
func NewWorker(o *Orchestrator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		orchestrator: o,
		validate:     validator.New(),
		logger:       logger.With("component", "worker"),
	}
}

// ValidatePayload checks a payload's fields
func (w *Worker) ValidatePayload(p *queue.InitializePayload) error {
	if err := w.validate.Struct(p); err != nil {
		return fmt.Errorf("invalid initialization payload: %w", err)
	}
	return nil
}

// Handle processes one initialize_project job. Errors that retrying cannot
// fix are marked permanent so the consumer dead-letters the job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	p, err := queue.DecodeInitializePayload(job)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := w.ValidatePayload(p); err != nil {
		return queue.Permanent(err)
	}
	if p.ProjectID != job.ProjectID.String() {
		return queue.Permanent(fmt.Errorf("job %s is for project %s but its payload names %s", job.ID, job.ProjectID, p.ProjectID))
	}

	w.logger.Info("processing initialization job", "job_id", job.ID, "project_id", p.ProjectID, "attempt", job.Attempts)
	_, err = w.orchestrator.Run(ctx, job.ID.String(), p)

	var transition *ledger.InvalidTransitionError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContended):
		return err
	case errors.As(err, &transition):
		return queue.Permanent(err)
	case !Retryable(err):
		return queue.Permanent(err)
	}
	return err
}
