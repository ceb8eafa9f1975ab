// Package pipeline runs project initialization: it walks the step catalog,
// records every transition in the ledger, and publishes progress as it goes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/lock"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/progress"
	"github.com/jonathan/project-init/internal/queue"
)

// Defaults
const (
	DefaultJobTimeout      = 15 * time.Minute
	DefaultMinStepTimeout  = 30 * time.Second
	DefaultStepTimeoutMult = 4
	DefaultMaxStepAttempts = 3
	settleTimeout          = 10 * time.Second
)

// Action performs one catalog step
type Action func(ctx context.Context, exec *Execution, report Reporter) error

// Reporter receives step-local progress (0-100) from a running action
type Reporter interface {
	Report(local int, message string)
}

// ReporterFunc adapts a function to the Reporter interface
type ReporterFunc func(local int, message string)

// Report calls f
func (f ReporterFunc) Report(local int, message string) { f(local, message) }

// StatusStore records the project's terminal initialization status
type StatusStore interface {
	SetStatus(ctx context.Context, id uuid.UUID, status string, message *string) error
}

// Execution is the context shared by the steps of one run. Outputs of steps
// completed by earlier runs are restored from ledger checkpoints.
type Execution struct {
	ProjectID string
	JobID     string
	Payload   *queue.InitializePayload

	mu      sync.Mutex
	outputs map[string]map[string]any
	pending map[string]any
}

// NewExecution creates an execution for a payload
func NewExecution(jobID string, payload *queue.InitializePayload) *Execution {
	return &Execution{
		ProjectID: payload.ProjectID,
		JobID:     jobID,
		Payload:   payload,
		outputs:   map[string]map[string]any{},
	}
}

// Outputs returns the recorded outputs of a completed step
func (e *Execution) Outputs(step string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outputs[step]
	return out, ok
}

// Set records an output of the running step. Outputs are checkpointed when
// the step finishes.
func (e *Execution) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.pending = map[string]any{}
	}
	e.pending[key] = value
}

// SetAll records several outputs of the running step
func (e *Execution) SetAll(values map[string]any) {
	for k, v := range values {
		e.Set(k, v)
	}
}

func (e *Execution) restore(checkpoints map[string]ledger.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for step, cp := range checkpoints {
		e.outputs[step] = cp.Outputs
	}
}

// commit moves the running step's outputs into the completed set
func (e *Execution) commit(step string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	if len(out) > 0 {
		e.outputs[step] = out
	}
	return out
}

// Deps are the orchestrator's collaborators
type Deps struct {
	Catalog   *steps.Catalog
	Ledger    ledger.Ledger
	Publisher progress.Publisher
	Locker    lock.Locker
	Projects  StatusStore
	Actions   map[string]Action
	Logger    *slog.Logger
}

// Options tune the orchestrator
type Options struct {
	// Owner identifies this worker in project leases
	Owner   string
	LockTTL time.Duration
	// JobTimeout bounds a whole run
	JobTimeout time.Duration
	// StepTimeout, if set, replaces the per-step timeout derived from the
	// step's estimated duration
	StepTimeout     time.Duration
	MinStepTimeout  time.Duration
	MaxStepAttempts int
}

func (o Options) withDefaults() Options {
	if o.Owner == "" {
		o.Owner = "worker-" + uuid.NewString()[:8]
	}
	if o.LockTTL <= 0 {
		o.LockTTL = lock.DefaultTTL
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.MinStepTimeout <= 0 {
		o.MinStepTimeout = DefaultMinStepTimeout
	}
	if o.MaxStepAttempts <= 0 {
		o.MaxStepAttempts = DefaultMaxStepAttempts
	}
	return o
}

// Result summarizes a run
type Result struct {
	ProjectID string   `json:"project_id"`
	Status    string   `json:"status"`
	Progress  int      `json:"progress"`
	ResumedAt string   `json:"resumed_at,omitempty"`
	Executed  []string `json:"executed"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Orchestrator drives a project through the step catalog
type Orchestrator struct {
	catalog   *steps.Catalog
	ledger    ledger.Ledger
	publisher progress.Publisher
	locker    lock.Locker
	projects  StatusStore
	actions   map[string]Action
	logger    *slog.Logger
	opts      Options
}

// New creates an orchestrator. Every catalog step must have an action.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Catalog == nil {
		deps.Catalog = steps.Default
	}
	if deps.Ledger == nil || deps.Locker == nil || deps.Projects == nil {
		return nil, errors.New("pipeline: ledger, locker and project store are required")
	}
	for _, def := range deps.Catalog.Steps() {
		if deps.Actions[def.Name] == nil {
			return nil, fmt.Errorf("pipeline: no action for step %s", def.Name)
		}
	}
	for name := range deps.Actions {
		if deps.Catalog.Index(name) < 0 {
			return nil, &steps.UnknownStepError{Step: name}
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		publisher: progress.Safe(deps.Publisher, logger),
		locker:    deps.Locker,
		projects:  deps.Projects,
		actions:   deps.Actions,
		logger:    logger.With("component", "orchestrator"),
		opts:      opts.withDefaults(),
	}, nil
}

// Catalog returns the step catalog the orchestrator runs
func (o *Orchestrator) Catalog() *steps.Catalog {
	return o.catalog
}

// StepTimeout returns the time a step may run before it is failed
func (o *Orchestrator) StepTimeout(def steps.Definition) time.Duration {
	if o.opts.StepTimeout > 0 {
		return o.opts.StepTimeout
	}
	t := time.Duration(DefaultStepTimeoutMult) * def.EstimatedDuration
	if t < o.opts.MinStepTimeout {
		t = o.opts.MinStepTimeout
	}
	return t
}

// Run initializes the payload's project, resuming after the last step the
// ledger records as done. It returns ErrContended without touching the
// ledger when another worker holds the project.
func (o *Orchestrator) Run(ctx context.Context, jobID string, payload *queue.InitializePayload) (*Result, error) {
	projectID := payload.ProjectID
	pid, err := uuid.Parse(projectID)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("invalid project id %q: %w", projectID, err))
	}
	logger := o.logger.With("project_id", projectID, "job_id", jobID)
	start := time.Now()

	// unique per run so a redelivered copy of the same job is contended
	owner := o.opts.Owner + "/" + uuid.NewString()
	logger = logger.With("lease_owner", owner)
	lease, err := o.locker.Acquire(ctx, projectID, owner, o.opts.LockTTL)
	if errors.Is(err, lock.ErrLocked) {
		lockContention.Inc()
		logger.Info("project is being initialized by another worker")
		return nil, fmt.Errorf("%w: project %s", ErrContended, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire project lease: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, o.opts.JobTimeout)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lock.Keepalive(runCtx, lease, o.opts.LockTTL/3, logger, func(err error) {
			cancel(fmt.Errorf("%w: %v", ErrLeaseLost, err))
		})
	}()
	defer func() {
		cancelTimeout()
		cancel(nil)
		wg.Wait()
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer rcancel()
		if err := lease.Release(rctx); err != nil && !errors.Is(err, lock.ErrLeaseLost) {
			logger.Warn("failed to release project lease", "error", err)
		}
	}()

	res, err := o.run(runCtx, pid, jobID, payload, logger)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLeaseLost) && err != nil {
		err = cause
	}
	outcome := "completed"
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost), ctx.Err() != nil:
		outcome = "interrupted"
	default:
		outcome = "failed"
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	logger.Info("initialization run finished", "outcome", outcome, "duration", time.Since(start))
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, pid uuid.UUID, jobID string, payload *queue.InitializePayload, logger *slog.Logger) (*Result, error) {
	projectID := payload.ProjectID

	records, err := o.ledger.GetSteps(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	checkpoints, err := o.ledger.GetCheckpoints(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	state := ledger.Derive(o.catalog, projectID, records)
	for _, name := range state.Stale {
		logger.Warn("ledger record does not match the current step catalog", "step", name, "catalog_version", o.catalog.Version())
	}

	exec := NewExecution(jobID, payload)
	exec.restore(checkpoints)

	defs := o.catalog.Steps()
	resume := ledger.ResumePoint(o.catalog, records)
	res := &Result{ProjectID: projectID, Status: ledger.ProjectInitializing}
	em := &emitter{publisher: o.publisher, projectID: projectID}

	if resume == len(defs) {
		logger.Info("all steps already done")
		return o.complete(ctx, pid, res, em)
	}

	first := defs[resume]
	res.ResumedAt = first.Name
	if err := o.projects.SetStatus(ctx, pid, db.ProjectStatusInitializing, nil); err != nil {
		return nil, fmt.Errorf("failed to mark project initializing: %w", err)
	}

	if rec := findRecord(records, first.Name); rec != nil && rec.Status == ledger.StatusRunning {
		logger.Warn("resuming step left running by an interrupted run", "step", first.Name, "attempt", rec.Attempts)
		if rec.Attempts >= o.opts.MaxStepAttempts {
			cause := queue.Permanent(fmt.Errorf("step %s was interrupted %d times", first.Name, rec.Attempts))
			return res, o.fail(ctx, pid, first, em, cause, logger)
		}
	}

	msg := "Initialization started"
	if resume > 0 || len(records) > 0 {
		msg = "Resuming initialization at " + lowerFirst(first.Label)
	}
	em.emit(ctx, progress.TypeStarted, first.Name, first.ProgressStart, msg, "")

	for _, def := range defs[resume:] {
		if err := ctx.Err(); err != nil {
			// job timeout between steps fails the next step like one inside a step
			if errors.Is(err, context.DeadlineExceeded) {
				cause := fmt.Errorf("initialization timed out after %s: %w", o.opts.JobTimeout, err)
				return res, o.fail(ctx, pid, def, em, cause, logger)
			}
			return res, context.Cause(ctx)
		}
		skipped, err := o.runStep(ctx, pid, def, exec, em, logger)
		if err != nil {
			return res, err
		}
		res.Executed = append(res.Executed, def.Name)
		if skipped {
			res.Skipped = append(res.Skipped, def.Name)
		}
	}
	return o.complete(ctx, pid, res, em)
}

// runStep executes one step and records its outcome
func (o *Orchestrator) runStep(ctx context.Context, pid uuid.UUID, def steps.Definition, exec *Execution, em *emitter, logger *slog.Logger) (bool, error) {
	projectID := exec.ProjectID
	logger = logger.With("step", def.Name)

	rec, err := o.ledger.StartStep(ctx, projectID, def.Name)
	if err != nil {
		return false, fmt.Errorf("failed to start step %s: %w", def.Name, err)
	}
	logger.Info("step started", "attempt", rec.Attempts)
	em.emit(ctx, progress.TypeProgress, def.Name, def.ProgressStart, "Starting: "+def.Label, "")

	stepCtx, cancel := context.WithTimeout(ctx, o.StepTimeout(def))
	defer cancel()

	reporter := &stepReporter{o: o, ctx: stepCtx, projectID: projectID, def: def, em: em, logger: logger}
	start := time.Now()
	actErr := safeAction(stepCtx, o.actions[def.Name], exec, reporter)
	elapsed := time.Since(start)

	// the run was interrupted rather than the step failing: leave the row
	// running so the next delivery restarts it
	if actErr != nil && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		stepDuration.WithLabelValues(def.Name, "interrupted").Observe(elapsed.Seconds())
		logger.Warn("step interrupted", "error", actErr)
		return false, context.Cause(ctx)
	}

	if actErr != nil && !errors.Is(actErr, ErrSkipped) {
		if errors.Is(actErr, context.DeadlineExceeded) {
			actErr = fmt.Errorf("step timed out after %s: %w", elapsed.Round(time.Millisecond), actErr)
		}
		stepDuration.WithLabelValues(def.Name, "failed").Observe(elapsed.Seconds())
		exec.commit(def.Name)
		return false, o.fail(ctx, pid, def, em, actErr, logger)
	}

	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer wcancel()

	if outputs := exec.commit(def.Name); len(outputs) > 0 {
		if err := o.ledger.SaveCheckpoint(wctx, projectID, def.Name, outputs); err != nil {
			return false, fmt.Errorf("failed to checkpoint step %s: %w", def.Name, err)
		}
	}

	if errors.Is(actErr, ErrSkipped) {
		if err := o.ledger.SkipStep(wctx, projectID, def.Name, actErr.Error()); err != nil {
			return false, fmt.Errorf("failed to skip step %s: %w", def.Name, err)
		}
		stepDuration.WithLabelValues(def.Name, "skipped").Observe(elapsed.Seconds())
		logger.Info("step skipped", "reason", actErr.Error(), "duration", elapsed)
		em.emit(ctx, progress.TypeStepCompleted, def.Name, def.ProgressEnd, def.Label+" skipped", "")
		return true, nil
	}

	if err := o.ledger.CompleteStep(wctx, projectID, def.Name); err != nil {
		return false, fmt.Errorf("failed to complete step %s: %w", def.Name, err)
	}
	stepDuration.WithLabelValues(def.Name, "completed").Observe(elapsed.Seconds())
	logger.Info("step completed", "duration", elapsed)
	em.emit(ctx, progress.TypeStepCompleted, def.Name, def.ProgressEnd, def.Label+" completed", "")
	return false, nil
}

// fail records a step failure, marks the project failed, and returns the StepError
func (o *Orchestrator) fail(ctx context.Context, pid uuid.UUID, def steps.Definition, em *emitter, cause error, logger *slog.Logger) error {
	stepErr := &StepError{Step: def.Name, Label: def.Label, ProjectID: pid.String(), Cause: cause}
	logger.Error("step failed", "step", def.Name, "error", cause, "retryable", stepErr.Retryable())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := o.ledger.FailStep(wctx, stepErr.ProjectID, def.Name, cause); err != nil {
		logger.Error("failed to record step failure", "step", def.Name, "error", err)
	}
	em.emit(wctx, progress.TypeStepFailed, def.Name, em.current(), def.Label+" failed", cause.Error())

	msg := stepErr.UserMessage()
	if err := o.projects.SetStatus(wctx, pid, db.ProjectStatusFailed, &msg); err != nil {
		logger.Error("failed to mark project failed", "error", err)
	}
	em.emit(wctx, progress.TypeFailed, def.Name, em.current(), msg, cause.Error())
	return stepErr
}

func (o *Orchestrator) complete(ctx context.Context, pid uuid.UUID, res *Result, em *emitter) (*Result, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := o.projects.SetStatus(wctx, pid, db.ProjectStatusActive, nil); err != nil {
		return res, fmt.Errorf("failed to mark project active: %w", err)
	}
	em.emit(wctx, progress.TypeCompleted, "", 100, "Project initialization completed", "")
	res.Status = ledger.ProjectActive
	res.Progress = 100
	return res, nil
}

func safeAction(ctx context.Context, action Action, exec *Execution, report Reporter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = queue.Permanent(fmt.Errorf("step action panicked: %v", r))
		}
	}()
	return action(ctx, exec, report)
}

func findRecord(records []ledger.Record, step string) *ledger.Record {
	for i := range records {
		if records[i].Step == step {
			return &records[i]
		}
	}
	return nil
}

// stepReporter forwards action progress to the ledger and the publisher
type stepReporter struct {
	o         *Orchestrator
	ctx       context.Context
	projectID string
	def       steps.Definition
	em        *emitter
	logger    *slog.Logger
}

func (r *stepReporter) Report(local int, message string) {
	local = steps.ClampProgress(local)
	if err := r.o.ledger.UpdateStepProgress(r.ctx, r.projectID, r.def.Name, local); err != nil {
		r.logger.Warn("failed to record step progress", "progress", local, "error", err)
	}
	overall, err := r.o.catalog.StepProgressToOverall(r.def.Name, local)
	if err != nil {
		return
	}
	r.em.emit(r.ctx, progress.TypeProgress, r.def.Name, overall, message, "")
}

// emitter publishes events with overall progress that never decreases within a run
type emitter struct {
	publisher progress.Publisher
	projectID string

	mu   sync.Mutex
	last int
}

func (e *emitter) emit(ctx context.Context, typ, step string, overall int, message, errMsg string) {
	e.mu.Lock()
	if overall < e.last {
		overall = e.last
	}
	e.last = overall
	e.mu.Unlock()

	_ = e.publisher.Publish(ctx, progress.Event{
		Type:      typ,
		ProjectID: e.projectID,
		Step:      step,
		Progress:  overall,
		Message:   message,
		Error:     errMsg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (e *emitter) current() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}
