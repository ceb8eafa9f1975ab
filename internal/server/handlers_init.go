package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/server/middleware"
)

// EnqueueResponse is returned when an initialization job is accepted
type EnqueueResponse struct {
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	// Created is false when the project already had an active job
	Created bool `json:"created"`
}

// JobSummary describes the latest initialization job of a project
type JobSummary struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   *string   `json:"last_error,omitempty"`
	RunAt       time.Time `json:"run_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusResponse is the derived initialization state of a project
type StatusResponse struct {
	ledger.State
	ProjectStatus string      `json:"project_status"`
	StatusMessage *string     `json:"status_message,omitempty"`
	Job           *JobSummary `json:"job,omitempty"`
}

func summarizeJob(j *queue.Job) *JobSummary {
	if j == nil {
		return nil
	}
	return &JobSummary{
		ID:          j.ID.String(),
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		RunAt:       j.RunAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// live reports whether more progress events can follow
func (r *StatusResponse) live() bool {
	if r.Job != nil && (r.Job.Status == queue.StatusQueued || r.Job.Status == queue.StatusRunning) {
		return true
	}
	return r.Status == ledger.ProjectInitializing
}

func pathProjectID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "must be a UUID"}
	}
	return id, nil
}

// authorize checks the caller may act on a project
func authorize(r *http.Request, project *db.Project) error {
	p, ok := middleware.GetPrincipal(r)
	if !ok {
		return nil
	}
	if !p.MemberOf(project.OrganizationID) {
		return &ErrForbidden{Reason: "not a member of the project's organization"}
	}
	return nil
}

// loadProject fetches and authorizes the project named in the path
func (s *Server) loadProject(r *http.Request) (*db.Project, error) {
	id, err := pathProjectID(r)
	if err != nil {
		return nil, err
	}
	project, err := s.deps.Projects.GetProject(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if err := authorize(r, project); err != nil {
		return nil, err
	}
	return project, nil
}

// decodePayload reads an initialization payload, fills the project and user
// from the request and validates it
func (s *Server) decodePayload(r *http.Request, projectID uuid.UUID) (*queue.InitializePayload, error) {
	var p queue.InitializePayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}

	switch p.ProjectID {
	case "":
		p.ProjectID = projectID.String()
	case projectID.String():
	default:
		return nil, &ErrValidation{Field: "projectId", Message: "does not match the path"}
	}
	if principal, ok := middleware.GetPrincipal(r); ok {
		if p.UserID == "" {
			p.UserID = principal.UserID.String()
		} else if p.UserID != principal.UserID.String() {
			return nil, &ErrForbidden{Reason: "userId does not match the token"}
		}
	}
	if p.Repository.DefaultBranch == "" {
		p.Repository.DefaultBranch = p.Branch()
	}

	if err := s.validate.Struct(&p); err != nil {
		return nil, validationError(err)
	}
	return &p, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ErrValidation{Field: fe.Namespace(), Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag())}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

// handleInitialize enqueues initialization of a project, creating the
// project row on first use
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathProjectID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, err := s.decodePayload(r, projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ensureProject(r, payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.enqueue(w, r, projectID, payload)
}

func (s *Server) ensureProject(r *http.Request, p *queue.InitializePayload) error {
	ctx := r.Context()
	id := uuid.MustParse(p.ProjectID)
	org := uuid.MustParse(p.OrganizationID)

	principal, ok := middleware.GetPrincipal(r)
	if ok && !principal.MemberOf(org) {
		return &ErrForbidden{Reason: "not a member of the organization"}
	}

	project, err := s.deps.Projects.GetProject(ctx, id)
	if errors.Is(err, db.ErrProjectNotFound) {
		_, err = s.deps.Projects.CreateProject(ctx, &db.Project{
			ID:             id,
			OrganizationID: org,
			OwnerID:        uuid.MustParse(p.UserID),
			Name:           p.ProjectName,
			Slug:           p.ProjectSlug,
		})
		return err
	}
	if err != nil {
		return err
	}
	if project.OrganizationID != org {
		return &ErrValidation{Field: "organizationId", Message: "does not match the project"}
	}
	if project.Status == db.ProjectStatusActive {
		return &ErrConflict{Message: "project is already initialized"}
	}
	return nil
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, payload *queue.InitializePayload) {
	job, created, err := s.deps.Queue.Enqueue(r.Context(), queue.KindInitializeProject, projectID, payload,
		queue.EnqueueOptions{MaxAttempts: s.cfg.JobMaxAttempts})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	s.logger.Info("initialization enqueued", "project_id", projectID, "job_id", job.ID, "created", created)
	s.jsonResponse(w, status, EnqueueResponse{
		JobID:     job.ID.String(),
		ProjectID: projectID.String(),
		Status:    job.Status,
		Created:   created,
	})
}

// handleInitStatus returns the derived initialization state
func (s *Server) handleInitStatus(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.status(r.Context(), project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) status(ctx context.Context, project *db.Project) (*StatusResponse, error) {
	records, err := s.deps.Ledger.GetSteps(ctx, project.ID.String())
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		State:         ledger.Derive(s.deps.Catalog, project.ID.String(), records),
		ProjectStatus: project.Status,
		StatusMessage: project.StatusMessage,
	}
	if resp.Steps == nil {
		resp.Steps = []ledger.Record{}
	}

	job, err := s.deps.Queue.Latest(ctx, queue.KindInitializeProject, project.ID)
	switch {
	case err == nil:
		resp.Job = summarizeJob(job)
	case !errors.Is(err, queue.ErrJobNotFound):
		return nil, err
	}
	return resp, nil
}

// handleRetry re-enqueues a project whose initialization failed. The body is
// optional; without one the payload of the latest job is reused. With
// ?fresh=true the step ledger is cleared first so every step runs again.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	project, err := s.loadProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if project.Status == db.ProjectStatusActive {
		s.writeError(w, r, &ErrConflict{Message: "project is already initialized"})
		return
	}

	fresh := false
	if v := r.URL.Query().Get("fresh"); v != "" {
		fresh, err = strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, &ErrValidation{Field: "fresh", Message: "must be a boolean"})
			return
		}
	}

	payload, err := s.retryPayload(r, project)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if fresh {
		if err := s.deps.Ledger.Reset(r.Context(), project.ID.String()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("initialization ledger reset", "project_id", project.ID)
	}
	s.enqueue(w, r, project.ID, payload)
}

func (s *Server) retryPayload(r *http.Request, project *db.Project) (*queue.InitializePayload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	if len(body) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(body))
		p, err := s.decodePayload(r, project.ID)
		if err != nil {
			return nil, err
		}
		if p.OrganizationID != project.OrganizationID.String() {
			return nil, &ErrValidation{Field: "organizationId", Message: "does not match the project"}
		}
		return p, nil
	}

	job, err := s.deps.Queue.Latest(r.Context(), queue.KindInitializeProject, project.ID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return nil, fmt.Errorf("no previous initialization to retry: %w", err)
		}
		return nil, err
	}
	p, err := queue.DecodeInitializePayload(job)
	if err != nil {
		return nil, err
	}
	return p, nil
}
