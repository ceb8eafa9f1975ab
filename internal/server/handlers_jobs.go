package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/queue"
)

// DeadJob is a dead-lettered job as shown to operators
type DeadJob struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
	JobSummary
}

// handleListDeadJobs lists dead-lettered jobs, newest first
func (s *Server) handleListDeadJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, r, &ErrValidation{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		limit = n
	}

	jobs, err := s.deps.Queue.ListDead(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]DeadJob, 0, len(jobs))
	for i := range jobs {
		j := &jobs[i]
		out = append(out, DeadJob{
			ID:         j.ID.String(),
			Kind:       j.Kind,
			ProjectID:  j.ProjectID.String(),
			JobSummary: *summarizeJob(j),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

// handleRequeueJob moves a dead job back to the queue
func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, &ErrValidation{Field: "id", Message: "must be a UUID"})
		return
	}
	if err := s.deps.Queue.Requeue(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("dead job requeued", "job_id", id)
	s.jsonResponse(w, http.StatusOK, map[string]string{"job_id": id.String(), "status": queue.StatusQueued})
}
