package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue. It has the same claim and redelivery
// semantics as the Postgres queue and is used by tests and single-process runs.
type Memory struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	now  func() time.Time
}

// NewMemory creates an empty in-memory queue
func NewMemory() *Memory {
	return &Memory{jobs: map[uuid.UUID]*Job{}, now: time.Now}
}

// WithClock overrides the time source
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Enqueue(_ context.Context, kind string, projectID uuid.UUID, payload any, opts EnqueueOptions) (*Job, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Kind == kind && j.ProjectID == projectID && (j.Status == StatusQueued || j.Status == StatusRunning) {
			cp := *j
			return &cp, false, nil
		}
	}

	now := m.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	j := &Job{
		ID:          uuid.New(),
		Kind:        kind,
		ProjectID:   projectID,
		Payload:     raw,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[j.ID] = j
	cp := *j
	return &cp, true, nil
}

func (m *Memory) Claim(_ context.Context, kind string, visibility time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []*Job
	for _, j := range m.jobs {
		if j.Kind != kind {
			continue
		}
		switch j.Status {
		case StatusQueued:
			if !j.RunAt.After(now) {
				due = append(due, j)
			}
		case StatusRunning:
			if j.LockedUntil != nil && !j.LockedUntil.After(now) {
				due = append(due, j)
			}
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].CreatedAt.Before(due[b].CreatedAt)
		}
		return due[a].RunAt.Before(due[b].RunAt)
	})

	j := due[0]
	until := now.Add(visibility)
	j.Status = StatusRunning
	j.Attempts++
	j.LockedUntil = &until
	j.ClaimToken = uuid.New()
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

// owned returns the stored job if the caller still holds the claim
func (m *Memory) owned(job *Job) (*Job, error) {
	j, ok := m.jobs[job.ID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != StatusRunning || j.ClaimToken != job.ClaimToken {
		return nil, ErrClaimLost
	}
	return j, nil
}

func (m *Memory) ExtendClaim(_ context.Context, job *Job, visibility time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(job)
	if err != nil {
		return err
	}
	until := m.now().Add(visibility)
	j.LockedUntil = &until
	job.LockedUntil = &until
	return nil
}

func (m *Memory) Ack(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusDone
	j.LockedUntil = nil
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Retry(_ context.Context, job *Job, delay time.Duration, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(job)
	if err != nil {
		return err
	}
	now := m.now()
	j.Status = StatusQueued
	j.RunAt = now.Add(delay)
	j.LockedUntil = nil
	j.LastError = errString(cause)
	j.UpdatedAt = now
	return nil
}

func (m *Memory) Release(_ context.Context, job *Job, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(job)
	if err != nil {
		return err
	}
	now := m.now()
	j.Status = StatusQueued
	if j.Attempts > 0 {
		j.Attempts--
	}
	j.RunAt = now.Add(delay)
	j.LockedUntil = nil
	j.UpdatedAt = now
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, job *Job, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.owned(job)
	if err != nil {
		return err
	}
	j.Status = StatusDead
	j.LockedUntil = nil
	j.LastError = errString(cause)
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListDead(_ context.Context, kind string, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.Status == StatusDead && (kind == "" || j.Kind == kind) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Requeue(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok || j.Status != StatusDead {
		return ErrJobNotFound
	}
	for _, other := range m.jobs {
		if other.ID != j.ID && other.Kind == j.Kind && other.ProjectID == j.ProjectID &&
			(other.Status == StatusQueued || other.Status == StatusRunning) {
			return fmt.Errorf("project %s %s: %w", j.ProjectID, j.Kind, ErrActiveJob)
		}
	}
	now := m.now()
	j.Status = StatusQueued
	j.Attempts = 0
	j.RunAt = now
	j.UpdatedAt = now
	return nil
}

// Latest returns the most recently created job of a kind for a project
func (m *Memory) Latest(_ context.Context, kind string, projectID uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Job
	for _, j := range m.jobs {
		if j.Kind != kind || j.ProjectID != projectID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, ErrJobNotFound
	}
	cp := *latest
	return &cp, nil
}

// Get returns a copy of a job
func (m *Memory) Get(id uuid.UUID) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
