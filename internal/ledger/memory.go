package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/project-init/internal/pipeline/steps"
)

// Memory is an in-process ledger. It enforces the same invariants as the
// Postgres ledger and backs tests and --in-memory runs.
type Memory struct {
	mu             sync.Mutex
	records        map[string]map[string]*Record
	checkpoints    map[string]map[string]Checkpoint
	seq            map[string]int
	order          map[string]map[string]int
	catalogVersion string
	now            func() time.Time
}

// NewMemory creates an empty in-memory ledger
func NewMemory(catalog *steps.Catalog) *Memory {
	m := &Memory{
		records:     map[string]map[string]*Record{},
		checkpoints: map[string]map[string]Checkpoint{},
		seq:         map[string]int{},
		order:       map[string]map[string]int{},
		now:         time.Now,
	}
	if catalog != nil {
		m.catalogVersion = catalog.Version()
	}
	return m
}

// WithClock overrides the time source
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// StartStep marks a step running, creating the record if needed.
func (m *Memory) StartStep(_ context.Context, projectID, step string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows(projectID)
	for name, r := range rows {
		if r.Status == StatusRunning && name != step {
			return nil, &InvalidTransitionError{ProjectID: projectID, Step: step, To: StatusRunning, Running: name}
		}
	}

	now := m.now()
	r := m.ensure(projectID, step, now)
	r.Status = StatusRunning
	r.Progress = 0
	r.Error = nil
	r.ErrorDetail = nil
	r.CompletedAt = nil
	r.StartedAt = &now
	r.Attempts++
	r.CatalogVersion = m.catalogVersion
	r.UpdatedAt = now

	out := *r
	return &out, nil
}

// UpdateStepProgress records local progress on a running step; other states are ignored.
func (m *Memory) UpdateStepProgress(_ context.Context, projectID, step string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rows(projectID)[step]
	if r == nil || r.Status != StatusRunning {
		return nil
	}
	r.Progress = steps.ClampProgress(progress)
	r.UpdatedAt = m.now()
	return nil
}

// CompleteStep marks a step completed
func (m *Memory) CompleteStep(_ context.Context, projectID, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.rows(projectID)[step]
	if err := CheckTerminal(projectID, step, r, StatusCompleted); err != nil {
		return err
	}
	now := m.now()
	r.Status = StatusCompleted
	r.Progress = 100
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// FailStep marks a step failed and stores the error, creating the record if
// the step never started.
func (m *Memory) FailStep(_ context.Context, projectID, step string, stepErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := m.ensure(projectID, step, now)
	if err := CheckTerminal(projectID, step, r, StatusFailed); err != nil {
		return err
	}
	msg := "unknown error"
	if stepErr != nil {
		msg = stepErr.Error()
	}
	detail := ErrorDetail(stepErr)
	r.Status = StatusFailed
	r.Error = &msg
	r.ErrorDetail = &detail
	r.CompletedAt = &now
	r.UpdatedAt = now
	return nil
}

// SkipStep marks a step skipped, creating the record if the step never started.
func (m *Memory) SkipStep(_ context.Context, projectID, step, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := m.ensure(projectID, step, now)
	if err := CheckTerminal(projectID, step, r, StatusSkipped); err != nil {
		return err
	}
	r.Status = StatusSkipped
	r.Progress = 100
	r.Error = &reason
	r.CompletedAt = &now
	r.CatalogVersion = m.catalogVersion
	r.UpdatedAt = now
	return nil
}

// GetSteps returns the project's records in creation order
func (m *Memory) GetSteps(_ context.Context, projectID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.records[projectID]
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	order := m.order[projectID]
	sort.Slice(out, func(i, j int) bool {
		return order[out[i].Step] < order[out[j].Step]
	})
	return out, nil
}

// GetCurrentStep returns the running record, or nil
func (m *Memory) GetCurrentStep(_ context.Context, projectID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records[projectID] {
		if r.Status == StatusRunning {
			out := *r
			return &out, nil
		}
	}
	return nil, nil
}

// SaveCheckpoint stores step outputs, replacing any previous checkpoint for the step
func (m *Memory) SaveCheckpoint(_ context.Context, projectID, step string, outputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkpoints[projectID] == nil {
		m.checkpoints[projectID] = map[string]Checkpoint{}
	}
	copied := make(map[string]any, len(outputs))
	for k, v := range outputs {
		copied[k] = v
	}
	m.checkpoints[projectID][step] = Checkpoint{
		ProjectID: projectID,
		Step:      step,
		Outputs:   copied,
		CreatedAt: m.now(),
	}
	return nil
}

// GetCheckpoints returns all checkpoints of a project keyed by step
func (m *Memory) GetCheckpoints(_ context.Context, projectID string) (map[string]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Checkpoint, len(m.checkpoints[projectID]))
	for k, v := range m.checkpoints[projectID] {
		out[k] = v
	}
	return out, nil
}

// Reset deletes every record and checkpoint of a project
func (m *Memory) Reset(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.records[projectID]; cur != nil {
		for name, r := range cur {
			if r.Status == StatusRunning {
				return fmt.Errorf("cannot reset project %s: %w", projectID,
					&InvalidTransitionError{ProjectID: projectID, Step: name, From: StatusRunning, To: StatusPending})
			}
		}
	}
	delete(m.records, projectID)
	delete(m.checkpoints, projectID)
	delete(m.order, projectID)
	delete(m.seq, projectID)
	return nil
}

// RunningCount returns how many records of a project are running
func (m *Memory) RunningCount(projectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.records[projectID] {
		if r.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (m *Memory) rows(projectID string) map[string]*Record {
	rows, ok := m.records[projectID]
	if !ok {
		rows = map[string]*Record{}
		m.records[projectID] = rows
		m.order[projectID] = map[string]int{}
	}
	return rows
}

// ensure returns the step's record, adding a pending one if it does not exist
func (m *Memory) ensure(projectID, step string, now time.Time) *Record {
	rows := m.rows(projectID)
	r, ok := rows[step]
	if !ok {
		r = &Record{ProjectID: projectID, Step: step, Status: StatusPending, CreatedAt: now}
		rows[step] = r
		m.seq[projectID]++
		m.order[projectID][step] = m.seq[projectID]
	}
	return r
}
