package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProjects is an in-process project store with the same behavior as
// Projects. It backs the --in-memory mode and tests.
type MemoryProjects struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*Project
	repos    map[uuid.UUID]*Repository
	envs     map[uuid.UUID][]Environment
	now      func() time.Time
}

// NewMemoryProjects creates an empty in-memory project store
func NewMemoryProjects() *MemoryProjects {
	return &MemoryProjects{
		projects: make(map[uuid.UUID]*Project),
		repos:    make(map[uuid.UUID]*Repository),
		envs:     make(map[uuid.UUID][]Environment),
		now:      time.Now,
	}
}

func (m *MemoryProjects) CreateProject(_ context.Context, project *Project) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.projects[project.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	for _, p := range m.projects {
		if p.OrganizationID == project.OrganizationID && p.Slug == project.Slug {
			return nil, fmt.Errorf("project slug %q: %w", project.Slug, ErrDuplicate)
		}
	}

	now := m.now()
	p := *project
	p.Status = ProjectStatusInitializing
	p.StatusMessage = nil
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = &p
	cp := p
	return &cp, nil
}

func (m *MemoryProjects) GetProject(_ context.Context, id uuid.UUID) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryProjects) SetStatus(_ context.Context, id uuid.UUID, status string, message *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	p.Status = status
	if message != nil {
		msg := *message
		p.StatusMessage = &msg
	} else {
		p.StatusMessage = nil
	}
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryProjects) MarkInitialized(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if p.InitializationCompletedAt == nil {
		now := m.now()
		p.InitializationCompletedAt = &now
	}
	p.UpdatedAt = m.now()
	return nil
}

func (m *MemoryProjects) UpsertRepository(_ context.Context, repo *Repository) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := *repo
	if prev, ok := m.repos[repo.ProjectID]; ok {
		r.ID = prev.ID
		r.CreatedAt = prev.CreatedAt
	} else {
		r.ID = uuid.New()
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.repos[r.ProjectID] = &r
	cp := r
	return &cp, nil
}

func (m *MemoryProjects) UpsertEnvironments(_ context.Context, projectID uuid.UUID, envs []Environment) ([]Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.envs[projectID]
	out := make([]Environment, 0, len(envs))
	for _, env := range envs {
		idx := -1
		for i := range current {
			if current[i].Name == env.Name {
				idx = i
				break
			}
		}
		if idx >= 0 {
			current[idx].Position = env.Position
			out = append(out, current[idx])
			continue
		}
		e := env
		e.ID = uuid.New()
		e.ProjectID = projectID
		e.CreatedAt = m.now()
		current = append(current, e)
		out = append(out, e)
	}
	m.envs[projectID] = current
	return out, nil
}

func (m *MemoryProjects) ListEnvironments(_ context.Context, projectID uuid.UUID) ([]Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]Environment(nil), m.envs[projectID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// Repository returns the repository linked to a project
func (m *MemoryProjects) Repository(projectID uuid.UUID) (Repository, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[projectID]
	if !ok {
		return Repository{}, false
	}
	return *r, true
}
