package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Project statuses
const (
	ProjectStatusInitializing = "initializing"
	ProjectStatusActive       = "active"
	ProjectStatusFailed       = "failed"
)

var (
	// ErrProjectNotFound is returned for unknown project IDs
	ErrProjectNotFound = errors.New("project not found")
	// ErrDuplicate is returned when a unique business key is already taken
	ErrDuplicate = errors.New("duplicate record")
)

// Project is the subset of the projects table the initializer reads and writes
type Project struct {
	ID                        uuid.UUID  `json:"id"`
	OrganizationID            uuid.UUID  `json:"organization_id"`
	OwnerID                   uuid.UUID  `json:"owner_id"`
	Name                      string     `json:"name"`
	Slug                      string     `json:"slug"`
	Status                    string     `json:"status"`
	StatusMessage             *string    `json:"status_message,omitempty"`
	InitializationCompletedAt *time.Time `json:"initialization_completed_at,omitempty"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// Repository is the git repository linked to a project
type Repository struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Provider      string    `json:"provider"`
	ExternalID    string    `json:"external_id,omitempty"`
	Owner         string    `json:"owner"`
	Name          string    `json:"name"`
	HTMLURL       string    `json:"html_url"`
	CloneURL      string    `json:"clone_url"`
	DefaultBranch string    `json:"default_branch"`
	Visibility    string    `json:"visibility"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Environment is a deployment environment of a project
type Environment struct {
	ID               uuid.UUID `json:"id"`
	ProjectID        uuid.UUID `json:"project_id"`
	Name             string    `json:"name"`
	Position         int       `json:"position"`
	RequiresApproval bool      `json:"requires_approval"`
	AutoDeploy       bool      `json:"auto_deploy"`
	CreatedAt        time.Time `json:"created_at"`
}

// DefaultEnvironments are created for every new project
func DefaultEnvironments() []Environment {
	return []Environment{
		{Name: "development", Position: 0, RequiresApproval: false, AutoDeploy: true},
		{Name: "staging", Position: 1, RequiresApproval: false, AutoDeploy: true},
		{Name: "production", Position: 2, RequiresApproval: true, AutoDeploy: false},
	}
}
