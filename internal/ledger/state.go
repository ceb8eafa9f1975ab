package ledger

import (
	"github.com/jonathan/project-init/internal/pipeline/steps"
)

// Project-level initialization status, derived from the ledger
const (
	ProjectInitializing = "initializing"
	ProjectActive       = "active"
	ProjectFailed       = "failed"
)

// State is the derived initialization state of a project
type State struct {
	ProjectID       string   `json:"project_id"`
	Status          string   `json:"status"`
	OverallProgress int      `json:"overall_progress"`
	CurrentStep     string   `json:"current_step,omitempty"`
	FailedStep      string   `json:"failed_step,omitempty"`
	Error           string   `json:"error,omitempty"`
	Stale           []string `json:"stale_steps,omitempty"`
	Steps           []Record `json:"steps"`
}

// Derive computes the project state from its ledger records.
func Derive(catalog *steps.Catalog, projectID string, records []Record) State {
	st := State{
		ProjectID: projectID,
		Status:    ProjectInitializing,
		Steps:     records,
	}

	byStep := make(map[string]*Record, len(records))
	for i := range records {
		r := &records[i]
		byStep[r.Step] = r
		if catalog.Index(r.Step) < 0 || (r.CatalogVersion != "" && r.CatalogVersion != catalog.Version()) {
			st.Stale = append(st.Stale, r.Step)
		}
		if r.Status == StatusFailed && st.FailedStep == "" {
			st.FailedStep = r.Step
			if r.Error != nil {
				st.Error = *r.Error
			}
		}
		if r.Status == StatusRunning {
			st.CurrentStep = r.Step
		}
	}

	allDone := true
	for _, def := range catalog.Steps() {
		r, ok := byStep[def.Name]
		if !ok || !r.Done() {
			allDone = false
		}
		if !ok {
			continue
		}
		var overall int
		switch r.Status {
		case StatusCompleted, StatusSkipped:
			overall = def.ProgressEnd
		case StatusRunning, StatusFailed:
			overall, _ = catalog.StepProgressToOverall(def.Name, r.Progress)
		default:
			continue
		}
		if overall > st.OverallProgress {
			st.OverallProgress = overall
		}
	}

	switch {
	case st.FailedStep != "":
		st.Status = ProjectFailed
	case allDone:
		st.Status = ProjectActive
		st.OverallProgress = 100
	}
	return st
}

// ResumePoint returns the index of the first catalog step that is not done,
// or catalog.Len() when every step is done.
func ResumePoint(catalog *steps.Catalog, records []Record) int {
	done := make(map[string]bool, len(records))
	for _, r := range records {
		if r.Done() {
			done[r.Step] = true
		}
	}
	for i, def := range catalog.Steps() {
		if !done[def.Name] {
			return i
		}
	}
	return catalog.Len()
}
