// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/queue"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// barWidth is the width of progress bars
	barWidth = 20
)

// Printer handles formatted output for CLI commands
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %s%s │\n", line, strings.Repeat(" ", max(0, boxWidth-4-len([]rune(line)))))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// bar renders a percentage as a fixed-width progress bar
func bar(percent int) string {
	percent = steps.ClampProgress(percent)
	filled := percent * barWidth / 100
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled) + "]"
}

func statusMark(status string) string {
	switch status {
	case ledger.StatusCompleted:
		return "✓"
	case ledger.StatusSkipped:
		return "↷"
	case ledger.StatusRunning:
		return "▶"
	case ledger.StatusFailed:
		return "✗"
	default:
		return "·"
	}
}

// PrintState outputs a project's initialization state with one line per
// catalog step. Steps without a record are shown as pending.
func (p *Printer) PrintState(catalog *steps.Catalog, state *ledger.State) {
	if state == nil {
		return
	}

	byStep := make(map[string]ledger.Record, len(state.Steps))
	for _, r := range state.Steps {
		byStep[r.Step] = r
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Project:  %s\n", state.ProjectID))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", state.Status))
	sb.WriteString(fmt.Sprintf("Progress: %s %3d%%\n", bar(state.OverallProgress), state.OverallProgress))
	sb.WriteString("\n")

	for _, def := range catalog.Steps() {
		r, ok := byStep[def.Name]
		status := ledger.StatusPending
		if ok {
			status = r.Status
		}
		line := fmt.Sprintf("%s %-24s %-9s", statusMark(status), def.Label, status)
		if ok && status == ledger.StatusRunning {
			line += fmt.Sprintf(" %d%%", r.Progress)
		}
		if ok && r.Attempts > 1 {
			line += fmt.Sprintf(" (attempt %d)", r.Attempts)
		}
		sb.WriteString(line + "\n")
	}

	if state.Error != "" {
		sb.WriteString(fmt.Sprintf("\nError: %s\n", state.Error))
	}
	if len(state.Stale) > 0 {
		sb.WriteString(fmt.Sprintf("\nStale steps: %s\n", strings.Join(state.Stale, ", ")))
	}

	p.printBox("PROJECT INITIALIZATION", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintDeadJobs outputs dead-lettered jobs, newest first.
func (p *Printer) PrintDeadJobs(jobs []queue.Job, now time.Time) {
	if len(jobs) == 0 {
		p.printBox("DEAD LETTERS", "No dead-lettered jobs ✓")
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d dead-lettered job(s):\n\n", len(jobs)))

	count := min(len(jobs), maxItemsToShow)
	for i := 0; i < count; i++ {
		j := jobs[i]
		sb.WriteString(fmt.Sprintf("• %s\n", j.ID))
		sb.WriteString(fmt.Sprintf("  project %s\n", j.ProjectID))
		sb.WriteString(fmt.Sprintf("  %d/%d attempts, %s ago\n", j.Attempts, j.MaxAttempts, now.Sub(j.UpdatedAt).Round(time.Second)))
		if j.LastError != nil {
			sb.WriteString(fmt.Sprintf("  %s\n", *j.LastError))
		}
		if i < count-1 {
			sb.WriteString("\n")
		}
	}

	if len(jobs) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("\n... and %d more jobs", len(jobs)-maxItemsToShow))
	}

	p.printBox("DEAD LETTERS", strings.TrimSuffix(sb.String(), "\n"))
}
