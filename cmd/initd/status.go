package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/observability"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/queue"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show a project's initialization state",
	Long:  `Derive a project's initialization state from the step ledger and print it with the latest job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the state as JSON")
	rootCmd.AddCommand(statusCmd)
}

func parseUUIDArg(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q: must be a UUID", name, value)
	}
	return id, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if inMemory {
		return errors.New("status reads the shared database; it has nothing to show with --in-memory")
	}
	projectID, err := parseUUIDArg("project id", args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := b.ledger.GetSteps(ctx, projectID.String())
	if err != nil {
		return err
	}
	state := ledger.Derive(steps.Default, projectID.String(), records)

	job, err := b.queue.Latest(ctx, queue.KindInitializeProject, projectID)
	if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ledger.State
			Job *queue.Job `json:"job,omitempty"`
		}{state, job})
	}

	observability.NewPrinter(out).PrintState(steps.Default, &state)
	if job != nil {
		fmt.Fprintf(out, "Latest job %s: %s (attempt %d/%d)\n", job.ID, job.Status, job.Attempts, job.MaxAttempts)
		if job.LastError != nil {
			fmt.Fprintf(out, "Last error: %s\n", *job.LastError)
		}
	}
	return nil
}
