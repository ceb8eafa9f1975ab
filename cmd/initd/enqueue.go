package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/queue"
)

var (
	enqueuePayloadPath string
	enqueueMaxAttempts int
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a project initialization",
	Long: `Read an initialization payload (JSON) and enqueue an initialize_project job,
creating the project row if it does not exist. An active job for the same
project is returned instead of a new one.`,
	Example: `  initd enqueue --payload init.json
  cat init.json | initd enqueue --payload -`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueuePayloadPath, "payload", "p", "", "Path to payload JSON file, or - for stdin")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Job attempt budget (overrides JOB_MAX_ATTEMPTS)")
	_ = enqueueCmd.MarkFlagRequired("payload")
	rootCmd.AddCommand(enqueueCmd)
}

var payloadValidator = validator.New()

// readPayload decodes and validates an initialization payload
func readPayload(r io.Reader) (*queue.InitializePayload, error) {
	var p queue.InitializePayload
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if p.Repository.DefaultBranch == "" {
		p.Repository.DefaultBranch = p.Branch()
	}
	if err := payloadValidator.Struct(&p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &p, nil
}

func openPayload(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload: %w", err)
	}
	return f, nil
}

// ensureProject creates the payload's project unless it exists
func ensureProject(ctx context.Context, store projectStore, p *queue.InitializePayload) error {
	id := uuid.MustParse(p.ProjectID)
	project, err := store.GetProject(ctx, id)
	if errors.Is(err, db.ErrProjectNotFound) {
		_, err = store.CreateProject(ctx, &db.Project{
			ID:             id,
			OrganizationID: uuid.MustParse(p.OrganizationID),
			OwnerID:        uuid.MustParse(p.UserID),
			Name:           p.ProjectName,
			Slug:           p.ProjectSlug,
		})
		return err
	}
	if err != nil {
		return err
	}
	if project.Status == db.ProjectStatusActive {
		return fmt.Errorf("project %s is already initialized", id)
	}
	return nil
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	if inMemory {
		return errors.New("enqueue needs a shared database; in-memory jobs would be lost on exit")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	in, err := openPayload(enqueuePayloadPath)
	if err != nil {
		return err
	}
	defer in.Close()
	payload, err := readPayload(in)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := ensureProject(ctx, b.projects, payload); err != nil {
		return err
	}

	maxAttempts := cfg.JobMaxAttempts
	if enqueueMaxAttempts > 0 {
		maxAttempts = enqueueMaxAttempts
	}
	job, created, err := b.queue.Enqueue(ctx, queue.KindInitializeProject, uuid.MustParse(payload.ProjectID), payload,
		queue.EnqueueOptions{MaxAttempts: maxAttempts})
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	out := cmd.OutOrStdout()
	if created {
		fmt.Fprintf(out, "Enqueued job %s for project %s\n", job.ID, payload.ProjectID)
	} else {
		fmt.Fprintf(out, "Project %s already has an active job %s (%s)\n", payload.ProjectID, job.ID, job.Status)
	}
	return nil
}
