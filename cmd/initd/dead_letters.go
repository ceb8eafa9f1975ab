package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/project-init/internal/observability"
	"github.com/jonathan/project-init/internal/queue"
)

var (
	deadKind  string
	deadLimit int
	deadJSON  bool
)

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue dead-lettered jobs",
}

var deadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDeadList,
}

var deadRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Move a dead-lettered job back to the queue",
	Long:  `Reset a dead job's attempts and make it due now. Fails if the project already has an active job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDeadRequeue,
}

func init() {
	deadListCmd.Flags().StringVar(&deadKind, "kind", queue.KindInitializeProject, "Job kind (empty for all)")
	deadListCmd.Flags().IntVar(&deadLimit, "limit", 50, "Maximum jobs to list")
	deadListCmd.Flags().BoolVar(&deadJSON, "json", false, "Print jobs as JSON")
	deadLettersCmd.AddCommand(deadListCmd, deadRequeueCmd)
	rootCmd.AddCommand(deadLettersCmd)
}

func openQueueBackend(cmd *cobra.Command) (*backend, error) {
	if inMemory {
		return nil, errors.New("dead letters live in the shared database; not available with --in-memory")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openBackend(cmd.Context(), cfg, newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel))
}

func runDeadList(cmd *cobra.Command, _ []string) error {
	if deadLimit < 1 || deadLimit > 500 {
		return fmt.Errorf("--limit must be between 1 and 500")
	}
	b, err := openQueueBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	jobs, err := b.queue.ListDead(cmd.Context(), deadKind, deadLimit)
	if err != nil {
		return err
	}
	if deadJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintDeadJobs(jobs, time.Now())
	return nil
}

func runDeadRequeue(cmd *cobra.Command, args []string) error {
	jobID, err := parseUUIDArg("job id", args[0])
	if err != nil {
		return err
	}
	b, err := openQueueBackend(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.queue.Requeue(cmd.Context(), jobID); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %s\n", jobID)
	return nil
}
