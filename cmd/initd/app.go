package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/project-init/internal/config"
	"github.com/jonathan/project-init/internal/db"
	"github.com/jonathan/project-init/internal/gitops"
	"github.com/jonathan/project-init/internal/gitprovider"
	"github.com/jonathan/project-init/internal/ledger"
	"github.com/jonathan/project-init/internal/lock"
	"github.com/jonathan/project-init/internal/pipeline"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/progress"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/server"
	"github.com/jonathan/project-init/internal/templates"
)

// jobQueue is the queue surface shared by the server, the worker and the
// operator commands
type jobQueue interface {
	queue.Queue
	Latest(ctx context.Context, kind string, projectID uuid.UUID) (*queue.Job, error)
}

// projectStore is the project surface shared by the server and the step actions
type projectStore interface {
	server.ProjectStore
	pipeline.RecordStore
	pipeline.StatusStore
}

// backend holds the stores a command runs against
type backend struct {
	db       *db.DB
	queue    jobQueue
	ledger   ledger.Ledger
	projects projectStore
	locker   lock.Locker
	// events delivers progress to stream subscribers in this process
	events *progress.Broker
	// publisher is where the orchestrator sends progress. With PostgreSQL it
	// is pg_notify so every server process sees it.
	publisher progress.Publisher
}

func (b *backend) Close() {
	if b.db != nil {
		b.db.Close()
	}
}

// loadConfig reads the effective configuration for a command
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !inMemory && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required (or run with --in-memory)")
	}
	return cfg, nil
}

// newLogger builds the process logger from the configured format and level
func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openBackend connects to PostgreSQL, or builds in-process stores when
// --in-memory is set
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	broker := progress.NewBroker(logger)
	if inMemory {
		logger.Warn("using in-memory stores; state is lost on exit")
		return &backend{
			queue:     queue.NewMemory(),
			ledger:    ledger.NewMemory(steps.Default),
			projects:  db.NewMemoryProjects(),
			locker:    lock.NewMemory(),
			events:    broker,
			publisher: broker,
		}, nil
	}

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &backend{
		db:        database,
		queue:     db.NewQueue(database),
		ledger:    db.NewLedger(database, steps.Default),
		projects:  db.NewProjects(database),
		locker:    db.NewLocker(database),
		events:    broker,
		publisher: db.NewNotifier(database),
	}, nil
}

// newOrchestrator wires the step actions to their providers
func newOrchestrator(cfg *config.Config, b *backend, logger *slog.Logger) (*pipeline.Orchestrator, error) {
	providers := gitprovider.NewRegistry(
		gitprovider.NewGitHub(gitprovider.ClientOptions{BaseURL: cfg.GitHubAPIURL, Logger: logger}),
		gitprovider.NewGitLab(gitprovider.ClientOptions{BaseURL: cfg.GitLabURL, Logger: logger}),
	)
	creds := gitprovider.StaticCredentials{
		gitprovider.GitHub: {Username: "x-access-token", Token: cfg.GitHubToken},
		gitprovider.GitLab: {Username: "oauth2", Token: cfg.GitLabToken},
	}

	var applier gitops.Applier
	if a := gitops.NewAPIServer(gitops.APIServerOptions{
		URL:      cfg.KubeAPIURL,
		Token:    cfg.KubeToken,
		Insecure: cfg.KubeInsecure,
		Logger:   logger,
	}); a != nil {
		applier = a
	} else {
		logger.Info("no cluster configured; GitOps manifests are committed but not applied")
	}

	actions := pipeline.NewActions(pipeline.ActionDeps{
		Providers:       providers,
		Credentials:     creds,
		Pusher:          gitprovider.NewGitPusher(logger),
		Templates:       templates.NewRenderer(),
		Records:         b.projects,
		Applier:         applier,
		NamespacePrefix: cfg.NamespacePrefix,
		GitSecretName:   cfg.GitSecretName,
		Logger:          logger,
	})

	return pipeline.New(pipeline.Deps{
		Catalog:   steps.Default,
		Ledger:    b.ledger,
		Publisher: b.publisher,
		Locker:    b.locker,
		Projects:  b.projects,
		Actions:   actions,
		Logger:    logger,
	}, pipeline.Options{
		LockTTL:     cfg.LockTTL.Std(),
		JobTimeout:  cfg.JobTimeout.Std(),
		StepTimeout: cfg.StepTimeout.Std(),
	})
}

// newConsumer builds the initialize_project consumer
func newConsumer(cfg *config.Config, b *backend, logger *slog.Logger) (*queue.Consumer, error) {
	orchestrator, err := newOrchestrator(cfg, b, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	worker := pipeline.NewWorker(orchestrator, logger)

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.JobMaxAttempts
	return queue.NewConsumer(b.queue, queue.KindInitializeProject, worker.Handle, queue.ConsumerOptions{
		Concurrency:   cfg.WorkerConcurrency,
		RatePerSecond: cfg.WorkerRateLimit,
		Visibility:    cfg.Visibility.Std(),
		Policy:        policy,
		Logger:        logger,
	}), nil
}
