package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/project-init/internal/config"
	"github.com/jonathan/project-init/internal/pipeline/steps"
	"github.com/jonathan/project-init/internal/queue"
	"github.com/jonathan/project-init/internal/server"
	"github.com/jonathan/project-init/internal/server/middleware"
	"github.com/jonathan/project-init/internal/server/ratelimit"
)

var (
	servePort       int
	serveWithWorker bool
	serveNoAuth     bool
	serveOrigins    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that accepts initialization requests and streams their
progress over Server-Sent Events and WebSockets.

Progress published by workers in other processes arrives through PostgreSQL
LISTEN/NOTIFY. With --in-memory the worker always runs in this process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides PORT)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "Also run the initialization worker in this process")
	serveCmd.Flags().BoolVar(&serveNoAuth, "no-auth", false, "Serve the API without bearer token authentication")
	serveCmd.Flags().StringVar(&serveOrigins, "allowed-origins", "", "Comma-separated WebSocket origins (default: any)")
	rootCmd.AddCommand(serveCmd)
}

// tokenValidator returns the API's token validator, or nil to run
// unauthenticated
func tokenValidator(getenv func(string) string, noAuth bool, logger *slog.Logger) (middleware.TokenValidator, error) {
	if noAuth {
		logger.Warn("authentication disabled")
		return nil, nil
	}
	jwtCfg, err := config.NewJWTConfig(getenv)
	if err != nil {
		if inMemory && getenv("JWT_SECRET") == "" {
			logger.Warn("JWT_SECRET not set; serving without authentication")
			return nil, nil
		}
		return nil, err
	}
	return server.NewJWTService(jwtCfg).AsTokenValidator(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	auth, err := tokenValidator(os.Getenv, serveNoAuth, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		JobMaxAttempts: cfg.JobMaxAttempts,
		AllowedOrigins: splitList(serveOrigins),
	}, server.Deps{
		Queue:       b.queue,
		Ledger:      b.ledger,
		Projects:    b.projects,
		Events:      b.events,
		Catalog:     steps.Default,
		Auth:        auth,
		RateLimiter: ratelimit.NewLimiter(ratelimit.LoadConfig(os.Getenv)),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	var consumer *queue.Consumer
	if serveWithWorker || inMemory {
		if consumer, err = newConsumer(cfg, b, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	if b.db != nil {
		g.Go(func() error {
			return b.db.Relay(gctx, b.events, logger)
		})
	}
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	return g.Wait()
}
