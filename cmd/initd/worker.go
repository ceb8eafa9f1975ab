package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	workerMetricsAddr string
	workerConcurrency int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the initialization worker",
	Long: `Claim initialize_project jobs from the queue and run them through the step
catalog. Several workers may run against the same database; a project lease
keeps each project on one worker at a time.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9090", "Address to serve Prometheus metrics on (empty disables)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Concurrent jobs (overrides WORKER_CONCURRENCY)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) error {
	if inMemory {
		return errors.New("a standalone worker needs a shared database; use 'serve --in-memory' instead")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerConcurrency > 0 {
		cfg.WorkerConcurrency = workerConcurrency
	}
	logger := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	consumer, err := newConsumer(cfg, b, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if workerMetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, workerMetricsAddr, logger)
		})
	}
	return g.Wait()
}

// serveMetrics exposes /metrics until ctx is cancelled
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
