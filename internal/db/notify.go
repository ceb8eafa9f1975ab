package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jonathan/project-init/internal/progress"
)

// NotifyChannel is the Postgres channel progress events travel on. Events of
// all projects share it; subscribers filter by project ID.
const NotifyChannel = "project_init_progress"

// Notifier publishes progress events with pg_notify so API processes can
// relay events produced by workers
type Notifier struct {
	db *DB
}

var _ progress.Publisher = (*Notifier)(nil)

// NewNotifier creates a pg_notify publisher
func NewNotifier(db *DB) *Notifier {
	return &Notifier{db: db}
}

func (n *Notifier) Publish(ctx context.Context, event progress.Event) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := progress.Encode(event)
	if err != nil {
		return err
	}
	if _, err := n.db.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(data)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", progress.Channel(event.ProjectID), err)
	}
	return nil
}

// Relay listens on NotifyChannel and republishes every event to a local
// publisher, typically the in-process broker. The listening connection is
// re-established with backoff after failures.
func (db *DB) Relay(ctx context.Context, target progress.Publisher, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay", "channel", NotifyChannel)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		err := db.listen(ctx, target, logger, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		logger.Error("progress relay disconnected", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (db *DB) listen(ctx context.Context, target progress.Publisher, logger *slog.Logger, connected func()) error {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	connected()
	logger.Info("progress relay listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// the connection is unusable after a failed wait
			conn.Hijack().Close(context.Background())
			return fmt.Errorf("failed waiting for notification: %w", err)
		}
		event, err := progress.Decode([]byte(n.Payload))
		if err != nil {
			logger.Warn("dropping malformed progress notification", "error", err)
			continue
		}
		if err := target.Publish(ctx, event); err != nil {
			logger.Warn("failed to relay progress event", "project_id", event.ProjectID, "error", err)
		}
	}
}
