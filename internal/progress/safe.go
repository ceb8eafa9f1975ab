package progress

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPublishTimeout bounds a single publish
const DefaultPublishTimeout = 2 * time.Second

// SafePublisher wraps a publisher so that failures are logged and swallowed.
type SafePublisher struct {
	next    Publisher
	logger  *slog.Logger
	timeout time.Duration
}

// Safe wraps p. The returned publisher never returns an error.
func Safe(p Publisher, logger *slog.Logger) *SafePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafePublisher{next: p, logger: logger, timeout: DefaultPublishTimeout}
}

// Publish forwards the event, logging any failure
func (s *SafePublisher) Publish(ctx context.Context, event Event) error {
	if s.next == nil {
		return nil
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("progress publisher panicked", "project_id", event.ProjectID, "panic", r)
		}
	}()

	if err := s.next.Publish(pctx, event); err != nil {
		s.logger.Warn("failed to publish progress event",
			"project_id", event.ProjectID,
			"type", event.Type,
			"step", event.Step,
			"error", err)
	}
	return nil
}
