// Package lock provides short-lived, per-project mutual exclusion leases.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultTTL is the lease duration used by the worker
const DefaultTTL = 2 * time.Minute

var (
	// ErrLocked is returned when another owner holds an unexpired lease
	ErrLocked = errors.New("lock held by another owner")
	// ErrLeaseLost is returned when renewing a lease that expired or was taken over
	ErrLeaseLost = errors.New("lease lost")
)

// Lease is a held lock
type Lease interface {
	Key() string
	Owner() string
	ExpiresAt() time.Time
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker grants leases keyed by an arbitrary string (the project ID)
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
}

// Keepalive renews the lease every interval until ctx is done. If a renewal
// fails, onLost is called once and Keepalive returns.
func Keepalive(ctx context.Context, lease Lease, interval time.Duration, logger *slog.Logger, onLost func(error)) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("lost project lease", "key", lease.Key(), "owner", lease.Owner(), "error", err)
				if onLost != nil {
					onLost(err)
				}
				return
			}
			logger.Debug("renewed project lease", "key", lease.Key(), "expires_at", lease.ExpiresAt())
		}
	}
}
