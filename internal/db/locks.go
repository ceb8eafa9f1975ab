package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonathan/project-init/internal/lock"
)

// Locker grants project leases stored in the project_locks table. A lease is
// taken when the row is absent, expired, or already owned by the caller.
type Locker struct {
	db *DB
}

var _ lock.Locker = (*Locker)(nil)

// NewLocker creates a Postgres-backed locker
func NewLocker(db *DB) *Locker {
	return &Locker{db: db}
}

func (l *Locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (lock.Lease, error) {
	var expiresAt time.Time
	err := l.db.pool.QueryRow(ctx,
		`INSERT INTO project_locks (key, owner, expires_at)
		 VALUES ($1, $2, NOW() + $3::interval)
		 ON CONFLICT (key) DO UPDATE
		 SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at, acquired_at = NOW()
		 WHERE project_locks.expires_at <= NOW() OR project_locks.owner = EXCLUDED.owner
		 RETURNING expires_at`,
		key, owner, ttl,
	).Scan(&expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, lock.ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return &pgLease{db: l.db, key: key, owner: owner, ttl: ttl, expiresAt: expiresAt}, nil
}

type pgLease struct {
	db    *DB
	key   string
	owner string
	ttl   time.Duration

	mu        sync.Mutex
	expiresAt time.Time
}

func (l *pgLease) Key() string   { return l.key }
func (l *pgLease) Owner() string { return l.owner }

func (l *pgLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *pgLease) Renew(ctx context.Context) error {
	var expiresAt time.Time
	err := l.db.pool.QueryRow(ctx,
		`UPDATE project_locks SET expires_at = NOW() + $3::interval
		 WHERE key = $1 AND owner = $2 AND expires_at > NOW()
		 RETURNING expires_at`,
		l.key, l.owner, l.ttl,
	).Scan(&expiresAt)
	if err != nil {
		if isNoRows(err) {
			return lock.ErrLeaseLost
		}
		return fmt.Errorf("failed to renew lock %s: %w", l.key, err)
	}
	l.mu.Lock()
	l.expiresAt = expiresAt
	l.mu.Unlock()
	return nil
}

func (l *pgLease) Release(ctx context.Context) error {
	_, err := l.db.pool.Exec(ctx,
		`DELETE FROM project_locks WHERE key = $1 AND owner = $2`,
		l.key, l.owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
