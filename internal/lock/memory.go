package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Locker with lease expiry
type Memory struct {
	mu     sync.Mutex
	leases map[string]memEntry
	now    func() time.Time
}

type memEntry struct {
	owner     string
	expiresAt time.Time
	ttl       time.Duration
}

// NewMemory creates an in-memory locker
func NewMemory() *Memory {
	return &Memory{leases: map[string]memEntry{}, now: time.Now}
}

// WithClock overrides the time source
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Acquire takes the lease if it is free, expired, or already held by owner
func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.expiresAt) {
		return nil, ErrLocked
	}
	e := memEntry{owner: owner, expiresAt: now.Add(ttl), ttl: ttl}
	m.leases[key] = e
	return &memLease{m: m, key: key, owner: owner, expiresAt: e.expiresAt}, nil
}

// Holder returns the current owner of an unexpired lease
func (m *Memory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[key]
	if !ok || !m.now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}

type memLease struct {
	m         *Memory
	key       string
	owner     string
	mu        sync.Mutex
	expiresAt time.Time
}

func (l *memLease) Key() string   { return l.key }
func (l *memLease) Owner() string { return l.owner }

func (l *memLease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

func (l *memLease) Renew(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	cur, ok := l.m.leases[l.key]
	now := l.m.now()
	if !ok || cur.owner != l.owner || !now.Before(cur.expiresAt) {
		return ErrLeaseLost
	}
	cur.expiresAt = now.Add(cur.ttl)
	l.m.leases[l.key] = cur

	l.mu.Lock()
	l.expiresAt = cur.expiresAt
	l.mu.Unlock()
	return nil
}

func (l *memLease) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if cur, ok := l.m.leases[l.key]; ok && cur.owner == l.owner {
		delete(l.m.leases, l.key)
	}
	return nil
}
