package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gobillsync/pkg/billsync"
)

type lease struct {
	token     string
	expiresAt time.Time
}

// Locker implements billsync.Locker within a single process.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLocker creates an in-process locker.
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease), now: time.Now}
}

// TryLock implements billsync.Locker
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (billsync.Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, billsync.ErrLockHeld
	}
	token := uuid.NewString()
	l.leases[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return &heldLease{l: l, key: key, token: token}, nil
}

type heldLease struct {
	l     *Locker
	key   string
	token string
}

func (h *heldLease) Refresh(_ context.Context, ttl time.Duration) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()

	now := h.l.now()
	cur, ok := h.l.leases[h.key]
	if !ok || cur.token != h.token || !now.Before(cur.expiresAt) {
		return billsync.ErrLockLost
	}
	h.l.leases[h.key] = lease{token: h.token, expiresAt: now.Add(ttl)}
	return nil
}

func (h *heldLease) Release(context.Context) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	if cur, ok := h.l.leases[h.key]; ok && cur.token == h.token {
		delete(h.l.leases, h.key)
	}
	return nil
}
