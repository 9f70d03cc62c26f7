package lock

import (
	"context"
	"sync"
	"time"

	"github.com/example/paygate/internal/apperrors"
)

// MemoryLocker is a process-local Locker used in tests and single-node
// development when no Redis is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	retry time.Duration
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]time.Time{}, retry: 5 * time.Millisecond}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	deadline := time.Now().Add(ttl)

	for {
		l.mu.Lock()
		expires, busy := l.held[key]
		if !busy || time.Now().After(expires) {
			l.held[key] = time.Now().Add(ttl)
			l.mu.Unlock()
			return &memoryHandle{locker: l, key: key}, nil
		}
		l.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, apperrors.ErrLockBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

type memoryHandle struct {
	locker   *MemoryLocker
	key      string
	released bool
}

func (h *memoryHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.locker.mu.Lock()
	delete(h.locker.held, h.key)
	h.locker.mu.Unlock()
}
