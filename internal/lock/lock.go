// Package lock provides per-transcript exclusive leases so a transcript is
// never evaluated twice at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go4it/credeval/internal/domain"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock is held")

// Release gives up a lease. It is safe to call once.
type Release func(ctx context.Context) error

// Locker grants non-blocking leases on keys.
type Locker interface {
	// TryLock acquires key or fails with ErrLocked. ttl bounds how long a
	// crashed holder can keep the key; in-process lockers may ignore it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Release, error)

	// Close releases backing resources.
	Close() error
}

// New creates a locker from configuration.
func New(cfg domain.LockConfig) (Locker, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalLocker(), nil
	case "redis":
		return NewRedisLocker(cfg.RedisAddr, "")
	default:
		return nil, fmt.Errorf("unknown lock type: %s", cfg.Type)
	}
}

// LocalLocker is an in-process locker.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns an empty local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock acquires key for this process.
func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// Close drops all leases.
func (l *LocalLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = make(map[string]struct{})
	return nil
}
