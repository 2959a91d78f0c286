// Package lock provides a named, timeout-bound mutual exclusion lock shared
// across request handlers through a backend such as Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/account-guard/internal/autherr"
	"github.com/iliyamo/account-guard/internal/utils"
)

const (
	DefaultPoll    = 500 * time.Millisecond
	DefaultTimeout = 10 * time.Second
	// DefaultLease bounds how long a crashed holder can keep a lock.
	DefaultLease = 30 * time.Second
)

// Backend stores lock ownership.  TryAcquire must be atomic.
type Backend interface {
	TryAcquire(ctx context.Context, name, owner string, lease time.Duration) (bool, error)
	Release(ctx context.Context, name, owner string) error
}

// Locker acquires locks through a backend.
type Locker struct {
	backend Backend
	lease   time.Duration
}

// New returns a locker; lease <= 0 selects DefaultLease.
func New(backend Backend, lease time.Duration) *Locker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Locker{backend: backend, lease: lease}
}

type heldKey struct{}

// Guard is a held lock.  Release is safe to call more than once and is meant
// to be deferred right after a successful Acquire.
type Guard struct {
	locker *Locker
	name   string
	owner  string

	once     sync.Once
	released chan struct{}
}

// Name returns the lock name.
func (g *Guard) Name() string { return g.name }

// Release frees the lock.  It uses a fresh context so that release still
// happens when the request context is already cancelled.
func (g *Guard) Release() error {
	var err error
	g.once.Do(func() {
		close(g.released)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = g.locker.backend.Release(ctx, g.name, g.owner)
	})
	return err
}

func (g *Guard) held() bool {
	select {
	case <-g.released:
		return false
	default:
		return true
	}
}

// Held returns the guard carried by ctx, if it is still held.
func Held(ctx context.Context) (*Guard, bool) {
	g, ok := ctx.Value(heldKey{}).(*Guard)
	if !ok || !g.held() {
		return nil, false
	}
	return g, true
}

// Acquire takes the named lock.  With maxWait == 0 it fails fast with
// Blocked; otherwise it polls every poll interval until maxWait elapses and
// fails with Timeout.  A context that already carries a held lock fails
// immediately: nested acquisition is a programming error.  The returned
// context carries the guard.
func (l *Locker) Acquire(ctx context.Context, name string, poll, maxWait time.Duration) (context.Context, *Guard, error) {
	if g, ok := Held(ctx); ok {
		return ctx, nil, autherr.WithParam(autherr.KindLockHeld, name,
			fmt.Sprintf("acquire %q while holding %q", name, g.name))
	}
	owner, err := newOwner()
	if err != nil {
		return ctx, nil, err
	}
	g := &Guard{locker: l, name: name, owner: owner, released: make(chan struct{})}

	ok, err := l.backend.TryAcquire(ctx, name, owner, l.lease)
	if err != nil {
		return ctx, nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if ok {
		return context.WithValue(ctx, heldKey{}, g), g, nil
	}
	if maxWait <= 0 {
		return ctx, nil, autherr.WithParam(autherr.KindBlocked, name, "resource busy")
	}
	if poll <= 0 {
		poll = DefaultPoll
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx, nil, ctx.Err()
		case <-deadline.C:
			return ctx, nil, autherr.WithParam(autherr.KindTimeout, name, "resource busy: wait timed out")
		case <-ticker.C:
			ok, err := l.backend.TryAcquire(ctx, name, owner, l.lease)
			if err != nil {
				return ctx, nil, fmt.Errorf("lock %s: %w", name, err)
			}
			if ok {
				return context.WithValue(ctx, heldKey{}, g), g, nil
			}
		}
	}
}

// TOTPName is the lock serializing second-factor operations of an account.
func TOTPName(accountID uint64) string {
	return fmt.Sprintf("%d_totp_controller", accountID)
}

func newOwner() (string, error) {
	owner, err := utils.RandomHex(16)
	if err != nil {
		return "", fmt.Errorf("lock owner: %w", err)
	}
	return owner, nil
}
