// Package lock provides named cluster-wide locks with a minimum and a maximum
// hold time. A lock is held until max(release time, acquiredAt+atLeast) and
// expires on its own at acquiredAt+atMost if the holder never releases it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotLocked = errors.New("lock not held")
)

// Locker acquires named locks shared by every running instance.
type Locker interface {
	// TryAcquire returns a held lock, or ok=false if someone else holds it.
	TryAcquire(ctx context.Context, name string, atLeast, atMost time.Duration) (l *Lock, ok bool, err error)
}

// releaseFunc frees the lock now when until is zero, otherwise shortens its
// expiry to until.
type releaseFunc func(ctx context.Context, until time.Time) error

// Lock is a held lock. Release must be called exactly once.
type Lock struct {
	Name       string
	AcquiredAt time.Time
	AtLeast    time.Duration
	AtMost     time.Duration

	now     func() time.Time
	release releaseFunc
}

func newLock(name string, acquiredAt time.Time, atLeast, atMost time.Duration, now func() time.Time, release releaseFunc) *Lock {
	return &Lock{
		Name:       name,
		AcquiredAt: acquiredAt,
		AtLeast:    atLeast,
		AtMost:     atMost,
		now:        now,
		release:    release,
	}
}

// Release gives the lock back, keeping it until AcquiredAt+AtLeast if that
// point has not been reached yet.
func (l *Lock) Release(ctx context.Context) error {
	keepUntil := l.AcquiredAt.Add(l.AtLeast)
	until := time.Time{}
	if l.now().Before(keepUntil) {
		until = keepUntil
	}
	if err := l.release(ctx, until); err != nil {
		return fmt.Errorf("release lock %s: %w", l.Name, err)
	}
	return nil
}

// ExpiresAt is the point after which another instance may take the lock.
func (l *Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.AtMost)
}

type ctxKey struct{}

// WithLock returns a context carrying l for the duration of a job run.
func WithLock(ctx context.Context, l *Lock) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// AssertLocked fails unless ctx carries an unexpired lock called name.
func AssertLocked(ctx context.Context, name string) error {
	l, ok := ctx.Value(ctxKey{}).(*Lock)
	if !ok || l.Name != name {
		return fmt.Errorf("%w: %s", ErrNotLocked, name)
	}
	if !l.now().Before(l.ExpiresAt()) {
		return fmt.Errorf("%w: %s expired at %s", ErrNotLocked, name, l.ExpiresAt().Format(time.RFC3339))
	}
	return nil
}
