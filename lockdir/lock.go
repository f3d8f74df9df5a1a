// Package lockdir implements filesystem-backed mutual exclusion between
// vmcloak invocations sharing hypervisor state. Lock state is encoded as a
// directory node so it spans processes: creation is atomic, and at most one
// handle per path holds the lock at a time.
package lockdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/Thorsten-Sick/vmcloak/interfaces"
)

const defaultPollInterval = 100 * time.Millisecond

// Lock is a handle on a directory-backed process lock.
type Lock struct {
	path string
	log  *slog.Logger
	poll time.Duration
	held bool
}

var _ interfaces.ProcessLocker = (*Lock)(nil)

// New creates a handle for the lock at path. The lock is not acquired yet.
func New(log *slog.Logger, path string) *Lock {
	return &Lock{
		path: path,
		log:  log,
		poll: defaultPollInterval,
	}
}

// Acquire blocks until the lock directory can be exclusively created or
// timeout elapses, failing with interfaces.ErrLockTimeout on expiry. A zero
// timeout blocks until the context is done.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	if l.held {
		return nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		err := os.Mkdir(l.path, 0o755)
		if err == nil {
			l.held = true
			l.log.Debug("acquired provisioning lock", "path", l.path)
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("creating lock directory %s: %w", l.path, err)
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: %s is held by another process", interfaces.ErrLockTimeout, l.path)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Release removes the lock marker. Idempotent when not held.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock directory %s: %w", l.path, err)
	}
	l.held = false
	l.log.Debug("released provisioning lock", "path", l.path)
	return nil
}

// ForceUnlock removes the lock marker unconditionally, even when the lock is
// held by another process. Administrative escape hatch: it clears lock state
// only and does not affect a process still executing.
func (l *Lock) ForceUnlock() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock directory %s: %w", l.path, err)
	}
	l.held = false
	return nil
}

// Held reports whether this handle currently owns the lock.
func (l *Lock) Held() bool {
	return l.held
}

// Noop is an always-held lock for single-instance execution.
type Noop struct{}

var _ interfaces.ProcessLocker = Noop{}

// Acquire succeeds immediately.
func (Noop) Acquire(context.Context, time.Duration) error { return nil }

// Release does nothing.
func (Noop) Release() error { return nil }

// ForceUnlock does nothing.
func (Noop) ForceUnlock() error { return nil }

// Held always reports true.
func (Noop) Held() bool { return true }
