package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout is returned when a bounded lock acquisition attempt
	// elapses without obtaining the lock. Callers may retry with no bound.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrConfigurationInvalid is returned when the run configuration fails
	// validation (malformed serial key or keyboard layout, missing installer
	// image mount, missing registration tool).
	ErrConfigurationInvalid = errors.New("invalid run configuration")

	// ErrIsoBuildFailure is returned when installer image synthesis fails.
	// No file is left at the destination path.
	ErrIsoBuildFailure = errors.New("iso build failed")

	// ErrRegistrationFailure is returned when the external sandbox
	// registration tool could not be launched or exited nonzero.
	ErrRegistrationFailure = errors.New("sandbox registration failed")
)

// ProcessLocker serializes provisioning runs that share hypervisor state.
// Lock state is encoded in the filesystem so it spans processes.
type ProcessLocker interface {
	// Acquire blocks until the lock is held or timeout elapses, whichever
	// comes first, failing with ErrLockTimeout on expiry. A zero timeout
	// blocks until the context is done.
	Acquire(ctx context.Context, timeout time.Duration) error

	// Release lets go of the lock. Idempotent when not held.
	Release() error

	// ForceUnlock removes the lock marker unconditionally, even when held
	// by another process. This is an administrative escape hatch, not a
	// correctness-preserving operation.
	ForceUnlock() error

	// Held reports whether this handle currently owns the lock.
	Held() bool
}

// SecretSource resolves a configuration secret such as the Windows product
// key, either from a literal value or from an external secret store.
type SecretSource interface {
	Resolve(ctx context.Context) (string, error)
}

// Registrar hands a finished VM to an external sandbox registry.
type Registrar interface {
	// Register submits the VM under the given host-only guest address,
	// tag list and snapshot name.
	Register(ctx context.Context, vmName, guestIP, tags, snapshotName string) error
}

// IsoRequest carries the inputs for one installer image synthesis.
type IsoRequest struct {
	// MountDir is the directory holding the extracted base installer image.
	MountDir string

	// AnswerFile is the rendered unattended answer file to overlay.
	AnswerFile string

	// BootstrapDir is the staged bootstrap tree to overlay.
	BootstrapDir string

	// OutputPath is the destination for the finished ISO. Either a complete
	// bootable image appears here or the path is left without a file.
	OutputPath string
}

// IsoBuilder synthesizes a bootable unattended-install ISO from a base
// installer image, an answer file and a bootstrap tree.
type IsoBuilder interface {
	Build(ctx context.Context, req IsoRequest) error
}
