package interfaces

import (
	"context"
	"errors"
)

// HardwareProfile is a named set of virtual hardware identifier overrides
// applied to a VM to reduce fingerprinting of the guest environment.
type HardwareProfile struct {
	// Name identifies the preset the profile was generated from.
	Name string

	// ExtraData maps hypervisor extra-data keys (DMI BIOS and system
	// identifiers) to the values to install on the VM.
	ExtraData map[string]string
}

var (
	// ErrHypervisorOperation is returned when any hypervisor driver call
	// fails. The wrap carries the offending operation and its diagnostic.
	ErrHypervisorOperation = errors.New("hypervisor operation failed")

	// ErrUnsupportedDriver is returned when a hypervisor driver URI has a
	// scheme no driver implementation handles.
	ErrUnsupportedDriver = errors.New("unsupported hypervisor driver URI")
)

// HypervisorDriver exposes the hypervisor capability set a provisioning run
// consumes. The orchestrator is agnostic to which implementation it drives;
// local VBoxManage execution, VBoxManage over SSH, and the remote agent API
// all conform to this interface.
type HypervisorDriver interface {
	// CreateVM creates and registers a VM with the given OS type.
	CreateVM(ctx context.Context, name, osType string) error

	// DeleteVM unregisters the VM and deletes its associated media.
	DeleteVM(ctx context.Context, name string) error

	// SetMemory assigns the VM's RAM size in megabytes.
	SetMemory(ctx context.Context, name string, sizeMB int) error

	// SetCPUCount assigns the VM's virtual CPU count.
	SetCPUCount(ctx context.Context, name string, count int) error

	// CreateDisk creates the VM's primary disk image and attaches it.
	CreateDisk(ctx context.Context, name string, sizeMB int) error

	// AttachISO inserts an ISO image into the VM's optical drive.
	AttachISO(ctx context.Context, name, isoPath string) error

	// DetachISO removes any medium from the VM's optical drive.
	DetachISO(ctx context.Context, name string) error

	// ApplyHardwareProfile installs the profile's hardware identifier
	// overrides on the VM.
	ApplyHardwareProfile(ctx context.Context, name string, profile HardwareProfile) error

	// ConfigureHostOnlyNetwork puts the VM's primary adapter on the
	// host-only network. An empty macAddr keeps the generated address.
	ConfigureHostOnlyNetwork(ctx context.Context, name, macAddr string) error

	// ConfigureNATNetwork adds a NAT adapter alongside the host-only one.
	ConfigureNATNetwork(ctx context.Context, name string) error

	// ConfigureBridgedNetwork adds an adapter bridged to the given host
	// interface. An empty macAddr keeps the generated address.
	ConfigureBridgedNetwork(ctx context.Context, name, hostAdapter, macAddr string) error

	// SetHardwareVirtualization toggles VT-x/AMD-V for the VM.
	SetHardwareVirtualization(ctx context.Context, name string, enabled bool) error

	// StartVM boots the VM, with a visible console when visible is true.
	StartVM(ctx context.Context, name string, visible bool) error

	// StopVM powers the VM off.
	StopVM(ctx context.Context, name string) error

	// Snapshot takes a named snapshot of the VM's current state.
	Snapshot(ctx context.Context, name, snapshotName, description string) error

	// Running reports whether the VM is currently powered on.
	Running(ctx context.Context, name string) (bool, error)
}
