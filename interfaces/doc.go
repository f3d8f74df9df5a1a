// Package interfaces defines core interfaces and types for the vmcloak
// provisioning system, separating interface definitions from implementations.
//
// The package provides interfaces for the key components of the system:
//
// # Dependency Handling
//
// Catalog and DependencySpec describe the installable guest dependencies
// mirrored from a remote manifest, including artifact mirrors, integrity
// digests and the prerequisite relation used for install ordering.
//
// ArtifactSource: Retrieves dependency artifacts for one URL scheme
// (http, https, s3, ipfs, file); sources are selected per mirror URL.
//
// # Hypervisor Capability
//
// HypervisorDriver: The capability set a provisioning run consumes from the
// hypervisor (VM lifecycle, disk and ISO media, network adapters, hardware
// profile, snapshots). Implemented by local VBoxManage execution, VBoxManage
// over SSH, and the remote agent HTTP API.
//
// # Run Collaborators
//
// ProcessLocker: Filesystem-backed mutual exclusion between provisioning
// runs sharing hypervisor state.
//
// IsoBuilder: Synthesis of the unattended-install ISO from a base installer
// image, a rendered answer file and the staged bootstrap tree.
//
// SecretSource: Resolution of configuration secrets such as the Windows
// product key from literal values or external stores.
//
// Registrar: Hand-off of a finished VM to the external sandbox registry.
//
// # Error Taxonomy
//
// Sentinel errors distinguish user-fixable configuration problems
// (ErrConfigurationInvalid, ErrUnknownDependency) from operational failures
// (ErrCatalogUnavailable, ErrIntegrityMismatch, ErrIsoBuildFailure,
// ErrHypervisorOperation, ErrRegistrationFailure) and from the retryable
// ErrLockTimeout. Call sites wrap them with context via fmt.Errorf and %w.
package interfaces
