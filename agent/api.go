package agent

// Wire types shared by the agent daemon and the HTTP hypervisor driver.

// CreateVMRequest creates and registers a VM.
type CreateVMRequest struct {
	OSType string `json:"os_type"`
}

// MemoryRequest assigns the VM's RAM size.
type MemoryRequest struct {
	SizeMB int `json:"size_mb"`
}

// CPURequest assigns the VM's virtual CPU count.
type CPURequest struct {
	Count int `json:"count"`
}

// DiskRequest creates and attaches the VM's primary disk.
type DiskRequest struct {
	SizeMB int `json:"size_mb"`
}

// AttachISORequest inserts an ISO image into the VM's optical drive. The
// path is interpreted on the agent host.
type AttachISORequest struct {
	Path string `json:"path"`
}

// HardwareProfileRequest installs hardware identifier overrides.
type HardwareProfileRequest struct {
	Name      string            `json:"name"`
	ExtraData map[string]string `json:"extra_data"`
}

// HostOnlyNetworkRequest puts the first adapter on the host-only network.
type HostOnlyNetworkRequest struct {
	MACAddr string `json:"mac_addr,omitempty"`
}

// BridgedNetworkRequest adds an adapter bridged to a host interface.
type BridgedNetworkRequest struct {
	HostAdapter string `json:"host_adapter"`
	MACAddr     string `json:"mac_addr,omitempty"`
}

// HwVirtRequest toggles hardware virtualization.
type HwVirtRequest struct {
	Enabled bool `json:"enabled"`
}

// StartVMRequest boots the VM.
type StartVMRequest struct {
	Visible bool `json:"visible"`
}

// SnapshotRequest takes a named snapshot.
type SnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// StateResponse reports the VM's power state.
type StateResponse struct {
	Running bool `json:"running"`
}

// StatusResponse acknowledges a completed operation.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries the diagnostic of a failed operation.
type ErrorResponse struct {
	Error string `json:"error"`
}
