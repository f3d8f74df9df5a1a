// Package agent implements vboxagentd, the daemon that exposes a local
// VirtualBox installation to remote provisioning runs over a JSON HTTP
// API.
//
// Every hypervisor capability maps to one route under /api/v1/vm/{vm}.
// File paths carried in requests (ISO images, disk locations) are
// interpreted on the agent host; orchestrator and agent are expected to
// share storage for image hand-off.
//
// The server follows the operational conventions of the rest of the
// project: structured request logging, /livez and /readyz probes, drain
// and undrain endpoints for rolling restarts, and a Prometheus metrics
// listener.
package agent
