// Package main (cmd/vboxagentd) implements the remote hypervisor agent for
// vmcloak.
//
// The daemon runs on the host that owns VirtualBox and exposes the driver
// capability set as JSON over HTTP under /api/v1/vm/{vm}. A vmcloak
// orchestrator on another machine reaches it through the http:// or
// srv+http:// driver URIs. File paths carried in requests (installer images,
// disk locations) are interpreted on the agent host, so orchestrator and
// agent are expected to share storage.
//
// The agent performs no validation beyond what VBoxManage itself enforces
// and is meant for trusted lab networks, not public exposure.
//
// The server implements graceful shutdown on receiving termination signals
// (SIGINT/SIGTERM) and supports health checks, metrics collection, and
// optional profiling endpoints.
//
// Example usage:
//
//	vboxagentd --listen-addr=0.0.0.0:8080 \
//	    --metrics-addr=127.0.0.1:8090 \
//	    --hostonly-adapter=vboxnet0
package main
