// Package hypervisor provides the drivers behind the
// interfaces.HypervisorDriver capability surface.
//
// Four transports are available, selected by driver URI scheme:
//
//   - vboxmanage: runs the VBoxManage binary on the local host.
//   - vboxmanage+ssh://user@host: runs VBoxManage on a remote host over SSH.
//   - http:// and https://: talks to a vboxagentd instance.
//   - srv+http:// and srv+https://: resolves the agent address through a
//     DNS SRV record before connecting.
//
// All drivers wrap failures in interfaces.ErrHypervisorOperation and carry
// the underlying tool diagnostic in the error message.
package hypervisor
