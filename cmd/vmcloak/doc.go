// Package main (cmd/vmcloak) implements the vmcloak command line interface.
//
// The provision command drives one unattended Windows installation end to
// end: it locks out concurrent runs, resolves and stages guest dependencies,
// renders the answer file, masters a bootable installer ISO, creates and
// boots the VM, waits for the guest's install callback, snapshots the clean
// state and optionally registers the VM with an external sandbox.
//
// The deps command family manages the local dependency cache (update, fetch,
// list, verify). unlock, delete-vm and snapshot are administrative commands
// operating on the shared lock and on existing VMs.
//
// Validation problems the user can fix (malformed flags, unknown profiles,
// bad serial keys) exit with status 2; operational failures exit with
// status 1.
//
// Example usage:
//
//	vmcloak provision winxp-analysis \
//	    --mount-dir=/mnt/winxp \
//	    --serial-key=AAAAA-BBBBB-CCCCC-DDDDD-EEEEE \
//	    --boot-image=/opt/vmcloak/winxp-boot.img \
//	    -d python27 -d pillow \
//	    --hardware-profile=random --register \
//	    --registration-tool=/opt/sandbox/machinery
package main
