// Package provision runs the single-pass state machine that turns a
// mounted Windows installer image into a snapshotted, optionally
// registered VM.
//
// A run walks Init, Locked, Resolved, BundleStaged, IsoBuilt,
// VmConfigured, Booting, AwaitingInstall, PostInstall, Snapshotted,
// Registered and Done in strict sequence; any failure aborts. The process
// lock is held across every stage except the install wait, which can last
// tens of minutes: the lock is released right after the VM boots and
// re-acquired once the guest calls back, so administrative commands stay
// usable while an installation runs.
//
// Aborting releases the lock but never deletes hypervisor objects. A VM
// left behind by a failed run is inspected or removed explicitly.
package provision
