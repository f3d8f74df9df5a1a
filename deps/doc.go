// Package deps resolves, fetches and stages the guest dependencies installed
// during a provisioning run.
//
// The Manager mirrors a remote catalog manifest into a local cache directory,
// downloads dependency artifacts through per-scheme sources (http, https, s3,
// ipfs, file) with mirror fallback, verifies artifact digests before
// publishing them into the cache, and orders requested dependencies so every
// prerequisite precedes its dependents.
//
// The Writer assembles the bootstrap tree burned onto the installer ISO: the
// aggregate bootstrap.bat install script, per-dependency payload directories,
// and the per-run settings files the guest scripts consume.
//
// The cache directory is shared read-only across concurrent runs. Artifacts
// are downloaded to temporary files and renamed into place only after their
// integrity check passes, so a racing reader never observes a partial
// download as valid.
package deps
