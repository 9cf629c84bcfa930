// Package catalog holds what a manager instance knows it can load: pipe
// descriptors (ordered chains of segment descriptors) and component
// descriptors, both local and as advertised by peer instances.
//
// The Registry keeps local entries in insertion order and bumps a revision
// marker on every change; the synchronizer advertises the local snapshot
// whenever the revision moves. Remote snapshots are kept one per origin and
// replaced wholesale.
//
// Entries come from YAML catalog files (Loader, Watcher) and from the NATS
// KV bucket where component agents register themselves (Store). Malformed
// entries are reported and skipped; they never reach the Registry.
package catalog
