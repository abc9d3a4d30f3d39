// Package settings provides the generic key/value facility that backs every
// persisted collection of the asset cache (entries, queue, worker lock, usage
// and dependencies). Values are opaque byte slices; the JSON helpers Load and
// Save give callers typed access and report undecodable values as ErrCorrupt
// so higher layers can treat them as empty collections.
//
// Three backends exist: an in-process map for tests and single-shot runs, a
// SQLite table (pure Go driver) for single-host deployments, and Redis for
// deployments where several processes share one cache directory.
package settings
