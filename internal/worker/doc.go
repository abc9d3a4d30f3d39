// Package worker drains the pending-fetch queue off the request path and
// evicts cache entries nobody has referenced for a long time. A timestamp
// lock in the settings store keeps at most one drain or sweep running; a lock
// older than the configured timeout counts as abandoned, so a crashed worker
// is recovered by the next spawn without explicit cleanup.
package worker
