// Package cache owns the dedicated on-disk directory holding local copies of
// remote assets. Every asset is a single flat file named <hash>.<kind>; the
// store exposes read/write primitives with safe semantics (temp file + rename,
// per-file locks), maps file names to the public URL prefix, and can purge
// the whole directory. Metadata about each file lives in the asset store, not
// here.
package cache
