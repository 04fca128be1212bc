// Package chunkstore provides the local on-disk tree of a storage target.
//
// Each target hosted by a storage daemon is a directory on a local
// filesystem. Target wraps that directory with the operations resync needs:
// listing, stat, block writes, truncation, permission and time changes, and
// removal. Paths are always relative to the target root and are cleaned so
// they cannot escape it.
//
// Operation counters are kept with sync/atomic and exposed through Stats.
//
// Set is the collection of targets one daemon hosts, keyed by target ID.
package chunkstore
