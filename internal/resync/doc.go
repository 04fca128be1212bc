// Package resync brings a degraded buddy target back in line with its mirror.
//
// A Coordinator runs on the storage daemon that hosts the healthy source
// target. For each (source, destination) pair it runs at most one Job, which
// walks the source tree one directory level at a time:
//
//	list level ──► compare dirs (parallel) ──► send files (parallel) ──► next level
//
// Every message to the destination goes through the failover dispatcher with
// an explicit target selector and the Resync flag set, so a destination that
// is NEEDS_RESYNC or BAD is still reachable. Entries that already match are
// counted and skipped; stale destination entries are removed. Per-entry
// failures are counted and the job ends COMPLETED_WITH_ERRORS. Only a job
// ending in SUCCESS reports the destination GOOD.
//
// Abort is cooperative: the flag is checked before each work item and
// transfers already in flight finish normally.
//
// Handler serves the destination side of these messages plus the emptiness
// check used by GroupRemover before a buddy group is unmapped.
package resync
