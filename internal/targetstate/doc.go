// Package targetstate tracks the reachability and consistency state of every
// target in the cluster.
//
// Reachability moves between ONLINE, PROBABLY_OFFLINE and OFFLINE based on
// probes and reports. Consistency is GOOD, NEEDS_RESYNC or BAD:
//
//	GOOD ──(unconfirmed mirrored write, failover)──► NEEDS_RESYNC
//	NEEDS_RESYNC ──(successful resync)──► GOOD
//	any ──(local I/O failure)──► BAD
//
// The registry is a plain service object with no package-level state, so
// tests construct isolated copies. Snapshots are loaded with SyncFromLists
// and exported with Lists.
package targetstate
