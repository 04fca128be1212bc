// Package buddygroup implements the registry of buddy mirror groups, the
// authoritative map from a group ID to its primary and secondary target.
//
// # Overview
//
// A buddy group pairs two targets hosted on different nodes. The primary
// accepts new writes and forwards them to the secondary; when the primary fails
// the secondary takes over. Membership and the initial primary are assigned
// administratively, never elected.
//
// # Invariants
//
//   - Group ID 0 is reserved and never stored.
//   - A target belongs to at most one group at a time.
//   - Both members resolve to a hosting node when the group is created.
//   - A rejected AddGroup leaves the registry unchanged.
//
// # Lifecycle
//
//	AddGroup ──► (Switchover)* ──► emptiness check ──► RemoveGroup
//
// SyncFromLists replaces the whole map at once; it is used to load a persisted
// snapshot at startup and to ingest a snapshot pushed by the management daemon.
// Lists is its inverse.
//
// # Concurrency
//
// One sync.RWMutex guards the map. The registry never calls out to another
// component while holding it, in particular never to the target state
// registry, so the two registries have no lock-order dependency.
package buddygroup
