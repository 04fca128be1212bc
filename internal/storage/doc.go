// Package storage provides the key-value persistence used by the management
// daemon to keep buddy group and target state across restarts.
//
// # Overview
//
// Store is a small key-value interface with two implementations:
//
//	┌─────────────────────────────────────┐
//	│        snapshot.Save / Load         │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌─────────────┐   ┌─────────────┐
//	   │ MemoryStore │   │  BoltStore  │
//	   └─────────────┘   └─────────────┘
//
// MemoryStore keeps everything in a map guarded by a sync.RWMutex. It is used
// in tests and when the daemon runs without a data directory.
//
// BoltStore keeps all keys in one bucket of a bbolt database file. Each Put
// and Delete is a separate read-write transaction, so a crash never leaves a
// half-written value behind.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Values passed to Put and
// returned by Get are copied, so callers may modify them freely.
//
// # Errors
//
// Get returns an error wrapping ErrKeyNotFound for a missing key. Delete of a
// missing key is not an error.
package storage
