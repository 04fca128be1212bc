// Package coordinator implements the management daemon's failure handling:
// detecting that storage nodes went away and failing their buddy groups over
// to the surviving replica.
//
// # Overview
//
// Two components live here:
//
//	┌─────────────────────────────────────┐
//	│         COORDINATOR                 │
//	├─────────────────────────────────────┤
//	│                                     │
//	│  ┌──────────────────────────────┐   │
//	│  │   HealthMonitor              │   │
//	│  │   - periodic GET /health     │   │
//	│  │   - consecutive failures     │   │
//	│  └──────────────┬───────────────┘   │
//	│                 │ ReportNode        │
//	│  ┌──────────────▼───────────────┐   │
//	│  │   FailoverCoordinator        │   │
//	│  │   - state change + switchover│   │
//	│  │   - auto offline             │   │
//	│  └──────────────────────────────┘   │
//	│                                     │
//	└─────────────────────────────────────┘
//
// # FailoverCoordinator
//
// The buddy group registry and the target state registry are independent
// service objects with their own locks. Failover needs both: "the primary of
// group G is now OFFLINE and its secondary is ONLINE and GOOD, so swap them and
// mark the old primary NEEDS_RESYNC". FailoverCoordinator is the one place
// where this combined decision is made. It serializes all combined changes on
// its own mutex and then consults the registries in a fixed order:
//
//	coordinator mutex ──► target states ──► buddy groups
//
// No registry lock is ever held while the other registry is called.
//
// # Failover Rules
//
//  1. A primary observed OFFLINE fails over if its secondary is ONLINE and
//     GOOD. Otherwise nothing changes and an error is logged; the group stays
//     unavailable until one side recovers.
//  2. A secondary that becomes ONLINE and GOOD while its primary is OFFLINE
//     takes over.
//  3. The old primary of a switched group is marked NEEDS_RESYNC, so it can
//     only resume duty after a successful resync.
//  4. A secondary returning from OFFLINE missed mirrored writes and is marked
//     NEEDS_RESYNC.
//
// PROBABLY_OFFLINE never triggers a failover.
//
// # HealthMonitor
//
// The monitor probes each registered storage node. A successful probe reports
// the node's targets ONLINE (refreshing their last-report time), the first
// failure reports PROBABLY_OFFLINE and maxFailures consecutive failures report
// OFFLINE. Targets whose node stops answering without the monitor noticing are
// caught by FailoverCoordinator.RunAutoOffline.
package coordinator
