// Package cluster provides the identifiers, topology maps and communication
// helpers shared by every component of the buddy mirror control layer.
//
// # Overview
//
// A cluster consists of one management daemon (mgmtd) and a number of storage
// daemons (storaged). Each storage daemon hosts one or more targets, and pairs
// of targets on different nodes form buddy mirror groups:
//
//	              ┌──────────────────────┐
//	              │        mgmtd         │
//	              │ - buddy groups       │
//	              │ - target states      │
//	              │ - health monitor     │
//	              └──────────┬───────────┘
//	                         │
//	        ┌────────────────┼────────────────┐
//	        │                                 │
//	┌───────▼────────┐               ┌────────▼───────┐
//	│  storaged n1   │   resync      │  storaged n2   │
//	│  target 101 ───┼──────────────►│  target 201    │
//	│  (primary)     │               │  (secondary)   │
//	└────────────────┘               └────────────────┘
//
// # Identifiers
//
// TargetID, NodeID and GroupID are 16-bit numeric IDs. The value 0 is reserved
// everywhere and means "unknown" when returned from a lookup.
//
// # Topology
//
// TargetMap is the target→node map consulted whenever a target has to be
// resolved to a reachable endpoint. NodeStore holds node contact information.
// Both are read-mostly and guarded by a sync.RWMutex.
//
// # Results
//
// Operations report failures with the sentinel errors in this package
// (ErrInvalidID, ErrUnknownTarget, ErrCommunication, ...). Code is their wire
// form; CodeOf and Code.Err convert between the two so that a result survives a
// round trip through an HTTP response unchanged.
//
// # Communication
//
// All inter-node traffic is JSON over HTTP. PostJSON and GetJSON return an
// *HTTPError for non-2xx responses so callers can distinguish "peer answered
// with an error" from "peer could not be reached".
package cluster
