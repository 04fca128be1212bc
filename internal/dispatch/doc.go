// Package dispatch implements the failover-aware request path: every message
// sent to a storage node goes through Dispatcher.Dispatch.
//
// # Resolution and Retry
//
// Each attempt runs the full sequence again; nothing is cached between
// attempts:
//
//	resolve selector ──► check target state ──► transport call
//	       ▲                                          │
//	       └──────── backoff (table by attempt) ◄─────┘ transport failure
//
//  1. Resolve: an explicit target, an explicit node, or the primary or
//     secondary of a buddy group, through the group registry and the
//     target→node map.
//  2. Fast-fail: a group-selected target that is OFFLINE fails with
//     COMMUNICATION without touching the network. A BAD target fails for every
//     selector unless the request is a check-only probe or resync traffic to
//     an explicit target.
//  3. Call the transport with a per-attempt timeout.
//  4. On failure wait DefaultBackoff(retry) and start over, until the retry
//     budget is spent.
//
// A peer answering AGAIN is retried after a fixed wait without consuming the
// budget; the loop ends only on success, another error, or cancellation.
//
// # Logging
//
// Each failure class is logged at most once per call, tracked in a bit set
// local to the call.
//
// # Wire Format
//
// HTTPTransport posts an Envelope to {node}/msg/{type} and expects a Reply.
// Storage daemons build replies with NewReply, so a handler's error travels
// back as its cluster.Code and is returned to the caller as a *PeerError that
// still matches the original sentinel with errors.Is.
package dispatch
