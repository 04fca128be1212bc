package targetstate

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// Reachability is whether a target currently answers probes.
type Reachability int

const (
	// Online targets answer probes.
	Online Reachability = iota
	// ProbablyOffline is set when reports are overdue but the offline timeout
	// has not yet expired. It does not trigger fast-fail.
	ProbablyOffline
	// Offline targets are failed over and fast-failed. Only an ONLINE report
	// clears it.
	Offline
)

var reachabilityNames = []string{"ONLINE", "PROBABLY_OFFLINE", "OFFLINE"}

func (r Reachability) String() string {
	if int(r) < 0 || int(r) >= len(reachabilityNames) {
		return "UNKNOWN"
	}
	return reachabilityNames[r]
}

// MarshalText encodes r by name, e.g. "PROBABLY_OFFLINE".
func (r Reachability) MarshalText() ([]byte, error) {
	if int(r) < 0 || int(r) >= len(reachabilityNames) {
		return nil, errors.Newf("invalid reachability %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText parses a reachability name, ignoring case.
func (r *Reachability) UnmarshalText(b []byte) error {
	idx := slices.Index(reachabilityNames, strings.ToUpper(string(b)))
	if idx < 0 {
		return errors.Newf("invalid reachability %q", string(b))
	}
	*r = Reachability(idx)
	return nil
}

// Consistency is whether a target's data is known to match its buddy.
type Consistency int

const (
	// Good targets hold the same data as their buddy.
	Good Consistency = iota
	// NeedsResync targets missed writes and wait for a resync from their buddy.
	NeedsResync
	// Bad targets cannot be trusted and only accept resync traffic.
	Bad
)

var consistencyNames = []string{"GOOD", "NEEDS_RESYNC", "BAD"}

func (c Consistency) String() string {
	if int(c) < 0 || int(c) >= len(consistencyNames) {
		return "UNKNOWN"
	}
	return consistencyNames[c]
}

// MarshalText encodes c by name, e.g. "NEEDS_RESYNC".
func (c Consistency) MarshalText() ([]byte, error) {
	if int(c) < 0 || int(c) >= len(consistencyNames) {
		return nil, errors.Newf("invalid consistency %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText parses a consistency name, ignoring case.
func (c *Consistency) UnmarshalText(b []byte) error {
	idx := slices.Index(consistencyNames, strings.ToUpper(string(b)))
	if idx < 0 {
		return errors.Newf("invalid consistency %q", string(b))
	}
	*c = Consistency(idx)
	return nil
}

// State is the combined state of one target.
type State struct {
	Reachability Reachability `json:"reachability"`
	Consistency  Consistency  `json:"consistency"`

	// LastChanged is when Reachability or Consistency last changed.
	LastChanged time.Time `json:"lastChanged"`

	// LastReport is when the target was last reported alive. AutoOffline
	// measures its timeouts from here.
	LastReport time.Time `json:"lastReport"`

	// LastGood is when the target was last seen ONLINE and GOOD. Unlike
	// LastChanged it survives reachability changes and bulk loads, so a
	// resync can take it as the point the target stopped receiving writes.
	// Zero means unknown.
	LastGood time.Time `json:"lastGood"`
}

// Usable reports whether normal traffic may be routed to the target.
func (s State) Usable() bool {
	return s.Reachability == Online && s.Consistency == Good
}

// Registry holds the reachability and consistency state of every known
// target. A target is created implicitly by its first state report and is
// never removed.
//
// The registry guards its map with its own sync.RWMutex and never acquires
// another component's lock while holding it. Combined changes that also touch
// buddy groups go through coordinator.FailoverCoordinator.
type Registry struct {
	mu     sync.RWMutex
	states map[cluster.TargetID]State
	dirty  bool

	clock clockwork.Clock
	lg    *zap.Logger
}

// NewRegistry returns an empty registry. A nil clock means the wall clock and
// a nil logger disables logging.
func NewRegistry(clock clockwork.Clock, lg *zap.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Registry{
		states: make(map[cluster.TargetID]State),
		clock:  clock,
		lg:     lg.Named("targetstate"),
	}
}

// Get returns the state of a target, or ErrNotFound if the target never
// reported.
func (r *Registry) Get(id cluster.TargetID) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.states[id]
	if !ok {
		return State{}, errors.Wrapf(cluster.ErrNotFound, "target %d has no state", id)
	}
	return s, nil
}

// SetReachability records a reachability observation and returns the previous
// state. known is false when this is the target's first report, in which case
// the target starts out GOOD.
//
// OFFLINE stays until a later report sets ONLINE again. An ONLINE report also
// counts as a liveness report for AutoOffline.
func (r *Registry) SetReachability(id cluster.TargetID, reach Reachability) (prev State, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	prev, known = r.states[id]
	next := prev
	if !known {
		next = State{Consistency: Good, LastChanged: now, LastReport: now}
	}
	// only ONLINE leaves OFFLINE
	if !(known && prev.Reachability == Offline && reach == ProbablyOffline) {
		next.Reachability = reach
	}
	if reach == Online {
		next.LastReport = now
	}
	r.storeLocked(id, prev, known, next, now)
	return prev, known
}

// SetConsistency records a consistency change and returns the previous state.
// A target first seen here starts out ONLINE.
func (r *Registry) SetConsistency(id cluster.TargetID, c Consistency) (prev State, known bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	prev, known = r.states[id]
	next := prev
	if !known {
		next = State{Reachability: Online, LastChanged: now, LastReport: now}
	}
	next.Consistency = c
	r.storeLocked(id, prev, known, next, now)
	return prev, known
}

// Touch is a heartbeat: the target is set ONLINE and its report time is
// refreshed.
func (r *Registry) Touch(id cluster.TargetID) {
	r.SetReachability(id, Online)
}

// storeLocked writes next, bumping LastChanged and the dirty flag only when
// the observable state changed. Caller must hold mu.
func (r *Registry) storeLocked(id cluster.TargetID, prev State, known bool, next State, now time.Time) {
	changed := !known ||
		prev.Reachability != next.Reachability ||
		prev.Consistency != next.Consistency
	if changed {
		next.LastChanged = now
		r.dirty = true
	}
	if next.Usable() {
		next.LastGood = now
	}
	r.states[id] = next

	if changed && known {
		r.lg.Info("target state changed",
			zap.Uint16("targetID", uint16(id)),
			zap.Stringer("reachability", next.Reachability),
			zap.Stringer("consistency", next.Consistency),
			zap.Stringer("prevReachability", prev.Reachability),
			zap.Stringer("prevConsistency", prev.Consistency))
	}
}

// SyncFromLists replaces every state with the contents of three parallel
// slices. It is the bulk loader for persisted and pushed snapshots. All
// targets are treated as freshly reported. LastGood is kept for targets
// already known and left zero for new ones; see RestoreLastGood.
func (r *Registry) SyncFromLists(ids []cluster.TargetID, reach []Reachability, cons []Consistency) error {
	if len(ids) != len(reach) || len(ids) != len(cons) {
		return errors.Wrapf(cluster.ErrInvalidID, "list length mismatch: %d ids, %d reachabilities, %d consistencies",
			len(ids), len(reach), len(cons))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	states := make(map[cluster.TargetID]State, len(ids))
	for i, id := range ids {
		states[id] = State{
			Reachability: reach[i],
			Consistency:  cons[i],
			LastChanged:  now,
			LastReport:   now,
			LastGood:     r.states[id].LastGood,
		}
	}
	r.states = states
	r.dirty = true
	return nil
}

// LastGoodTimes returns the LastGood time of every listed target, zero for
// unknown ones.
func (r *Registry) LastGoodTimes(ids []cluster.TargetID) []time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]time.Time, len(ids))
	for i, id := range ids {
		out[i] = r.states[id].LastGood
	}
	return out
}

// RestoreLastGood sets the LastGood time of known targets from persisted
// parallel slices. Unknown targets are skipped and the dirty flag is left
// alone.
func (r *Registry) RestoreLastGood(ids []cluster.TargetID, times []time.Time) error {
	if len(ids) != len(times) {
		return errors.Wrapf(cluster.ErrInvalidID, "list length mismatch: %d ids, %d times", len(ids), len(times))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, id := range ids {
		s, ok := r.states[id]
		if !ok {
			continue
		}
		s.LastGood = times[i]
		r.states[id] = s
	}
	return nil
}

// Lists exports all states as parallel slices ordered by target ID.
func (r *Registry) Lists() (ids []cluster.TargetID, reach []Reachability, cons []Consistency) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids = make([]cluster.TargetID, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	reach = make([]Reachability, len(ids))
	cons = make([]Consistency, len(ids))
	for i, id := range ids {
		reach[i] = r.states[id].Reachability
		cons[i] = r.states[id].Consistency
	}
	return ids, reach, cons
}

// All returns a copy of every state keyed by target.
func (r *Registry) All() map[cluster.TargetID]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[cluster.TargetID]State, len(r.states))
	for id, s := range r.states {
		out[id] = s
	}
	return out
}

// SetConsistencyStatesFromLists applies a bulk report from a storage node.
// When setOnline is true every listed target is also marked ONLINE, since a
// node that reports is evidently alive.
func (r *Registry) SetConsistencyStatesFromLists(ids []cluster.TargetID, cons []Consistency, setOnline bool) error {
	if len(ids) != len(cons) {
		return errors.Wrapf(cluster.ErrInvalidID, "list length mismatch: %d ids, %d consistencies", len(ids), len(cons))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for i, id := range ids {
		prev, known := r.states[id]
		next := prev
		if !known {
			next = State{Reachability: Online, LastChanged: now, LastReport: now}
		}
		next.Consistency = cons[i]
		if setOnline {
			next.Reachability = Online
			next.LastReport = now
		}
		r.storeLocked(id, prev, known, next, now)
	}
	return nil
}

// ChangeConsistencyStates moves every listed target from oldStates[i] to
// newStates[i]. It is all-or-nothing: if any target is unknown or not in its
// expected old state, nothing changes and ErrAgain is returned so the caller
// can re-read and retry.
func (r *Registry) ChangeConsistencyStates(ids []cluster.TargetID, oldStates, newStates []Consistency) error {
	if len(ids) != len(oldStates) || len(ids) != len(newStates) {
		return errors.Wrapf(cluster.ErrInvalidID, "list length mismatch: %d ids, %d old, %d new",
			len(ids), len(oldStates), len(newStates))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, id := range ids {
		s, ok := r.states[id]
		if !ok || s.Consistency != oldStates[i] {
			return errors.Wrapf(cluster.ErrAgain, "target %d is not %s", id, oldStates[i])
		}
	}

	now := r.clock.Now()
	for i, id := range ids {
		prev := r.states[id]
		next := prev
		next.Consistency = newStates[i]
		r.storeLocked(id, prev, true, next, now)
	}
	return nil
}

// AutoOffline downgrades targets whose last report is older than the given
// timeouts: ONLINE becomes PROBABLY_OFFLINE after pofflineTimeout, anything
// not yet OFFLINE becomes OFFLINE after offlineTimeout. It returns the
// targets that became OFFLINE in this pass, in ascending order.
func (r *Registry) AutoOffline(pofflineTimeout, offlineTimeout time.Duration) []cluster.TargetID {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var offline []cluster.TargetID
	for id, s := range r.states {
		silent := now.Sub(s.LastReport)
		next := s
		switch {
		case silent > offlineTimeout && s.Reachability != Offline:
			next.Reachability = Offline
			offline = append(offline, id)
		case silent > pofflineTimeout && s.Reachability == Online:
			next.Reachability = ProbablyOffline
		default:
			continue
		}
		r.storeLocked(id, s, true, next, now)
	}
	slices.Sort(offline)
	return offline
}

// Len returns the number of known targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Dirty reports whether any state changed since the last ClearDirty.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// ClearDirty marks the current states as persisted.
func (r *Registry) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}
