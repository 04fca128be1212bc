// Package buddygroup implements the authoritative registry of buddy mirror groups.
// See doc.go for complete package documentation.
package buddygroup

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/cluster"
)

// Group is one buddy mirror group: two targets on different nodes holding the
// same data, one of which (Primary) accepts new writes.
//
// Group values are immutable once returned by the registry; every accessor
// hands out a copy.
type Group struct {
	// ID is the group identifier, never 0 for a registered group.
	ID cluster.GroupID `json:"id"`

	// Primary is the target that is authoritative for new writes.
	Primary cluster.TargetID `json:"primary"`

	// Secondary mirrors Primary and takes over on failover.
	Secondary cluster.TargetID `json:"secondary"`
}

// BuddyState describes the role of a target inside the group registry.
type BuddyState int

const (
	// Unmapped means the target is not a member of any group.
	Unmapped BuddyState = iota
	// Primary means the target is the primary of its group.
	Primary
	// Secondary means the target is the secondary of its group.
	Secondary
)

func (s BuddyState) String() string {
	switch s {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unmapped"
	}
}

// Registry maps group IDs to their member targets and serves as the single
// source of truth for "which target is primary".
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│         Registry                    │
//	├─────────────────────────────────────┤
//	│  groups: map[groupID]→Group         │
//	│  targets: external target→node map  │
//	│  mu: RWMutex for thread safety      │
//	│  dirty: snapshot needs saving       │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock and never block each other
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//   - The lock is never held across a remote call or while acquiring the
//     target state registry's lock
//
// Validation Model:
//   - AddGroup validates everything before touching the map, so a rejected
//     call leaves the registry exactly as it was
//   - SyncFromLists is a trusted bulk replace and skips cross-field checks
type Registry struct {
	// groups maps group IDs to their current membership.
	groups map[cluster.GroupID]Group

	// targets resolves member targets to hosting nodes during AddGroup.
	targets cluster.TargetMapper

	lg *zap.Logger

	// mu protects groups and dirty.
	mu sync.RWMutex

	// dirty is set by every mutation and cleared by the snapshot saver.
	dirty bool
}

// NewRegistry creates an empty registry that validates new groups against the
// given target→node map.
//
// Parameters:
//   - targets: Resolver used to check that both member targets are hosted
//     somewhere (must not be nil)
//   - lg: Logger; nil disables logging
//
// Returns:
//   - Initialized Registry ready for AddGroup or SyncFromLists
//
// Example:
//
//	targets := cluster.NewTargetMap()
//	targets.Map(101, 1)
//	targets.Map(201, 2)
//	reg := NewRegistry(targets, logger)
//	err := reg.AddGroup(1, 101, 201, false)
func NewRegistry(targets cluster.TargetMapper, lg *zap.Logger) *Registry {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Registry{
		groups:  make(map[cluster.GroupID]Group),
		targets: targets,
		lg:      lg.Named("buddygroup"),
	}
}

// AddGroup registers a buddy group or, when allowUpdate is set, replaces the
// membership of an existing one.
//
// Validation order (no mutation happens unless every step passes):
//  1. groupID must be nonzero (ErrInvalidID)
//  2. primary and secondary must differ (ErrInvalidID)
//  3. an existing group requires allowUpdate (ErrAlreadyExists)
//  4. both targets must resolve through the target→node map (ErrUnknownTarget)
//  5. neither target may belong to a different group (ErrTargetInUse)
//
// Parameters:
//   - groupID: The group to create or update
//   - primary: Target that will accept new writes
//   - secondary: Target that mirrors the primary
//   - allowUpdate: Whether an existing group may be overwritten
//
// Returns:
//   - nil on success
//   - One of the validation errors listed above, wrapped with context
//
// Thread Safety:
// This method is thread-safe. Validation and insertion happen under a single
// exclusive lock so two concurrent calls cannot both claim the same target.
//
// Example:
//
//	if err := reg.AddGroup(7, 101, 201, false); errors.Is(err, cluster.ErrTargetInUse) {
//	    // one of the targets is already mirrored elsewhere
//	}
func (r *Registry) AddGroup(groupID cluster.GroupID, primary, secondary cluster.TargetID, allowUpdate bool) error {
	if groupID == 0 {
		return errors.Wrap(cluster.ErrInvalidID, "group id 0 is reserved")
	}
	if primary == secondary {
		return errors.Wrapf(cluster.ErrInvalidID, "group %d: primary and secondary are both target %d", groupID, primary)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[groupID]; exists && !allowUpdate {
		return errors.Wrapf(cluster.ErrAlreadyExists, "group %d", groupID)
	}

	for _, t := range []cluster.TargetID{primary, secondary} {
		if t == 0 {
			return errors.Wrap(cluster.ErrUnknownTarget, "target 0 is reserved")
		}
		if _, ok := r.targets.NodeOf(t); !ok {
			return errors.Wrapf(cluster.ErrUnknownTarget, "target %d is not mapped to a node", t)
		}
		if other, _, ok := r.groupOfLocked(t); ok && other != groupID {
			return errors.Wrapf(cluster.ErrTargetInUse, "target %d belongs to group %d", t, other)
		}
	}

	r.groups[groupID] = Group{ID: groupID, Primary: primary, Secondary: secondary}
	r.dirty = true

	r.lg.Info("mapped buddy group",
		zap.Uint16("groupID", uint16(groupID)),
		zap.Uint16("primary", uint16(primary)),
		zap.Uint16("secondary", uint16(secondary)))
	return nil
}

// RemoveGroup unmaps a group. It fails only if the group does not exist.
//
// Callers must run the emptiness safety check on both member targets first;
// the registry itself has no knowledge of on-disk contents.
func (r *Registry) RemoveGroup(groupID cluster.GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupID]; !ok {
		return false
	}
	delete(r.groups, groupID)
	r.dirty = true

	r.lg.Info("unmapped buddy group", zap.Uint16("groupID", uint16(groupID)))
	return true
}

// Primary returns the primary target of a group, or 0 if the group is unknown.
func (r *Registry) Primary(groupID cluster.GroupID) cluster.TargetID {
	g, _ := r.Group(groupID)
	return g.Primary
}

// Secondary returns the secondary target of a group, or 0 if the group is unknown.
func (r *Registry) Secondary(groupID cluster.GroupID) cluster.TargetID {
	g, _ := r.Group(groupID)
	return g.Secondary
}

// Group returns a copy of a group and whether it exists.
func (r *Registry) Group(groupID cluster.GroupID) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[groupID]
	return g, ok
}

// Groups returns copies of all groups ordered by group ID.
func (r *Registry) Groups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b Group) int { return int(a.ID) - int(b.ID) })
	return out
}

// Len returns the number of registered groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// SyncFromLists replaces the whole mapping with the contents of three parallel
// slices. This is the trusted ingest path for pushed or persisted snapshots and
// performs no membership validation.
//
// The slices must have equal length; otherwise ErrInvalidID is returned and the
// registry is left untouched.
//
// Thread Safety:
// The replacement happens under one exclusive lock, so readers observe either
// the old or the new mapping, never a mixture.
func (r *Registry) SyncFromLists(groupIDs []cluster.GroupID, primaries, secondaries []cluster.TargetID) error {
	if len(groupIDs) != len(primaries) || len(groupIDs) != len(secondaries) {
		return errors.Wrapf(cluster.ErrInvalidID, "list length mismatch: %d ids, %d primaries, %d secondaries",
			len(groupIDs), len(primaries), len(secondaries))
	}

	groups := make(map[cluster.GroupID]Group, len(groupIDs))
	for i, id := range groupIDs {
		groups[id] = Group{ID: id, Primary: primaries[i], Secondary: secondaries[i]}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = groups
	r.dirty = true
	return nil
}

// Lists exports the mapping as three parallel slices ordered by group ID. It is
// the inverse of SyncFromLists.
func (r *Registry) Lists() (groupIDs []cluster.GroupID, primaries, secondaries []cluster.TargetID) {
	for _, g := range r.Groups() {
		groupIDs = append(groupIDs, g.ID)
		primaries = append(primaries, g.Primary)
		secondaries = append(secondaries, g.Secondary)
	}
	return groupIDs, primaries, secondaries
}

// GroupOf returns the group a target belongs to and whether it is that group's
// primary. ok is false for unmapped targets.
func (r *Registry) GroupOf(target cluster.TargetID) (groupID cluster.GroupID, isPrimary bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groupOfLocked(target)
}

// BuddyOf returns the other member of the target's group, or 0 if unmapped.
func (r *Registry) BuddyOf(target cluster.TargetID) cluster.TargetID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, isPrimary, ok := r.groupOfLocked(target)
	if !ok {
		return 0
	}
	if isPrimary {
		return r.groups[id].Secondary
	}
	return r.groups[id].Primary
}

// BuddyState reports the current role of a target.
func (r *Registry) BuddyState(target cluster.TargetID) BuddyState {
	_, isPrimary, ok := r.GroupOf(target)
	switch {
	case !ok:
		return Unmapped
	case isPrimary:
		return Primary
	default:
		return Secondary
	}
}

// Switchover swaps primary and secondary of a group. It reports false if the
// group does not exist.
//
// Only the failover coordinator calls this, after it has decided from the
// target states that the secondary must take over.
func (r *Registry) Switchover(groupID cluster.GroupID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return false
	}
	g.Primary, g.Secondary = g.Secondary, g.Primary
	r.groups[groupID] = g
	r.dirty = true

	r.lg.Warn("switched buddy group primary",
		zap.Uint16("groupID", uint16(groupID)),
		zap.Uint16("newPrimary", uint16(g.Primary)),
		zap.Uint16("newSecondary", uint16(g.Secondary)))
	return true
}

// Dirty reports whether the mapping changed since the last ClearDirty.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// ClearDirty marks the current mapping as persisted.
func (r *Registry) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}

// groupOfLocked is the lookup behind GroupOf. Caller must hold mu.
func (r *Registry) groupOfLocked(target cluster.TargetID) (cluster.GroupID, bool, bool) {
	if target == 0 {
		return 0, false, false
	}
	for id, g := range r.groups {
		if g.Primary == target {
			return id, true, true
		}
		if g.Secondary == target {
			return id, false, true
		}
	}
	return 0, false, false
}
