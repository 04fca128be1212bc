package coordinator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// TargetLister lists the targets hosted by a node.
type TargetLister interface {
	TargetsOf(node cluster.NodeID) []cluster.TargetID
}

// FailoverCoordinator is the only component that changes target state and
// buddy group membership together. Every combined operation runs under the
// coordinator's own mutex and then calls the two registries one after the
// other:
//
//	FailoverCoordinator.mu ──► targetstate.Registry ──► buddygroup.Registry
//
// Each registry call acquires and releases its own lock; the registry locks are
// never held at the same time. Because all combined changes serialize on mu, a
// state observed from one registry cannot be invalidated by another combined
// change before the matching group update is applied.
//
// Plain reads and single-registry administrative writes (AddGroup, bulk loads)
// may still go to the registries directly.
type FailoverCoordinator struct {
	mu      sync.Mutex
	groups  *buddygroup.Registry
	states  *targetstate.Registry
	targets TargetLister
	lg      *zap.Logger
}

// NewFailoverCoordinator wires the coordinator to both registries. targets
// resolves a node to its targets for node-level reports.
func NewFailoverCoordinator(groups *buddygroup.Registry, states *targetstate.Registry, targets TargetLister, lg *zap.Logger) *FailoverCoordinator {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &FailoverCoordinator{
		groups:  groups,
		states:  states,
		targets: targets,
		lg:      lg.Named("failover"),
	}
}

// ReportReachability records a reachability observation for one target and
// applies its failover consequences:
//
//   - a primary that becomes OFFLINE is switched over to its secondary when
//     the secondary is ONLINE and GOOD; the old primary is marked NEEDS_RESYNC
//   - a secondary that becomes ONLINE and GOOD while its primary is OFFLINE
//     takes over the same way
//   - a target that returns ONLINE after an outage and is no longer primary
//     is kept at NEEDS_RESYNC
//
// It reports whether a switchover happened.
func (c *FailoverCoordinator) ReportReachability(target cluster.TargetID, reach targetstate.Reachability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportReachabilityLocked(target, reach)
}

func (c *FailoverCoordinator) reportReachabilityLocked(target cluster.TargetID, reach targetstate.Reachability) bool {
	prev, known := c.states.SetReachability(target, reach)
	wasOffline := known && prev.Reachability == targetstate.Offline

	switch reach {
	case targetstate.Offline:
		if wasOffline {
			return false
		}
		return c.failOverFromLocked(target)
	case targetstate.Online:
		if wasOffline {
			c.markReturnedLocked(target)
		}
		return c.takeOverLocked(target)
	}
	return false
}

// ReportConsistency records a consistency change. A secondary that becomes
// GOOD while its primary is OFFLINE takes over immediately.
func (c *FailoverCoordinator) ReportConsistency(target cluster.TargetID, cons targetstate.Consistency) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states.SetConsistency(target, cons)
	if cons != targetstate.Good {
		return false
	}
	return c.takeOverLocked(target)
}

// ReportConsistencyStates applies a bulk consistency report from a storage
// node. With setOnline every listed target also counts as ONLINE.
func (c *FailoverCoordinator) ReportConsistencyStates(ids []cluster.TargetID, cons []targetstate.Consistency, setOnline bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasOffline := make([]bool, len(ids))
	for i, id := range ids {
		if s, err := c.states.Get(id); err == nil && s.Reachability == targetstate.Offline {
			wasOffline[i] = true
		}
	}
	if err := c.states.SetConsistencyStatesFromLists(ids, cons, setOnline); err != nil {
		return err
	}
	for i, id := range ids {
		if setOnline && wasOffline[i] {
			c.markReturnedLocked(id)
		}
		c.takeOverLocked(id)
	}
	return nil
}

// ChangeConsistencyStates is the compare-and-set variant of
// ReportConsistencyStates: nothing changes unless every target still has its
// expected old state (cluster.ErrAgain otherwise). Targets that became GOOD
// take over as in ReportConsistency.
func (c *FailoverCoordinator) ChangeConsistencyStates(ids []cluster.TargetID, oldStates, newStates []targetstate.Consistency) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.states.ChangeConsistencyStates(ids, oldStates, newStates); err != nil {
		return err
	}
	for i, id := range ids {
		if newStates[i] == targetstate.Good {
			c.takeOverLocked(id)
		}
	}
	return nil
}

// ReportNode applies a reachability observation to every target of a node.
// It returns the groups that switched over.
func (c *FailoverCoordinator) ReportNode(node cluster.NodeID, reach targetstate.Reachability) []cluster.GroupID {
	targets := c.targets.TargetsOf(node)

	c.mu.Lock()
	defer c.mu.Unlock()

	var switched []cluster.GroupID
	for _, t := range targets {
		if c.reportReachabilityLocked(t, reach) {
			if id, _, ok := c.groups.GroupOf(t); ok {
				switched = append(switched, id)
			}
		}
	}
	return switched
}

// RunAutoOffline downgrades silent targets (see targetstate.Registry.AutoOffline)
// and fails over every group whose primary just became OFFLINE. It returns the
// targets that became OFFLINE.
func (c *FailoverCoordinator) RunAutoOffline(pofflineTimeout, offlineTimeout time.Duration) []cluster.TargetID {
	c.mu.Lock()
	defer c.mu.Unlock()

	offline := c.states.AutoOffline(pofflineTimeout, offlineTimeout)
	for _, t := range offline {
		c.lg.Warn("target timed out", zap.Uint16("targetID", uint16(t)))
		c.failOverFromLocked(t)
	}
	return offline
}

// failOverFromLocked switches the group of an OFFLINE primary over to its
// secondary if the secondary can serve. Caller must hold mu.
func (c *FailoverCoordinator) failOverFromLocked(target cluster.TargetID) bool {
	groupID, isPrimary, ok := c.groups.GroupOf(target)
	if !ok || !isPrimary {
		return false
	}
	secondary := c.groups.Secondary(groupID)
	s, err := c.states.Get(secondary)
	if err != nil || !s.Usable() {
		c.lg.Error("primary offline and secondary cannot take over",
			zap.Uint16("groupID", uint16(groupID)),
			zap.Uint16("primary", uint16(target)),
			zap.Uint16("secondary", uint16(secondary)))
		return false
	}
	return c.switchLocked(groupID, target)
}

// takeOverLocked promotes target if it is a usable secondary whose primary is
// OFFLINE. Caller must hold mu.
func (c *FailoverCoordinator) takeOverLocked(target cluster.TargetID) bool {
	groupID, isPrimary, ok := c.groups.GroupOf(target)
	if !ok || isPrimary {
		return false
	}
	if s, err := c.states.Get(target); err != nil || !s.Usable() {
		return false
	}
	primary := c.groups.Primary(groupID)
	ps, err := c.states.Get(primary)
	if err != nil || ps.Reachability != targetstate.Offline {
		return false
	}
	return c.switchLocked(groupID, primary)
}

// switchLocked swaps the group and marks the old primary NEEDS_RESYNC. A BAD
// old primary stays BAD.
func (c *FailoverCoordinator) switchLocked(groupID cluster.GroupID, oldPrimary cluster.TargetID) bool {
	if !c.groups.Switchover(groupID) {
		return false
	}
	if s, err := c.states.Get(oldPrimary); err != nil || s.Consistency != targetstate.Bad {
		c.states.SetConsistency(oldPrimary, targetstate.NeedsResync)
	}
	switchovers.Inc()
	c.lg.Warn("buddy group failed over",
		zap.Uint16("groupID", uint16(groupID)),
		zap.Uint16("oldPrimary", uint16(oldPrimary)),
		zap.Uint16("newPrimary", uint16(c.groups.Primary(groupID))))
	return true
}

// markReturnedLocked keeps a target that came back from OFFLINE out of
// service until it is resynced, unless it is still its group's primary.
func (c *FailoverCoordinator) markReturnedLocked(target cluster.TargetID) {
	if _, isPrimary, ok := c.groups.GroupOf(target); !ok || isPrimary {
		return
	}
	s, err := c.states.Get(target)
	if err != nil || s.Consistency != targetstate.Good {
		return
	}
	c.states.SetConsistency(target, targetstate.NeedsResync)
	c.lg.Info("returning secondary needs resync", zap.Uint16("targetID", uint16(target)))
}
