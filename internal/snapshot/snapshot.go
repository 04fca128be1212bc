// Package snapshot persists the buddy group and target state registries to a
// storage.Store and restores them on startup.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/storage"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// Keys under which the documents are stored.
const (
	GroupsKey = "buddygroups"
	StatesKey = "targetstates"
)

type groupsDoc struct {
	GroupIDs    []cluster.GroupID  `json:"groupIDs"`
	Primaries   []cluster.TargetID `json:"primaries"`
	Secondaries []cluster.TargetID `json:"secondaries"`
}

type statesDoc struct {
	TargetIDs    []cluster.TargetID         `json:"targetIDs"`
	Reachability []targetstate.Reachability `json:"reachability"`
	Consistency  []targetstate.Consistency  `json:"consistency"`
	LastGood     []time.Time                `json:"lastGood,omitempty"`
}

// Save writes both registries to store. It does not touch the dirty flags.
func Save(store storage.Store, groups *buddygroup.Registry, states *targetstate.Registry) error {
	var gd groupsDoc
	gd.GroupIDs, gd.Primaries, gd.Secondaries = groups.Lists()
	var sd statesDoc
	sd.TargetIDs, sd.Reachability, sd.Consistency = states.Lists()
	sd.LastGood = states.LastGoodTimes(sd.TargetIDs)

	for key, doc := range map[string]any{GroupsKey: gd, StatesKey: sd} {
		b, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "encode %s", key)
		}
		if err := store.Put(key, b); err != nil {
			return errors.Wrapf(err, "store %s", key)
		}
	}
	return nil
}

// Load replaces both registries with the documents in store. A missing
// document leaves its registry unchanged. Both dirty flags are cleared.
func Load(store storage.Store, groups *buddygroup.Registry, states *targetstate.Registry) error {
	var gd groupsDoc
	found, err := get(store, GroupsKey, &gd)
	if err != nil {
		return err
	}
	if found {
		if err := groups.SyncFromLists(gd.GroupIDs, gd.Primaries, gd.Secondaries); err != nil {
			return errors.Wrapf(err, "restore %s", GroupsKey)
		}
	}

	var sd statesDoc
	found, err = get(store, StatesKey, &sd)
	if err != nil {
		return err
	}
	if found {
		if err := states.SyncFromLists(sd.TargetIDs, sd.Reachability, sd.Consistency); err != nil {
			return errors.Wrapf(err, "restore %s", StatesKey)
		}
		// documents written before lastGood existed leave it unknown
		if len(sd.LastGood) > 0 {
			if err := states.RestoreLastGood(sd.TargetIDs, sd.LastGood); err != nil {
				return errors.Wrapf(err, "restore %s", StatesKey)
			}
		}
	}

	groups.ClearDirty()
	states.ClearDirty()
	return nil
}

func get(store storage.Store, key string, out any) (bool, error) {
	b, err := store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "load %s", key)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

// Saver writes the registries to a store whenever either is dirty.
type Saver struct {
	store    storage.Store
	groups   *buddygroup.Registry
	states   *targetstate.Registry
	interval time.Duration
	clock    clockwork.Clock
	lg       *zap.Logger

	pending bool // last save failed
}

func NewSaver(store storage.Store, groups *buddygroup.Registry, states *targetstate.Registry, interval time.Duration, clock clockwork.Clock, lg *zap.Logger) *Saver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Saver{
		store:    store,
		groups:   groups,
		states:   states,
		interval: interval,
		clock:    clock,
		lg:       lg.Named("snapshot"),
	}
}

// SaveIfDirty saves when a registry changed since the last save and reports
// whether it wrote anything. Not safe for concurrent use.
func (s *Saver) SaveIfDirty() (bool, error) {
	if !s.pending && !s.groups.Dirty() && !s.states.Dirty() {
		return false, nil
	}
	// cleared before reading so that a change racing with the save marks
	// the registry dirty again
	s.groups.ClearDirty()
	s.states.ClearDirty()
	if err := Save(s.store, s.groups, s.states); err != nil {
		s.pending = true
		return false, err
	}
	s.pending = false
	return true, nil
}

// Run saves every interval until ctx is done, then saves one last time.
func (s *Saver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if _, err := s.SaveIfDirty(); err != nil {
				s.lg.Error("final snapshot failed", zap.Error(err))
			}
			return
		case <-s.clock.After(s.interval):
			saved, err := s.SaveIfDirty()
			if err != nil {
				s.lg.Warn("snapshot failed", zap.Error(err))
			} else if saved {
				s.lg.Debug("snapshot saved")
			}
		}
	}
}
