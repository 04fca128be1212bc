package snapshot

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/storage"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

func newRegistries(t *testing.T) (*buddygroup.Registry, *targetstate.Registry) {
	t.Helper()
	targets := cluster.NewTargetMap()
	for _, id := range []cluster.TargetID{101, 102, 201, 202} {
		targets.Map(id, cluster.NodeID(id/100))
	}
	return buddygroup.NewRegistry(targets, nil), targetstate.NewRegistry(nil, nil)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	groups, states := newRegistries(t)
	require.NoError(t, groups.AddGroup(1, 101, 201, false))
	require.NoError(t, groups.AddGroup(2, 202, 102, false))
	states.SetReachability(101, targetstate.Online)
	states.SetConsistency(201, targetstate.NeedsResync)
	states.SetReachability(202, targetstate.Offline)

	store := storage.NewMemoryStore()
	require.NoError(t, Save(store, groups, states))

	// stored as readable JSON with text states
	raw, err := store.Get(StatesKey)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(t, doc["consistency"], "NEEDS_RESYNC")

	g2, s2 := newRegistries(t)
	require.NoError(t, Load(store, g2, s2))
	assert.Equal(t, groups.Groups(), g2.Groups())

	ids, reach, cons := states.Lists()
	ids2, reach2, cons2 := s2.Lists()
	assert.Equal(t, ids, ids2)
	assert.Equal(t, reach, reach2)
	assert.Equal(t, cons, cons2)

	assert.False(t, g2.Dirty())
	assert.False(t, s2.Dirty())
}

// TestLoadKeepsLastGood verifies that a restart restores when each target
// was last usable instead of resetting it to the load time.
func TestLoadKeepsLastGood(t *testing.T) {
	clock := clockwork.NewFakeClock()
	states := targetstate.NewRegistry(clock, nil)
	states.SetReachability(201, targetstate.Online)
	good := clock.Now()
	clock.Advance(time.Minute)
	states.SetReachability(201, targetstate.Offline)
	states.SetConsistency(201, targetstate.NeedsResync)

	store := storage.NewMemoryStore()
	groups, _ := newRegistries(t)
	require.NoError(t, Save(store, groups, states))

	clock.Advance(time.Hour)
	restored := targetstate.NewRegistry(clock, nil)
	require.NoError(t, Load(store, groups, restored))
	s, err := restored.Get(201)
	require.NoError(t, err)
	assert.Equal(t, targetstate.Offline, s.Reachability)
	assert.True(t, s.LastGood.Equal(good), "lastGood = %v", s.LastGood)
	assert.True(t, s.LastChanged.Equal(clock.Now()))

	// documents without lastGood still load
	require.NoError(t, store.Put(StatesKey, []byte(`{"targetIDs":[201],"reachability":["ONLINE"],"consistency":["NEEDS_RESYNC"]}`)))
	restored = targetstate.NewRegistry(clock, nil)
	require.NoError(t, Load(store, groups, restored))
	s, err = restored.Get(201)
	require.NoError(t, err)
	assert.True(t, s.LastGood.IsZero())
}

func TestLoadEmptyStore(t *testing.T) {
	groups, states := newRegistries(t)
	require.NoError(t, groups.AddGroup(1, 101, 201, false))

	require.NoError(t, Load(storage.NewMemoryStore(), groups, states))
	assert.Equal(t, 1, groups.Len(), "missing documents leave registries alone")
}

func TestLoadCorruptDocument(t *testing.T) {
	groups, states := newRegistries(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Put(GroupsKey, []byte("{not json")))
	assert.Error(t, Load(store, groups, states))

	require.NoError(t, store.Put(GroupsKey, []byte(`{"groupIDs":[1],"primaries":[],"secondaries":[]}`)))
	err := Load(store, groups, states)
	assert.True(t, errors.Is(err, cluster.ErrInvalidID), "got %v", err)
}

// flakyStore fails every Put while fail is set.
type flakyStore struct {
	*storage.MemoryStore
	fail bool
}

func (f *flakyStore) Put(key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Put(key, value)
}

func TestSaverSavesOnlyWhenDirty(t *testing.T) {
	groups, states := newRegistries(t)
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	s := NewSaver(store, groups, states, time.Second, nil, nil)

	saved, err := s.SaveIfDirty()
	require.NoError(t, err)
	assert.False(t, saved, "fresh registries are clean")

	require.NoError(t, groups.AddGroup(1, 101, 201, false))
	store.fail = true
	saved, err = s.SaveIfDirty()
	assert.Error(t, err)
	assert.False(t, saved)

	// the failed save is retried although the dirty flags were cleared
	store.fail = false
	saved, err = s.SaveIfDirty()
	require.NoError(t, err)
	assert.True(t, saved)
	_, err = store.Get(GroupsKey)
	assert.NoError(t, err)

	saved, err = s.SaveIfDirty()
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestSaverRun(t *testing.T) {
	groups, states := newRegistries(t)
	store := storage.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	s := NewSaver(store, groups, states, 10*time.Second, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.NoError(t, groups.AddGroup(1, 101, 201, false))
	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		_, err := store.Get(GroupsKey)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// a change made just before shutdown is still written
	states.SetConsistency(201, targetstate.Bad)
	cancel()
	<-done

	g2, s2 := newRegistries(t)
	require.NoError(t, Load(store, g2, s2))
	st, err := s2.Get(201)
	require.NoError(t, err)
	assert.Equal(t, targetstate.Bad, st.Consistency)
}
