package coordinator

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/buddymirror/internal/buddygroup"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

type failoverFixture struct {
	clock  clockwork.FakeClock
	groups *buddygroup.Registry
	states *targetstate.Registry
	fc     *FailoverCoordinator
}

// newFailoverFixture builds two groups: 1 = 101(node 1)/201(node 2) and
// 2 = 202(node 2)/102(node 1). All targets start ONLINE and GOOD.
func newFailoverFixture(t *testing.T) *failoverFixture {
	t.Helper()
	targets := cluster.NewTargetMap()
	targets.Map(101, 1)
	targets.Map(102, 1)
	targets.Map(201, 2)
	targets.Map(202, 2)

	clock := clockwork.NewFakeClock()
	groups := buddygroup.NewRegistry(targets, nil)
	states := targetstate.NewRegistry(clock, nil)
	require.NoError(t, groups.AddGroup(1, 101, 201, false))
	require.NoError(t, groups.AddGroup(2, 202, 102, false))
	for _, id := range []cluster.TargetID{101, 102, 201, 202} {
		states.SetReachability(id, targetstate.Online)
	}

	return &failoverFixture{
		clock:  clock,
		groups: groups,
		states: states,
		fc:     NewFailoverCoordinator(groups, states, targets, nil),
	}
}

func (f *failoverFixture) state(t *testing.T, id cluster.TargetID) targetstate.State {
	t.Helper()
	s, err := f.states.Get(id)
	require.NoError(t, err)
	return s
}

// TestPrimaryOfflineFailsOver verifies a switchover to a usable secondary.
func TestPrimaryOfflineFailsOver(t *testing.T) {
	f := newFailoverFixture(t)

	assert.True(t, f.fc.ReportReachability(101, targetstate.Offline))

	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1))
	assert.Equal(t, cluster.TargetID(101), f.groups.Secondary(1))
	assert.Equal(t, targetstate.NeedsResync, f.state(t, 101).Consistency)

	// repeated OFFLINE reports do nothing
	assert.False(t, f.fc.ReportReachability(101, targetstate.Offline))
	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1))
}

// TestNoFailoverWithoutUsableSecondary verifies the group is left alone when
// the secondary cannot serve.
func TestNoFailoverWithoutUsableSecondary(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*failoverFixture)
	}{
		{
			name:  "secondary needs resync",
			setup: func(f *failoverFixture) { f.states.SetConsistency(201, targetstate.NeedsResync) },
		},
		{
			name:  "secondary bad",
			setup: func(f *failoverFixture) { f.states.SetConsistency(201, targetstate.Bad) },
		},
		{
			name:  "secondary offline",
			setup: func(f *failoverFixture) { f.states.SetReachability(201, targetstate.Offline) },
		},
		{
			name:  "secondary probably offline",
			setup: func(f *failoverFixture) { f.states.SetReachability(201, targetstate.ProbablyOffline) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFailoverFixture(t)
			tt.setup(f)

			assert.False(t, f.fc.ReportReachability(101, targetstate.Offline))
			assert.Equal(t, cluster.TargetID(101), f.groups.Primary(1))
			assert.Equal(t, targetstate.Good, f.state(t, 101).Consistency)
		})
	}
}

// TestSecondaryOfflineDoesNotSwitch verifies only primaries trigger failover.
func TestSecondaryOfflineDoesNotSwitch(t *testing.T) {
	f := newFailoverFixture(t)

	assert.False(t, f.fc.ReportReachability(201, targetstate.Offline))
	assert.Equal(t, cluster.TargetID(101), f.groups.Primary(1))
}

// TestReturningPrimaryNeedsResync verifies that a failed-over primary never
// comes back GOOD or as primary.
func TestReturningPrimaryNeedsResync(t *testing.T) {
	f := newFailoverFixture(t)
	require.True(t, f.fc.ReportReachability(101, targetstate.Offline))

	assert.False(t, f.fc.ReportReachability(101, targetstate.Online))

	s := f.state(t, 101)
	assert.Equal(t, targetstate.Online, s.Reachability)
	assert.Equal(t, targetstate.NeedsResync, s.Consistency)
	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1))
}

// TestReturningSecondaryNeedsResync verifies a secondary that was offline is
// not trusted again until resynced.
func TestReturningSecondaryNeedsResync(t *testing.T) {
	f := newFailoverFixture(t)
	f.fc.ReportReachability(201, targetstate.Offline)

	f.fc.ReportReachability(201, targetstate.Online)
	assert.Equal(t, targetstate.NeedsResync, f.state(t, 201).Consistency)
}

// TestSecondaryTakesOverWhenResynced verifies the takeover path after the
// primary died while no usable secondary was available.
func TestSecondaryTakesOverWhenResynced(t *testing.T) {
	f := newFailoverFixture(t)
	f.states.SetConsistency(201, targetstate.NeedsResync)
	require.False(t, f.fc.ReportReachability(101, targetstate.Offline))

	assert.True(t, f.fc.ReportConsistency(201, targetstate.Good))
	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1))
	assert.Equal(t, targetstate.NeedsResync, f.state(t, 101).Consistency)
}

// TestChangeConsistencyStates verifies the compare-and-set report used when a
// resync completes.
func TestChangeConsistencyStates(t *testing.T) {
	f := newFailoverFixture(t)
	f.states.SetConsistency(201, targetstate.NeedsResync)
	require.False(t, f.fc.ReportReachability(101, targetstate.Offline))

	// a stale expectation changes nothing
	err := f.fc.ChangeConsistencyStates(
		[]cluster.TargetID{201}, []targetstate.Consistency{targetstate.Bad}, []targetstate.Consistency{targetstate.Good})
	assert.True(t, errors.Is(err, cluster.ErrAgain), "got %v", err)
	assert.Equal(t, targetstate.NeedsResync, f.state(t, 201).Consistency)
	assert.Equal(t, cluster.TargetID(101), f.groups.Primary(1))

	require.NoError(t, f.fc.ChangeConsistencyStates(
		[]cluster.TargetID{201}, []targetstate.Consistency{targetstate.NeedsResync}, []targetstate.Consistency{targetstate.Good}))
	assert.Equal(t, targetstate.Good, f.state(t, 201).Consistency)
	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1), "resynced secondary takes over")
}

// TestBadPrimaryStaysBad verifies a switchover never upgrades BAD.
func TestBadPrimaryStaysBad(t *testing.T) {
	f := newFailoverFixture(t)
	f.states.SetConsistency(101, targetstate.Bad)

	require.True(t, f.fc.ReportReachability(101, targetstate.Offline))
	assert.Equal(t, targetstate.Bad, f.state(t, 101).Consistency)
}

// TestReportNode verifies node-level reports fan out to every hosted target.
func TestReportNode(t *testing.T) {
	f := newFailoverFixture(t)

	switched := f.fc.ReportNode(2, targetstate.Offline)

	// group 2's primary 202 lives on node 2; group 1 only loses its secondary
	assert.Equal(t, []cluster.GroupID{2}, switched)
	assert.Equal(t, cluster.TargetID(102), f.groups.Primary(2))
	assert.Equal(t, cluster.TargetID(101), f.groups.Primary(1))
	assert.Equal(t, targetstate.Offline, f.state(t, 201).Reachability)
}

// TestReportConsistencyStates verifies bulk node reports.
func TestReportConsistencyStates(t *testing.T) {
	f := newFailoverFixture(t)
	f.fc.ReportReachability(201, targetstate.Offline)

	err := f.fc.ReportConsistencyStates([]cluster.TargetID{201}, []targetstate.Consistency{targetstate.Good}, true)
	require.NoError(t, err)

	s := f.state(t, 201)
	assert.Equal(t, targetstate.Online, s.Reachability)
	assert.Equal(t, targetstate.NeedsResync, s.Consistency, "returning secondary keeps needing resync")

	err = f.fc.ReportConsistencyStates([]cluster.TargetID{201}, nil, true)
	assert.Error(t, err)
}

// TestRunAutoOffline verifies that timed-out primaries fail over.
func TestRunAutoOffline(t *testing.T) {
	f := newFailoverFixture(t)

	f.clock.Advance(20 * time.Second)
	f.states.Touch(201)
	f.states.Touch(202)
	f.states.Touch(102)

	offline := f.fc.RunAutoOffline(5*time.Second, 10*time.Second)

	assert.Equal(t, []cluster.TargetID{101}, offline)
	assert.Equal(t, cluster.TargetID(201), f.groups.Primary(1))
	assert.Equal(t, cluster.TargetID(202), f.groups.Primary(2))
}
