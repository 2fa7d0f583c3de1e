package cgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtnstack/ioncore/pkg/contactplan"
)

func mkTime(s int64) time.Time { return time.Unix(s, 0) }

// testRig bundles a contact plan store, an outduct registry, and a directive
// table behind the lookup functions Planner needs, so scenario tests only
// have to describe the contact plan and the outducts' starting state.
type testRig struct {
	cps      *contactplan.Store
	outducts map[uint64]*Outduct
	floors   [contactplan.NumPayloadClasses]uint64
}

func newTestRig() *testRig {
	return &testRig{
		cps:      contactplan.NewStore(nil),
		outducts: make(map[uint64]*Outduct),
	}
}

func (r *testRig) outduct(nbr uint64) *Outduct {
	o, ok := r.outducts[nbr]
	if !ok {
		o = NewOutduct(nbr)
		r.outducts[nbr] = o
	}
	return o
}

func (r *testRig) lookupOutduct(nbr uint64) (*Outduct, bool) {
	o, ok := r.outducts[nbr]
	return o, ok
}

func (r *testRig) lookupDirective(nbr uint64) (Directive, bool) {
	if _, ok := r.outducts[nbr]; !ok {
		return Directive{}, false
	}
	return Directive{OutductName: "duct"}, true
}

func (r *testRig) newPlanner(localNode uint64) *Planner {
	return NewPlanner(localNode, r.floors, r.cps, NewRouteCache(), NewOverbookingManager(nil),
		r.lookupOutduct, r.lookupDirective, nil, nil)
}

// Two-hop happy path.
func TestPlanTwoHopHappyPath(t *testing.T) {
	rig := newTestRig()
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 1000}))
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 2, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(150), XmitRateBps: 1000}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	rig.cps.AddRange(contactplan.Range{FromNode: 2, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	rig.outduct(2) // B's outduct must exist for a directive to resolve

	p := rig.newPlanner(1)
	b := Bundle{ID: 1, TerminusNode: 3, PayloadLength: 2000, ExpirationDeadline: mkTime(200), Priority: PriorityStandard}

	result, err := p.Plan(b, nil, mkTime(0))
	require.NoError(t, err)
	require.Len(t, result.Candidates, 1)
	require.NotNil(t, result.Chosen)
	assert.EqualValues(t, 2, result.Chosen.NeighborNbr)
	assert.Equal(t, 2, result.Chosen.HopCount)
	// Transmission takes 2s (2000B / 1000Bps) before either owlt is paid:
	// completes locally at t=2, arrives at B at t=3, queues on B->C (already
	// open), completes transmission at t=5, arrives at C at t=6.
	assert.Equal(t, mkTime(6), result.Chosen.ArrivalTime)

	queued, ok := rig.outduct(2).Remove(1)
	require.True(t, ok)
	assert.Equal(t, b.ID, queued.ID)
}

func TestPlanNoRouteFoundWhenTerminusUnreachable(t *testing.T) {
	rig := newTestRig()
	p := rig.newPlanner(1)
	b := Bundle{ID: 1, TerminusNode: 99, PayloadLength: 10, ExpirationDeadline: mkTime(1000)}
	_, err := p.Plan(b, nil, mkTime(0))
	assert.ErrorIs(t, err, ErrNoRouteFound)
}

// Oversubscribed contact overbooking.
func TestPlanOverbookingBumpsNewestLowerPriorityBundle(t *testing.T) {
	rig := newTestRig()
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1), XmitRateBps: 1000}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: 0})

	outduct := rig.outduct(2)
	outduct.Enqueue(Bundle{ID: 100, PayloadLength: 750, Priority: PriorityStandard})
	outduct.Enqueue(Bundle{ID: 101, PayloadLength: 150, Priority: PriorityStandard})

	var reforwarded []Bundle
	p := rig.newPlanner(1)
	p.Reforward = func(b Bundle) { reforwarded = append(reforwarded, b) }

	newBundle := Bundle{ID: 1, TerminusNode: 2, PayloadLength: 200, ExpirationDeadline: mkTime(1000), Priority: PriorityStandard}
	result, err := p.Plan(newBundle, nil, mkTime(0))
	require.NoError(t, err)
	require.NotNil(t, result.Chosen)
	assert.EqualValues(t, 100, result.Chosen.Overbooked)

	require.Len(t, reforwarded, 1)
	assert.EqualValues(t, 101, reforwarded[0].ID)

	_, stillQueued := outduct.Remove(101)
	assert.False(t, stillQueued, "bumped bundle must have left the outduct")
	_, originalStillQueued := outduct.Remove(100)
	assert.True(t, originalStillQueued, "untouched bundle must remain queued")
	_, newStillQueued := outduct.Remove(1)
	assert.True(t, newStillQueued, "the bundle that triggered overbooking keeps its slot")
}

func TestPlanBulkBundleNeverBumps(t *testing.T) {
	rig := newTestRig()
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1), XmitRateBps: 1000}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: 0})

	outduct := rig.outduct(2)
	outduct.Enqueue(Bundle{ID: 100, PayloadLength: 900, Priority: PriorityBulk})

	var reforwarded []Bundle
	p := rig.newPlanner(1)
	p.Reforward = func(b Bundle) { reforwarded = append(reforwarded, b) }

	newBundle := Bundle{ID: 1, TerminusNode: 2, PayloadLength: 200, ExpirationDeadline: mkTime(1000), Priority: PriorityBulk}
	_, err := p.Plan(newBundle, nil, mkTime(0))
	require.NoError(t, err)
	assert.Empty(t, reforwarded)
}

// A contact plan edit invalidates the route cache and the next lookup
// can discover an improved route.
func TestRouteCacheInvalidatesOnContactPlanEdit(t *testing.T) {
	cache := NewRouteCache()
	builds := 0
	build := func() *routeList {
		builds++
		return &routeList{}
	}

	planEdit := mkTime(10)
	cache.GetOrBuild(1, planEdit, mkTime(20), build)
	assert.Equal(t, 1, builds)

	// Same edit time, same terminus: cached, no rebuild.
	cache.GetOrBuild(1, planEdit, mkTime(21), build)
	assert.Equal(t, 1, builds)

	// Plan edited again after the cache's load time: must rebuild.
	cache.GetOrBuild(1, mkTime(30), mkTime(31), build)
	assert.Equal(t, 2, builds)
}

func TestPlanPicksUpContactAddedAfterFirstLookup(t *testing.T) {
	rig := newTestRig()
	// Slow two-hop path only, at t1.
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 4, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 1000}))
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 4, ToNode: 3, FromTime: mkTime(50), ToTime: mkTime(150), XmitRateBps: 1000}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 4, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	rig.cps.AddRange(contactplan.Range{FromNode: 4, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	rig.outduct(4)

	p := rig.newPlanner(1)
	b := Bundle{ID: 1, TerminusNode: 3, PayloadLength: 10, ExpirationDeadline: mkTime(1000), Priority: PriorityStandard}

	first, err := p.Plan(b, nil, mkTime(1))
	require.NoError(t, err)
	require.NotNil(t, first.Chosen)
	assert.EqualValues(t, 4, first.Chosen.NeighborNbr)
	rig.outduct(4).Remove(1)

	// Admin inserts a direct contact after the first lookup.
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(200), XmitRateBps: 1000}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	rig.outduct(3)

	second, err := p.Plan(b, nil, mkTime(2))
	require.NoError(t, err)
	require.Len(t, second.Candidates, 2)
	require.NotNil(t, second.Chosen)
	assert.EqualValues(t, 3, second.Chosen.NeighborNbr, "direct contact should now win")
}

func TestRouteMaxCapacityIsMinAlongHops(t *testing.T) {
	rig := newTestRig()
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 1000}))
	require.NoError(t, rig.cps.AddContact(contactplan.Contact{FromNode: 2, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(10), XmitRateBps: 50}))
	rig.cps.AddRange(contactplan.Range{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: 0})
	rig.cps.AddRange(contactplan.Range{FromNode: 2, ToNode: 3, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: 0})

	rl := rig.newPlanner(1).buildRouteList(3, mkTime(0))
	// Every class floor is zero, so each payload class's search finds this
	// same route.
	require.Len(t, rl.routes, contactplan.NumPayloadClasses)
	route := rl.routes[0]
	assert.True(t, !route.ArrivalTime.Before(route.FromTime))
	assert.True(t, !route.ArrivalTime.After(route.ToTime))
	// B->C: 10s * 50Bps = 500B, smaller than A->B's 100s * 1000Bps = 100000B.
	assert.EqualValues(t, 500, route.MaxCapacity)
}
