package cgr

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtnstack/ioncore/pkg/contactplan"
)

// OutductLookup resolves the Outduct CGR should enqueue onto for a given
// neighbor. Outduct registration itself lives outside this package; the
// planner only needs to find the one it's already been given.
type OutductLookup func(neighborNbr uint64) (*Outduct, bool)

// PlanResult is CGR's answer for one bundle: the full candidate proximate-
// node set, plus, for non-critical bundles, the one chosen for enqueue.
// For critical bundles Chosen is nil — the bundle was cloned onto every
// candidate instead.
type PlanResult struct {
	Candidates []ProximateNode
	Chosen     *ProximateNode
}

// Planner is the Contact Graph Routing engine. One Planner owns the
// route cache for a single local node and answers Plan calls against a
// Contact Plan Store that is mutated elsewhere (by admin commands and
// the timer wheel).
type Planner struct {
	LocalNode   uint64
	ClassFloors [contactplan.NumPayloadClasses]uint64

	// Reforward is invoked by the Overbooking Manager for every bundle it
	// bumps off an outduct. The usual implementation calls back into Plan
	// for the same bundle with its displaced neighbor added to
	// excluded_neighbors. A nil Reforward just logs and drops the bumped
	// bundle.
	Reforward ReforwardFunc

	cps        *contactplan.Store
	cache      *RouteCache
	om         *OverbookingManager
	outducts   OutductLookup
	directives DirectiveLookup
	tracer     Tracer
	logger     *logrus.Entry
}

// NewPlanner ties together the stores Plan needs. classFloors is indexed
// by contactplan.PayloadClass and gives the minimum remaining contact
// capacity, in bytes, a contact must offer to be searched in that class.
func NewPlanner(
	localNode uint64,
	classFloors [contactplan.NumPayloadClasses]uint64,
	cps *contactplan.Store,
	cache *RouteCache,
	om *OverbookingManager,
	outducts OutductLookup,
	directives DirectiveLookup,
	tracer Tracer,
	logger *logrus.Entry,
) *Planner {
	if tracer == nil {
		tracer = NopTracer{}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Planner{
		LocalNode:   localNode,
		ClassFloors: classFloors,
		cps:         cps,
		cache:       cache,
		om:          om,
		outducts:    outducts,
		directives:  directives,
		tracer:      tracer,
		logger:      logger.WithField("component", "cgr"),
	}
}

func newWorkMap(contacts []contactplan.Contact) map[contactplan.Key]*dijkstraWork {
	m := make(map[contactplan.Key]*dijkstraWork, len(contacts))
	for _, c := range contacts {
		w := &dijkstraWork{}
		w.reset()
		m[c.Key()] = w
	}
	return m
}

// buildRouteList runs the route-list construction: for each payload
// class, repeat a fresh Dijkstra search, suppressing each
// found route's leading contact before the next repeat, until a search
// turns up nothing.
func (p *Planner) buildRouteList(terminus uint64, now time.Time) *routeList {
	rl := &routeList{}
	contacts := p.cps.AllContacts()
	for class := contactplan.PayloadClass(0); int(class) < contactplan.NumPayloadClasses; class++ {
		floor := classFloor(p.ClassFloors, class)
		work := newWorkMap(contacts)
		p.tracer.BeginRoute(int(class))
		for {
			route := p.search(p.cps, work, p.LocalNode, terminus, now, floor, p.tracer)
			if route == nil {
				break
			}
			route.PayloadClass = class
			p.tracer.AcceptRoute(route.ToNodeNbr, route.FromTime.Unix(), route.ArrivalTime.Unix(), route.MaxCapacity, int(class))
			rl.insertSorted(route)
			if w, ok := work[route.Hops[0].Key()]; ok {
				w.suppressed = true
			}
			for _, w := range work {
				w.reset()
			}
		}
	}
	return rl
}

// recomputeRoute implements lazy route replacement: every
// remaining route's leading contact is suppressed so the new search can't
// just rediscover an already-listed route, then a single fresh search is
// run rooted at the local node.
func (p *Planner) recomputeRoute(rl *routeList, terminus uint64, now time.Time, floor uint64) *Route {
	work := newWorkMap(p.cps.AllContacts())
	for _, r := range rl.routes {
		if len(r.Hops) == 0 {
			continue
		}
		if w, ok := work[r.Hops[0].Key()]; ok {
			w.suppressed = true
		}
	}
	p.tracer.RecomputeRoute()
	return p.search(p.cps, work, p.LocalNode, terminus, now, floor, p.tracer)
}

// contactsLocalToNeighbor returns the local node's contacts whose
// destination is neighbor, in ascending from_time order (arrival-time
// evaluation walks these to find prior claims and backlog allotment).
func contactsLocalToNeighbor(cps *contactplan.Store, local, neighbor uint64) []contactplan.Contact {
	all := cps.ContactsFrom(local)
	out := make([]contactplan.Contact, 0, len(all))
	for _, c := range all {
		if c.ToNode == neighbor {
			out = append(out, c)
		}
	}
	return out
}

// arrivalResult is what a successful arrival-time evaluation yields for
// one route.
type arrivalResult struct {
	arrivalTime time.Time
	overbooked  uint64
	protected   uint64
	eto         time.Time
}

// evaluateArrival answers: can bundle b, given
// everything already queued on outduct ahead of it, actually make every
// contact transition along route in time to arrive before its deadline?
func (p *Planner) evaluateArrival(route *Route, b Bundle, outduct *Outduct, now time.Time) (arrivalResult, bool) {
	eccc := b.ECCC()
	neighborContacts := contactsLocalToNeighbor(p.cps, p.LocalNode, route.ToNodeNbr)

	priorClaims := outduct.BacklogAheadECCC(b)
	protectedBytes := outduct.TotalBacklogECCC()

	var allotment, initialCapacity uint64
	foundInitial := false

	for _, c := range neighborContacts {
		if c.ToTime.Before(now) {
			continue
		}
		start := c.FromTime
		if now.After(start) {
			start = now
		}
		capacity := uint64(c.ToTime.Sub(start).Seconds() * float64(c.XmitRateBps))

		if capacity < protectedBytes {
			allotment = capacity
		} else {
			allotment = protectedBytes
		}
		if capacity < protectedBytes {
			protectedBytes -= capacity
		} else {
			protectedBytes = 0
		}

		if !c.FromTime.Before(route.FromTime) {
			initialCapacity = capacity
			foundInitial = true
			break
		}

		if capacity > priorClaims {
			priorClaims = 0
		} else {
			priorClaims -= capacity
		}
	}
	if !foundInitial {
		return arrivalResult{}, false
	}

	overbooked := allotment + eccc
	if overbooked > initialCapacity {
		overbooked -= initialCapacity
	} else {
		overbooked = 0
	}

	hops := route.Hops
	if len(hops) == 0 || hops[0].XmitRateBps == 0 {
		return arrivalResult{}, false
	}

	transmitTime := route.FromTime
	if now.After(transmitTime) {
		transmitTime = now
	}
	radiationSecs := float64(priorClaims+eccc) / float64(hops[0].XmitRateBps)
	eto := transmitTime.Add(time.Duration(radiationSecs * float64(time.Second)))

	transmitTime = eto
	var arrival time.Time
	for i, hop := range hops {
		if !transmitTime.Before(hop.ToTime) {
			// Due to the volume of transmission that must precede it,
			// the bundle can't be fully transmitted during this hop.
			return arrivalResult{}, false
		}
		rng, ok := p.cps.RangeCovering(hop.FromNode, hop.ToNode, hop.FromTime)
		if !ok {
			return arrivalResult{}, false
		}
		arrival = transmitTime.Add(rng.OWLT)

		if i == len(hops)-1 {
			break
		}
		next := hops[i+1]
		if next.XmitRateBps == 0 {
			return arrivalResult{}, false
		}
		if arrival.After(next.FromTime) {
			transmitTime = arrival
		} else {
			transmitTime = next.FromTime
		}
		secs := float64(eccc) / float64(next.XmitRateBps)
		transmitTime = transmitTime.Add(time.Duration(secs * float64(time.Second)))
	}

	if arrival.After(b.ExpirationDeadline) {
		return arrivalResult{}, false
	}
	return arrivalResult{arrivalTime: arrival, overbooked: overbooked, protected: protectedBytes, eto: eto}, true
}

// upsertProximateNode applies the consolidation rules for one
// newly-evaluated route against the running candidate set.
func upsertProximateNode(nodes []ProximateNode, route *Route, directive Directive, r arrivalResult, tracer Tracer) []ProximateNode {
	hopCount := len(route.Hops)
	for i := range nodes {
		pn := &nodes[i]
		if pn.NeighborNbr != route.ToNodeNbr {
			continue
		}
		switch {
		case r.arrivalTime.Before(pn.ArrivalTime):
			*pn = ProximateNode{
				NeighborNbr: route.ToNodeNbr, Directive: directive,
				ArrivalTime: r.arrivalTime, ForfeitTime: route.ToTime,
				Overbooked: r.overbooked, Protected: r.protected, HopCount: hopCount,
			}
			tracer.UpdateProximateNode(ReasonLaterArrivalTime)
		case r.arrivalTime.Equal(pn.ArrivalTime):
			switch {
			case hopCount < pn.HopCount:
				*pn = ProximateNode{
					NeighborNbr: route.ToNodeNbr, Directive: directive,
					ArrivalTime: r.arrivalTime, ForfeitTime: route.ToTime,
					Overbooked: r.overbooked, Protected: r.protected, HopCount: hopCount,
				}
				tracer.UpdateProximateNode(ReasonMoreHops)
			case hopCount > pn.HopCount:
				tracer.IgnoreRoute(ReasonMoreHops)
			default:
				tracer.IgnoreRoute(ReasonIdentical)
			}
		default:
			tracer.IgnoreRoute(ReasonLaterArrivalTime)
		}
		return nodes
	}
	tracer.AddProximateNode()
	return append(nodes, ProximateNode{
		NeighborNbr: route.ToNodeNbr, Directive: directive,
		ArrivalTime: r.arrivalTime, ForfeitTime: route.ToTime,
		Overbooked: r.overbooked, Protected: r.protected, HopCount: hopCount,
	})
}

// selectBest picks the winning proximate node for a non-critical bundle:
// earliest arrival_time, tiebreak fewer hops, tiebreak lower neighbor
// number.
func selectBest(nodes []ProximateNode) *ProximateNode {
	best := &nodes[0]
	for i := 1; i < len(nodes); i++ {
		c := &nodes[i]
		switch {
		case c.ArrivalTime.Before(best.ArrivalTime):
			best = c
		case c.ArrivalTime.Equal(best.ArrivalTime):
			if c.HopCount < best.HopCount {
				best = c
			} else if c.HopCount == best.HopCount && c.NeighborNbr < best.NeighborNbr {
				best = c
			}
		}
	}
	return best
}

// Plan finds every plausible proximate node for b, then either enqueues
// it on the single best one (non-critical) or clones it onto every
// candidate (critical, MINIMUM_LATENCY). excluded may be nil.
func (p *Planner) Plan(b Bundle, excluded map[uint64]bool, now time.Time) (*PlanResult, error) {
	if excluded == nil {
		excluded = map[uint64]bool{}
	}
	terminus := b.TerminusNode
	p.tracer.BuildRoutes(terminus, b.PayloadLength, now.Unix())

	rl := p.cache.GetOrBuild(terminus, p.cps.LastEditTime(), now, func() *routeList {
		return p.buildRouteList(terminus, now)
	})

	var candidates []ProximateNode
	i := 0
	for i < len(rl.routes) {
		route := rl.routes[i]
		p.tracer.CheckRoute(int(route.PayloadClass), route.ToNodeNbr, route.FromTime.Unix(), route.ArrivalTime.Unix())

		if route.ToTime.Before(now) {
			rl.routes = append(rl.routes[:i], rl.routes[i+1:]...)
			floor := classFloor(p.ClassFloors, route.PayloadClass)
			if replacement := p.recomputeRoute(rl, terminus, now, floor); replacement != nil {
				replacement.PayloadClass = route.PayloadClass
				rl.insertSorted(replacement)
				i = 0
			}
			continue
		}

		if route.ArrivalTime.After(b.ExpirationDeadline) {
			break
		}

		if route.ToNodeNbr == p.LocalNode && terminus != p.LocalNode {
			p.tracer.IgnoreRoute(ReasonRouteViaSelf)
			i++
			continue
		}
		if b.PayloadLength > route.MaxCapacity {
			p.tracer.IgnoreRoute(ReasonRouteCapacityTooSmall)
			i++
			continue
		}
		if excluded[route.ToNodeNbr] {
			p.tracer.IgnoreRoute(ReasonInitialContactExcluded)
			i++
			continue
		}

		directive, ok := p.directives(route.ToNodeNbr)
		if !ok {
			p.tracer.IgnoreRoute(ReasonNoApplicableDirective)
			i++
			continue
		}
		outduct, ok := p.outducts(route.ToNodeNbr)
		if !ok {
			p.tracer.IgnoreRoute(ReasonBlockedOutduct)
			i++
			continue
		}

		result, ok := p.evaluateArrival(route, b, outduct, now)
		if !ok {
			p.tracer.IgnoreRoute(ReasonRouteTooSlow)
			i++
			continue
		}

		candidates = upsertProximateNode(candidates, route, directive, result, p.tracer)
		i++
	}

	if len(candidates) == 0 {
		p.tracer.NoProximateNode()
		return nil, ErrNoRouteFound
	}

	result := &PlanResult{Candidates: candidates}
	if b.Critical {
		p.tracer.SelectProximateNode()
		for idx := range candidates {
			p.enqueue(candidates[idx], b)
		}
		return result, nil
	}

	chosen := selectBest(candidates)
	result.Chosen = chosen
	p.tracer.UseProximateNode(chosen.NeighborNbr)
	p.enqueue(*chosen, b)
	return result, nil
}

// enqueue hands b to node's outduct and, if doing so oversubscribed the
// neighbor's initial contact, invokes the Overbooking Manager.
func (p *Planner) enqueue(node ProximateNode, b Bundle) {
	outduct, ok := p.outducts(node.NeighborNbr)
	if !ok {
		p.logger.WithField("neighbor", node.NeighborNbr).Warn("proximate node has no outduct at enqueue time")
		return
	}
	outduct.Enqueue(b)
	if node.Overbooked > 0 {
		p.om.Resolve(outduct, b, node.Overbooked, node.Protected, p.reforward)
	}
}

func (p *Planner) reforward(b Bundle) {
	if p.Reforward != nil {
		p.Reforward(b)
		return
	}
	p.logger.WithField("bundle", b.ID).Warn("bumped bundle has no reforward handler registered; dropping")
}
