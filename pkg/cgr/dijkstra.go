package cgr

import (
	"time"

	"github.com/dtnstack/ioncore/pkg/contactplan"
)

// MaxSpeedMPH bounds the receiver's possible velocity for the purposes of
// the owlt-margin calculation in edge relaxation. ioncore treats this as
// a single Planner-wide constant rather than scaling it per payload class
// or per span; see DESIGN.md.
const MaxSpeedMPH = 36000

// dijkstraWork is the per-contact, per-search working record. suppressed
// persists across repeats of the outer loop within one payload class's
// series of searches; the other fields are reset before each repeat.
type dijkstraWork struct {
	predecessor *contactplan.Contact
	capacity    uint64
	arrivalTime time.Time
	visited     bool
	suppressed  bool
}

var maxTime = time.Unix(1<<62, 0)

func (w *dijkstraWork) reset() {
	w.arrivalTime = maxTime
	w.predecessor = nil
	w.visited = false
	w.capacity = 0
}

// classFloor returns the minimum contact capacity, in bytes, a contact
// must offer to be usable by a search in this payload class.
func classFloor(floors [contactplan.NumPayloadClasses]uint64, class contactplan.PayloadClass) uint64 {
	return floors[class]
}

// search runs one Dijkstra search rooted at the local node at currentTime,
// over all contacts in cps not already suppressed or visited, looking for
// the earliest-arrival path to terminus. work must already contain an
// entry for every contact in cps (see newWorkMap); search mutates
// it in place.
func (p *Planner) search(
	cps *contactplan.Store,
	work map[contactplan.Key]*dijkstraWork,
	localNode, terminus uint64,
	currentTime time.Time,
	floor uint64,
	trace Tracer,
) *Route {

	// The virtual root contact is local_node -> local_node, arriving at
	// currentTime; it is never inserted into work since it can never be a
	// successor of anything.
	type frontierNode struct {
		contact *contactplan.Contact
		work    *dijkstraWork
	}

	var finalContact *contactplan.Contact
	earliestFinal := maxTime

	relax := func(from *contactplan.Contact, fromNode uint64, fromArrival time.Time, allContacts []contactplan.Contact) {
		trace.ConsiderRoot(0, fromNode)
		for i := range allContacts {
			c := &allContacts[i]
			trace.ConsiderContact(c.FromNode, c.ToNode)
			if !c.ToTime.After(fromArrival) {
				trace.IgnoreContact(ReasonContactEndsEarly)
				continue
			}
			w, ok := work[c.Key()]
			if !ok {
				continue
			}
			if w.suppressed {
				trace.IgnoreContact(ReasonSuppressed)
				continue
			}
			if w.visited {
				trace.IgnoreContact(ReasonVisited)
				continue
			}
			if w.capacity == 0 {
				w.capacity = c.Capacity()
			}
			if w.capacity < floor {
				trace.IgnoreContact(ReasonCapacityTooSmall)
				continue
			}
			rng, ok := cps.RangeCovering(c.FromNode, c.ToNode, c.FromTime)
			if !ok {
				trace.IgnoreContact(ReasonNoRange)
				continue
			}
			owlt := rng.OWLT
			owltMargin := time.Duration((int64(MaxSpeedMPH/3600) * int64(owlt.Seconds())) / 186282)
			owltEff := owlt + owltMargin

			transmitTime := c.FromTime
			if fromArrival.After(transmitTime) {
				transmitTime = fromArrival
			}
			arrivalTime := transmitTime.Add(owltEff)

			trace.Cost(transmitTime.Unix(), int64(owltEff.Seconds()), arrivalTime.Unix())

			if arrivalTime.Before(w.arrivalTime) {
				w.arrivalTime = arrivalTime
				w.predecessor = from
				if c.ToNode == terminus {
					if w.arrivalTime.Before(earliestFinal) {
						earliestFinal = w.arrivalTime
						finalContact = &allContacts[i]
					}
				}
			}
		}
	}

	// Seed: relax from the virtual root over every contact leaving the
	// local node.
	rootContacts := cps.ContactsFrom(localNode)
	relax(nil, localNode, currentTime, rootContacts)

	allContacts := cps.AllContacts()

	for {
		// Frontier selection: unvisited, unsuppressed contact with
		// smallest arrival_time not exceeding the best known final
		// arrival.
		var next frontierNode
		earliestArrival := maxTime
		for i := range allContacts {
			c := &allContacts[i]
			w, ok := work[c.Key()]
			if !ok || w.suppressed || w.visited {
				continue
			}
			if w.arrivalTime.After(earliestFinal) {
				continue
			}
			if w.arrivalTime.Before(earliestArrival) {
				next = frontierNode{contact: c, work: w}
				earliestArrival = w.arrivalTime
			}
		}
		if next.contact == nil {
			break
		}
		relax(next.contact, next.contact.ToNode, next.work.arrivalTime, contactsFromNode(allContacts, next.contact.ToNode))
		next.work.visited = true
	}

	if finalContact == nil {
		return nil
	}

	return p.extractRoute(work, finalContact, earliestFinal)
}

func contactsFromNode(all []contactplan.Contact, node uint64) []contactplan.Contact {
	var out []contactplan.Contact
	for _, c := range all {
		if c.FromNode == node {
			out = append(out, c)
		}
	}
	return out
}

// extractRoute backtracks from the final contact to the (implicit) root,
// producing hops in source->destination order.
func (p *Planner) extractRoute(work map[contactplan.Key]*dijkstraWork, final *contactplan.Contact, arrival time.Time) *Route {
	var hopsReversed []contactplan.Contact
	earliestEnd := maxTime
	maxCapacity := ^uint64(0)

	for c := final; c != nil; {
		if c.ToTime.Before(earliestEnd) {
			earliestEnd = c.ToTime
		}
		w := work[c.Key()]
		if w.capacity < maxCapacity {
			maxCapacity = w.capacity
		}
		hopsReversed = append(hopsReversed, *c)
		c = w.predecessor
	}

	hops := make([]contactplan.Contact, len(hopsReversed))
	for i, h := range hopsReversed {
		hops[len(hopsReversed)-1-i] = h
	}

	first := hops[0]
	return &Route{
		ToNodeNbr:   first.ToNode,
		FromTime:    first.FromTime,
		ToTime:      earliestEnd,
		ArrivalTime: arrival,
		Hops:        hops,
		MaxCapacity: maxCapacity,
	}
}
