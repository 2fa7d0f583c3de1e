package cgr

import "sync"

// queueEntry is one bundle sitting in an Outduct's priority queue,
// tagged with its enqueue sequence so newest-first scans have a stable
// order.
type queueEntry struct {
	bundle Bundle
	seq    uint64
}

// Outduct is the per-neighbor transmission queue CGR enqueues onto and
// the Overbooking Manager bumps bundles out of. Bundle serialization and
// the outduct registry itself live outside this package; this is the
// minimal concrete structure the routing and overbooking algorithms
// operate on.
type Outduct struct {
	mu          sync.Mutex
	NeighborNbr uint64
	queues      [3][]queueEntry // indexed by Priority
	nextSeq     uint64
}

// NewOutduct creates an empty outduct for neighborNbr.
func NewOutduct(neighborNbr uint64) *Outduct {
	return &Outduct{NeighborNbr: neighborNbr}
}

// Enqueue appends a bundle to its priority's queue.
func (o *Outduct) Enqueue(b Bundle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSeq++
	o.queues[b.Priority] = append(o.queues[b.Priority], queueEntry{bundle: b, seq: o.nextSeq})
}

// Remove deletes the first queued bundle matching id, returning it.
func (o *Outduct) Remove(id uint64) (Bundle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for p := range o.queues {
		for i, e := range o.queues[p] {
			if e.bundle.ID == id {
				o.queues[p] = append(o.queues[p][:i], o.queues[p][i+1:]...)
				return e.bundle, true
			}
		}
	}
	return Bundle{}, false
}

// TotalBacklogECCC sums the ECCC of every bundle currently queued.
func (o *Outduct) TotalBacklogECCC() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total uint64
	for p := range o.queues {
		for _, e := range o.queues[p] {
			total += e.bundle.ECCC()
		}
	}
	return total
}

// BacklogAheadECCC sums the ECCC of every queue whose priority is lower
// than b's (nothing for a bulk bundle, the bulk queue for a standard one,
// the bulk and standard queues for an urgent one), plus, for an urgent b,
// the urgent entries whose ordinal is less than b's. Entries in b's own
// bulk or standard queue are not counted.
func (o *Outduct) BacklogAheadECCC(b Bundle) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total uint64
	for p := PriorityBulk; p < b.Priority; p++ {
		for _, e := range o.queues[p] {
			total += e.bundle.ECCC()
		}
	}
	if b.Priority == PriorityUrgent {
		for _, e := range o.queues[PriorityUrgent] {
			if e.bundle.Ordinal < b.Ordinal {
				total += e.bundle.ECCC()
			}
		}
	}
	return total
}

// bumpCandidates returns the bundles eligible to be displaced to make
// room for a new bundle of the given priority/ordinal: bulk queue
// newest-first, then standard newest-first, then (only if the new
// bundle is itself urgent) the urgent queue newest-first restricted to
// ordinal <= newOrdinal.
func (o *Outduct) bumpCandidates(newPriority Priority, newOrdinal uint8) []Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Bundle
	for p := PriorityBulk; p <= newPriority && p <= PriorityStandard; p++ {
		q := o.queues[p]
		for i := len(q) - 1; i >= 0; i-- {
			out = append(out, q[i].bundle)
		}
	}
	if newPriority == PriorityUrgent {
		q := o.queues[PriorityUrgent]
		for i := len(q) - 1; i >= 0; i-- {
			if q[i].bundle.Ordinal <= newOrdinal {
				out = append(out, q[i].bundle)
			}
		}
	}
	return out
}
