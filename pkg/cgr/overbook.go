package cgr

// ReforwardFunc re-routes a bundle bumped out of an oversubscribed
// contact. It is the caller's re-forwarding entry point (typically
// Planner.Plan called again for the same bundle with its old neighbor
// added to excluded_neighbors).
type ReforwardFunc func(b Bundle)

// OverbookingManager handles the case where, after a non-critical bundle
// is enqueued on its chosen neighbor, the initial contact ends up
// oversubscribed, lower-priority bundles are bumped back out for
// re-forwarding until the overbooking is resolved or the queue is
// exhausted.
type OverbookingManager struct {
	tracer Tracer
}

// NewOverbookingManager returns an OverbookingManager using tracer for
// debug records (NopTracer{} if nil).
func NewOverbookingManager(tracer Tracer) *OverbookingManager {
	if tracer == nil {
		tracer = NopTracer{}
	}
	return &OverbookingManager{tracer: tracer}
}

// Resolve bumps bundles from outduct until overbooked bytes is accounted
// for or the candidate pool is exhausted, calling reforward for each one
// displaced. newBundle identifies the bundle that caused the overbooking,
// so its own priority/ordinal/protected bytes gate which candidates are
// eligible.
func (om *OverbookingManager) Resolve(outduct *Outduct, newBundle Bundle, overbooked, protected uint64, reforward ReforwardFunc) {
	if overbooked == 0 {
		return
	}
	if newBundle.Priority == PriorityBulk {
		// Bulk-priority new bundles never bump anything.
		om.tracer.PartialOverbooking(overbooked)
		return
	}

	candidates := outduct.bumpCandidates(newBundle.Priority, newBundle.Ordinal)
	for _, b := range candidates {
		if overbooked == 0 {
			break
		}
		if b.ID == newBundle.ID {
			// The bundle that caused the overbooking is never bumped.
			continue
		}
		eccc := b.ECCC()
		if protected > 0 {
			// This candidate is covered by bytes already scheduled for
			// transmission in a later contact than the new bundle's
			// initial one; consume it out of the protected budget and
			// leave the candidate alone, regardless of its own size.
			if eccc > protected {
				protected = 0
			} else {
				protected -= eccc
			}
			continue
		}
		if _, ok := outduct.Remove(b.ID); !ok {
			continue
		}
		reforward(b)
		if eccc > overbooked {
			overbooked = 0
		} else {
			overbooked -= eccc
		}
	}

	if overbooked > 0 {
		om.tracer.PartialOverbooking(overbooked)
	} else {
		om.tracer.FullOverbooking(0)
	}
}
