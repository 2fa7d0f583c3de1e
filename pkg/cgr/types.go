// Package cgr implements Contact Graph Routing: a time-varying shortest
// path resolver, an overbooking manager, and a per-terminus route cache
// that makes repeated lookups cheap.
package cgr

import (
	"errors"
	"time"

	"github.com/dtnstack/ioncore/pkg/contactplan"
)

// Errors CGR returns to its caller.
var (
	ErrNoRouteFound    = errors.New("cgr: no route found")
	ErrUnknownTerminus = errors.New("cgr: unknown terminus")
	ErrInternal        = errors.New("cgr: internal error")
)

// Priority is a bundle's outduct queue class.
type Priority int

const (
	PriorityBulk Priority = iota
	PriorityStandard
	PriorityUrgent
)

// Bundle is the minimal view of a bundle CGR needs. Bundle content and
// serialization live outside this package; this is the boundary type.
type Bundle struct {
	ID                 uint64
	TerminusNode       uint64
	PayloadLength      uint64
	ProtocolOverhead   uint64
	ExpirationDeadline time.Time
	Priority           Priority
	Ordinal            uint8 // only meaningful for PriorityUrgent
	Critical           bool  // MINIMUM_LATENCY flag
}

// ECCC returns the bundle's Estimated Capacity Consumption: payload bytes
// plus protocol overhead.
func (b Bundle) ECCC() uint64 {
	return b.PayloadLength + b.ProtocolOverhead
}

// Route is one candidate end-to-end path for a terminus.
type Route struct {
	ToNodeNbr    uint64 // first hop's neighbor
	FromTime     time.Time
	ToTime       time.Time // earliest end-time among hops
	ArrivalTime  time.Time // best-case
	Hops         []contactplan.Contact
	MaxCapacity  uint64
	PayloadClass contactplan.PayloadClass
}

// Directive says how a bundle should be handed to the link service once a
// proximate node is chosen. OutductName is opaque to CGR; it is whatever
// the caller's outduct registry uses to key an outduct.
type Directive struct {
	OutductName string
}

// ProximateNode is a candidate next hop for a bundle.
type ProximateNode struct {
	NeighborNbr uint64
	Directive   Directive
	ArrivalTime time.Time
	ForfeitTime time.Time // == the winning route's ToTime
	Overbooked  uint64
	Protected   uint64
	HopCount    int
}

// DirectiveLookup resolves the outduct directive to use for a given
// neighbor, analogous to an egress plan lookup maintained outside this
// package that CGR must call into.
type DirectiveLookup func(neighborNbr uint64) (Directive, bool)
