package cgr

// Reason is one of the named reasons a contact, route, or proximate node
// was rejected or a route was accepted/discarded.
type Reason string

const (
	ReasonContactEndsEarly       Reason = "ContactEndsEarly"
	ReasonSuppressed             Reason = "Suppressed"
	ReasonVisited                Reason = "Visited"
	ReasonCapacityTooSmall       Reason = "CapacityTooSmall"
	ReasonNoRange                Reason = "NoRange"
	ReasonRouteViaSelf           Reason = "RouteViaSelf"
	ReasonRouteCapacityTooSmall  Reason = "RouteCapacityTooSmall"
	ReasonInitialContactExcluded Reason = "InitialContactExcluded"
	ReasonRouteTooSlow           Reason = "RouteTooSlow"
	ReasonNoApplicableDirective  Reason = "NoApplicableDirective"
	ReasonBlockedOutduct         Reason = "BlockedOutduct"
	ReasonMaxPayloadTooSmall     Reason = "MaxPayloadTooSmall"
	ReasonMoreHops               Reason = "MoreHops"
	ReasonIdentical              Reason = "Identical"
	ReasonLaterArrivalTime       Reason = "LaterArrivalTime"
	ReasonLargerNodeNbr          Reason = "LargerNodeNbr"
)

// Tracer receives tagged debug-trace records of the planner's search.
// All methods are optional to implement meaningfully: NopTracer below
// is the default when a caller passes no tracer.
type Tracer interface {
	BuildRoutes(terminus uint64, payloadLen uint64, atTime int64)
	BeginRoute(class int)
	ConsiderRoot(from, to uint64)
	ConsiderContact(from, to uint64)
	IgnoreContact(reason Reason)
	Cost(transmitTime, owlt, arrivalTime int64)
	Hop(from, to uint64)
	AcceptRoute(firstHop uint64, fromTime, arrivalTime int64, maxCapacity uint64, class int)
	DiscardRoute()
	CheckRoute(class int, firstHop uint64, fromTime, arrivalTime int64)
	IgnoreRoute(reason Reason)
	RecomputeRoute()
	AddProximateNode()
	UpdateProximateNode(reason Reason)
	IgnoreProximateNode(reason Reason)
	SelectProximateNode()
	UseProximateNode(nbr uint64)
	NoProximateNode()
	FullOverbooking(bytes uint64)
	PartialOverbooking(bytes uint64)
}

// NopTracer discards every trace record.
type NopTracer struct{}

func (NopTracer) BuildRoutes(uint64, uint64, int64)                    {}
func (NopTracer) BeginRoute(int)                                       {}
func (NopTracer) ConsiderRoot(uint64, uint64)                          {}
func (NopTracer) ConsiderContact(uint64, uint64)                       {}
func (NopTracer) IgnoreContact(Reason)                                 {}
func (NopTracer) Cost(int64, int64, int64)                             {}
func (NopTracer) Hop(uint64, uint64)                                   {}
func (NopTracer) AcceptRoute(uint64, int64, int64, uint64, int)        {}
func (NopTracer) DiscardRoute()                                        {}
func (NopTracer) CheckRoute(int, uint64, int64, int64)                 {}
func (NopTracer) IgnoreRoute(Reason)                                   {}
func (NopTracer) RecomputeRoute()                                      {}
func (NopTracer) AddProximateNode()                                    {}
func (NopTracer) UpdateProximateNode(Reason)                           {}
func (NopTracer) IgnoreProximateNode(Reason)                           {}
func (NopTracer) SelectProximateNode()                                 {}
func (NopTracer) UseProximateNode(uint64)                              {}
func (NopTracer) NoProximateNode()                                     {}
func (NopTracer) FullOverbooking(uint64)                               {}
func (NopTracer) PartialOverbooking(uint64)                            {}

var _ Tracer = NopTracer{}
