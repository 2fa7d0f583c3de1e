package ltp

import (
	"errors"

	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

// Errors returned to callers of Engine/Span operations.
var (
	ErrUnknownSpan       = errors.New("ltp: unknown span")
	ErrUnknownSession    = errors.New("ltp: unknown session")
	ErrSessionClosed     = errors.New("ltp: session already closed")
	ErrBufferFull        = errors.New("ltp: buffer-open semaphore exhausted")
	ErrOverlappingExtent = errors.New("ltp: overlapping red extent")
	ErrSerialRollover    = errors.New("ltp: serial number rollover")
	ErrEngineStopped     = errors.New("ltp: engine is stopped")
	ErrCapacityExhausted = errors.New("ltp: inbound occupancy limit exceeded")
)

// toReasonCode translates an internal cancellation cause into the wire
// reason code carried by a CS/CR segment.
func toReasonCode(err error) wire.CancelReason {
	switch {
	case errors.Is(err, ErrSerialRollover):
		return wire.ReasonRetransmitLimitExceeded
	case errors.Is(err, errRetransmitLimitExceeded):
		return wire.ReasonRetransmitLimitExceeded
	case errors.Is(err, errMiscoloredSegment):
		return wire.ReasonMiscoloredSegment
	case errors.Is(err, errClientSvcUnreachable):
		return wire.ReasonClientSvcUnreachable
	case errors.Is(err, errCancelByEngine):
		return wire.ReasonCancelByEngine
	case errors.Is(err, errInactivityDetected):
		return wire.ReasonInactivityDetected
	default:
		return wire.ReasonUserCancel
	}
}

// Internal cancellation causes, kept distinct from the public Err*
// sentinels above so toReasonCode can map each to its wire reason code.
var (
	errRetransmitLimitExceeded = errors.New("ltp: retransmit limit exceeded")
	errMiscoloredSegment       = errors.New("ltp: miscolored segment")
	errClientSvcUnreachable    = errors.New("ltp: client service unreachable")
	errCancelByEngine          = errors.New("ltp: canceled by engine (session limit)")
	errInactivityDetected      = errors.New("ltp: inactivity detected")
)
