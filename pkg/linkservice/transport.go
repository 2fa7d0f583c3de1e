// Package linkservice is the link service bridge: a thin boundary that
// dequeues a span's outbound serialized segments and feeds inbound byte
// buffers to the LTP protocol state machine. It does not know about
// checkpoints, reports or sessions; it only moves bytes.
package linkservice

// Transport is the carrier a Bridge drives, generalized from any
// specific medium to arbitrary byte buffers: the wire protocol and
// medium underneath a span (UDP, TCP, a serial radio link) is this
// interface's implementation detail, not the bridge's concern.
type Transport interface {
	// Connect establishes the underlying carrier. Arguments are
	// implementation-specific (e.g. a dial address).
	Connect(...any) error
	Disconnect() error
	// Send transmits one already-framed buffer. Implementations must not
	// split or coalesce frames; framing is this package's job, not the
	// transport's.
	Send(frame []byte) error
	// Subscribe registers the single listener that receives inbound
	// buffers. Transports that deliver partial reads (TCP, a serial port)
	// may call Handle with arbitrary chunk boundaries; frameAssembler
	// reassembles complete frames before anything reaches the LTP engine.
	Subscribe(listener FrameListener) error
}

// FrameListener receives raw inbound byte buffers from a Transport.
type FrameListener interface {
	Handle(frame []byte)
}
