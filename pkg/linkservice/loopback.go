package linkservice

import "sync"

// LoopbackTransport hands every sent frame straight to a peer
// LoopbackTransport's listener, in-process, with no framing or network
// involved. It exists for tests and for single-process simulations that
// want two engines talking LTP without a real socket.
type LoopbackTransport struct {
	mu       sync.Mutex
	peer     *LoopbackTransport
	listener FrameListener
}

// NewLoopbackPair returns two transports wired to each other: a frame sent
// on one arrives, whole, at the other's listener.
func NewLoopbackPair() (*LoopbackTransport, *LoopbackTransport) {
	a := &LoopbackTransport{}
	b := &LoopbackTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *LoopbackTransport) Connect(...any) error { return nil }
func (l *LoopbackTransport) Disconnect() error     { return nil }

func (l *LoopbackTransport) Send(frame []byte) error {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()

	peer.mu.Lock()
	listener := peer.listener
	peer.mu.Unlock()
	if listener != nil {
		listener.Handle(append([]byte(nil), frame...))
	}
	return nil
}

func (l *LoopbackTransport) Subscribe(listener FrameListener) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listener = listener
	return nil
}
