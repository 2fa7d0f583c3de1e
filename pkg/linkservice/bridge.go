package linkservice

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dtnstack/ioncore/pkg/ltp"
	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

// Bridge pairs one LTP Span with the Transport that carries its segments
// to and from one remote engine. It owns the output task (dequeue,
// encode, frame, send) and the input task (receive, reassemble, decode,
// hand to the engine); these are cooperating goroutines signalled by
// channels, with the per-span "segments available" signal being
// Span.OutputSignal and the stop signal a closed channel.
type Bridge struct {
	engine    *ltp.Engine
	span      *ltp.Span
	transport Transport
	logger    *logrus.Entry

	mu        sync.Mutex
	assembler *frameAssembler
	started   bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewBridge(engine *ltp.Engine, span *ltp.Span, transport Transport, logger *logrus.Entry) *Bridge {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		engine:    engine,
		span:      span,
		transport: transport,
		logger:    logger.WithField("component", "linkservice"),
	}
}

// Start connects the transport, subscribes this bridge as the inbound
// frame listener, and launches the LSO task. Calling Start on an already
// started bridge is a no-op.
func (b *Bridge) Start(args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	if err := b.transport.Connect(args...); err != nil {
		return fmt.Errorf("linkservice: connect: %w", err)
	}
	if err := b.transport.Subscribe(b); err != nil {
		return fmt.Errorf("linkservice: subscribe: %w", err)
	}
	b.assembler = newFrameAssembler()
	b.stop = make(chan struct{})
	b.started = true
	b.wg.Add(1)
	go b.runOutput(b.stop)
	return nil
}

// Stop ends the output task and disconnects the transport. Closing stop
// wakes runOutput's select immediately. A later Start recreates the
// stop channel fresh.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	close(b.stop)
	b.started = false
	b.mu.Unlock()

	b.wg.Wait()
	return b.transport.Disconnect()
}

func (b *Bridge) runOutput(stop chan struct{}) {
	defer b.wg.Done()
	for {
		seg, ok := b.span.DequeueSegment()
		if ok {
			b.sendOne(seg)
			continue
		}
		select {
		case <-b.span.OutputSignal():
		case <-stop:
			return
		}
	}
}

func (b *Bridge) sendOne(seg wire.Segment) {
	raw, err := wire.Encode(seg)
	if err != nil {
		b.logger.WithError(err).Error("encode outbound segment")
		return
	}
	if err := b.transport.Send(encodeFrame(raw)); err != nil {
		b.logger.WithError(err).Warn("send outbound segment, will be retried by the resend timer")
		return
	}
	b.notifyDequeued(seg)
}

// notifyDequeued tells the engine a checkpoint or end-of-block segment
// actually left the wire, which is what arms the resend timer or (on
// session close) releases the buffer-open semaphore.
func (b *Bridge) notifyDequeued(seg wire.Segment) {
	t := seg.Header.Type
	if t.IsCheckpoint() {
		b.engine.OnCheckpointDequeued(b.span, seg.Header.SessionNumber, seg.Data.CheckpointSerial)
	}
	if t.IsEOB() {
		b.engine.OnEOBDequeued(b.span, seg.Header.SessionNumber)
	}
}

// Handle implements FrameListener. It is the LSI task's entry point: the
// transport calls it for every inbound byte buffer, which may be a whole
// frame (a datagram transport) or an arbitrary chunk of a longer stream (a
// TCP transport); frameAssembler makes the two indistinguishable to the
// rest of the bridge.
func (b *Bridge) Handle(chunk []byte) {
	b.mu.Lock()
	assembler := b.assembler
	b.mu.Unlock()
	if assembler == nil {
		return
	}

	for _, raw := range assembler.Feed(chunk) {
		if err := b.engine.HandleInbound(raw); err != nil {
			b.logger.WithError(err).Warn("inbound segment rejected")
		}
	}
}
