package ltp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dtnstack/ioncore/internal/store"
	"github.com/dtnstack/ioncore/pkg/contactplan"
	"github.com/dtnstack/ioncore/pkg/ltp/wire"
	"github.com/dtnstack/ioncore/pkg/metrics"
	"github.com/dtnstack/ioncore/pkg/timerwheel"
)

// Local aliases for the timer wheel's resend/forget event types, so the
// rest of this package can name them without importing timerwheel
// everywhere export.go and import.go schedule one.
const (
	resendCheckpoint = timerwheel.ResendCheckpoint
	resendReport     = timerwheel.ResendReport
	resendXmitCancel = timerwheel.ResendXmitCancel
	resendRecvCancel = timerwheel.ResendRecvCancel
	forgetSession    = timerwheel.ForgetSession
)

// eventFor builds the timer wheel event export.go and import.go schedule
// for one resend/forget timer.
func eventFor(t timerwheel.EventType, spanEngineID, sessionNbr, serial uint64, scheduledTime, segArrivalTime time.Time, qtime time.Duration) timerwheel.Event {
	return timerwheel.Event{
		ScheduledTime:  scheduledTime,
		Type:           t,
		SpanNbr:        spanEngineID,
		SessionNbr:     sessionNbr,
		Serial:         serial,
		SegArrivalTime: segArrivalTime,
		Qtime:          qtime,
	}
}

// resendKey identifies one outstanding resend timer for the purpose of
// counting how many times it has fired, since the timer wheel's Event
// carries no expiration counter of its own; that bookkeeping is left to
// the owning engine.
type resendKey struct {
	typ     timerwheel.EventType
	spanID  uint64
	session uint64
	serial  uint64
}

// Engine is the LTP engine front door: it owns the span table for one
// local engine ID, dispatches inbound segments to the right export or
// import session, and wires the timer wheel's resend events back into
// the per-session retry logic export.go and import.go implement. Every
// method that touches session state takes the *Span and session
// explicitly rather than reaching through package-level state.
type Engine struct {
	localEngineID uint64
	neighbors     *contactplan.Directory
	notifier      Notifier
	logger        *slog.Logger
	wheel         *timerwheel.Wheel
	now           func() time.Time

	mu    sync.Mutex
	spans map[uint64]*Span

	resendMu     sync.Mutex
	resendCounts map[resendKey]int

	metrics *metrics.Registry
}

// SetMetrics wires reg into this engine so admission-control drops and
// other counters get recorded; callers that never call SetMetrics get an
// engine that simply skips the increments.
func (eng *Engine) SetMetrics(reg *metrics.Registry) {
	eng.metrics = reg
}

func (eng *Engine) countSegmentDropped(reason string) {
	if eng.metrics == nil || eng.metrics.SegmentsDropped == nil {
		return
	}
	eng.metrics.SegmentsDropped.WithLabelValues(reason).Inc()
}

// NewEngine creates an Engine for localEngineID. neighbors and notifier
// may be nil; a nil notifier simply drops session-outcome notifications
// (types.go's Notifier doc comment).
func NewEngine(localEngineID uint64, neighbors *contactplan.Directory, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	eng := &Engine{
		localEngineID: localEngineID,
		neighbors:     neighbors,
		notifier:      notifier,
		logger:        logger.With("component", "ltp", "engine", localEngineID),
		wheel:         timerwheel.New(nil),
		now:           time.Now,
		spans:         make(map[uint64]*Span),
		resendCounts:  make(map[resendKey]int),
	}
	eng.wireHandlers()
	return eng
}

func (eng *Engine) wireHandlers() {
	eng.wheel.OnEvent(timerwheel.ResendCheckpoint, eng.onResendCheckpoint)
	eng.wheel.OnEvent(timerwheel.ResendReport, eng.onResendReport)
	eng.wheel.OnEvent(timerwheel.ResendXmitCancel, eng.onResendXmitCancel)
	eng.wheel.OnEvent(timerwheel.ResendRecvCancel, eng.onResendRecvCancel)
	eng.wheel.OnEvent(timerwheel.ForgetSession, eng.onForgetSession)
}

// AddSpan registers span state for a remote engine and returns it. st may
// be nil (span.go's NewSpan keeps the segment FIFO purely in-process then).
func (eng *Engine) AddSpan(cfg SpanConfig, st *store.Store) *Span {
	span := NewSpan(cfg, st)
	eng.mu.Lock()
	eng.spans[cfg.EngineID] = span
	eng.mu.Unlock()
	return span
}

// SpanFor returns the span registered for remoteEngineID, if any.
func (eng *Engine) SpanFor(remoteEngineID uint64) (*Span, bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	s, ok := eng.spans[remoteEngineID]
	return s, ok
}

// Wheel exposes the engine's timer wheel so a driving loop can Tick it.
func (eng *Engine) Wheel() *timerwheel.Wheel { return eng.wheel }

// neighborState returns the live rate/OWLT view of span's remote engine,
// or the zero value if no Neighbor Directory is wired.
func (eng *Engine) neighborState(span *Span) contactplan.NeighborState {
	if eng.neighbors == nil {
		return contactplan.NeighborState{}
	}
	return eng.neighbors.Get(span.cfg.EngineID)
}

// bumpResendCount returns how many times k has already fired before this
// call (0 the first time), then records this firing. Handlers count
// MAX_TIMEOUTS successful resends before the (MAX_TIMEOUTS+1)-th firing
// escalates to cancellation, so the count is 0 on the first firing, not 1.
func (eng *Engine) bumpResendCount(k resendKey) int {
	eng.resendMu.Lock()
	defer eng.resendMu.Unlock()
	prev := eng.resendCounts[k]
	eng.resendCounts[k] = prev + 1
	return prev
}

func (eng *Engine) clearResendCount(k resendKey) {
	eng.resendMu.Lock()
	delete(eng.resendCounts, k)
	eng.resendMu.Unlock()
}

// Submit implements the "Start" through the close of the
// aggregation buffer in one call, for callers that don't need to stream
// SDUs into a session over time: the whole block is already assembled.
func (eng *Engine) Submit(span *Span, sdus []SDU, redLength uint64) (*ExportSession, error) {
	sess, err := eng.StartExportSession(span)
	if err != nil {
		return nil, err
	}
	eng.SetRedLength(sess, redLength)
	for _, sdu := range sdus {
		if err := eng.BufferSDU(sess, sdu); err != nil {
			return nil, err
		}
	}
	if err := eng.CloseExportBuffer(span, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleInbound decodes a raw segment arriving on span's link and routes
// it to the matching export- or import-side handler (the
// segment-type dispatch table).
func (eng *Engine) HandleInbound(raw []byte) error {
	seg, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("ltp: decode inbound segment: %w", err)
	}
	span, ok := eng.SpanFor(seg.Header.SrcEngineID)
	if !ok {
		return fmt.Errorf("ltp: %w: engine %d", ErrUnknownSpan, seg.Header.SrcEngineID)
	}

	t := seg.Header.Type
	switch {
	case t.IsRed() || t.IsGreen():
		eng.HandleDataSegment(span, seg)
	case t == wire.TypeReport:
		return eng.HandleReport(span, seg)
	case t == wire.TypeReportAck:
		eng.HandleReportAck(span, seg)
	case t == wire.TypeCancelBySender:
		eng.HandleCancelBySender(span, seg)
	case t == wire.TypeCancelByReceiver:
		eng.HandleCancelByReceiver(span, seg)
	case t == wire.TypeCancelAckByReceiver:
		eng.HandleCancelAck(span, seg)
	case t == wire.TypeCancelAckBySender:
		eng.HandleCancelAckByReceiver(span, seg)
	default:
		eng.logger.Warn("unhandled segment type", "type", t, "span", seg.Header.SrcEngineID)
	}
	return nil
}

// Tick drains everything due on the timer wheel as of now. Callers run
// this periodically (the single ordered timeline is driven by
// one external clock, not a goroutine per timer).
func (eng *Engine) Tick(now time.Time) {
	eng.now = func() time.Time { return now }
	eng.wheel.Tick(now)
}

// onResendCheckpoint is the timer wheel's ResendCheckpoint handler: it
// runs export.go's resend action, then re-arms for another round unless
// the checkpoint was acknowledged or the session ended in the meantime.
func (eng *Engine) onResendCheckpoint(e *timerwheel.Event) {
	span, ok := eng.SpanFor(e.SpanNbr)
	if !ok {
		return
	}
	k := resendKey{timerwheel.ResendCheckpoint, e.SpanNbr, e.SessionNbr, e.Serial}
	count := eng.bumpResendCount(k)
	eng.handleResendCheckpoint(span, e.SessionNbr, e.Serial, count)

	span.mu.Lock()
	sess, ok := span.exportSessions[e.SessionNbr]
	span.mu.Unlock()
	if !ok {
		eng.clearResendCount(k)
		return
	}
	rec, ok := sess.checkpoints[e.Serial]
	if !ok || !rec.timerArmed {
		eng.clearResendCount(k)
		return
	}
	interval := span.cfg.RemoteQtime + eng.neighborState(span).InboundOWLT + span.cfg.OwnQtime/2
	ev := eng.wheel.Schedule(eventFor(resendCheckpoint, e.SpanNbr, e.SessionNbr, e.Serial, eng.now().Add(interval), e.SegArrivalTime, e.Qtime))
	rec.timerEventID = ev.ID
}

// onResendReport mirrors onResendCheckpoint for import.go's
// resend-report-on-timeout timer.
func (eng *Engine) onResendReport(e *timerwheel.Event) {
	span, ok := eng.SpanFor(e.SpanNbr)
	if !ok {
		return
	}
	k := resendKey{timerwheel.ResendReport, e.SpanNbr, e.SessionNbr, e.Serial}
	count := eng.bumpResendCount(k)
	eng.handleResendReport(span, e.SessionNbr, e.Serial, count)

	span.mu.Lock()
	sess, ok := span.importSessions[e.SessionNbr]
	span.mu.Unlock()
	if !ok {
		eng.clearResendCount(k)
		return
	}
	rec, ok := sess.reports[e.Serial]
	if !ok || !rec.timerArmed {
		eng.clearResendCount(k)
		return
	}
	nd := eng.neighborState(span)
	deadline := span.cfg.RemoteQtime + nd.OutboundOWLT + nd.InboundOWLT + span.cfg.OwnQtime
	ev := eng.wheel.Schedule(eventFor(resendReport, e.SpanNbr, e.SessionNbr, e.Serial, eng.now().Add(deadline), time.Time{}, 0))
	rec.timerEventID = ev.ID
}

// onResendXmitCancel re-arms export.go's sender-cancel retry until a CAS
// arrives or MaxTimeouts is reached.
func (eng *Engine) onResendXmitCancel(e *timerwheel.Event) {
	span, ok := eng.SpanFor(e.SpanNbr)
	if !ok {
		return
	}
	k := resendKey{timerwheel.ResendXmitCancel, e.SpanNbr, e.SessionNbr, 0}
	count := eng.bumpResendCount(k)
	eng.handleResendXmitCancel(span, e.SessionNbr, count)

	span.mu.Lock()
	_, ok = span.deadExports[e.SessionNbr]
	span.mu.Unlock()
	if !ok {
		eng.clearResendCount(k)
		return
	}
	interval := span.cfg.RemoteQtime + time.Second
	eng.wheel.Schedule(eventFor(resendXmitCancel, e.SpanNbr, e.SessionNbr, 0, eng.now().Add(interval), time.Time{}, 0))
}

// onResendRecvCancel mirrors onResendXmitCancel for import.go's
// receiver-cancel retry.
func (eng *Engine) onResendRecvCancel(e *timerwheel.Event) {
	span, ok := eng.SpanFor(e.SpanNbr)
	if !ok {
		return
	}
	k := resendKey{timerwheel.ResendRecvCancel, e.SpanNbr, e.SessionNbr, 0}
	count := eng.bumpResendCount(k)
	eng.handleResendRecvCancel(span, e.SessionNbr, count)

	span.mu.Lock()
	_, ok = span.deadImports[e.SessionNbr]
	span.mu.Unlock()
	if !ok {
		eng.clearResendCount(k)
		return
	}
	interval := span.cfg.OwnQtime + time.Second
	eng.wheel.Schedule(eventFor(resendRecvCancel, e.SpanNbr, e.SessionNbr, 0, eng.now().Add(interval), time.Time{}, 0))
}

func (eng *Engine) onForgetSession(e *timerwheel.Event) {
	span, ok := eng.SpanFor(e.SpanNbr)
	if !ok {
		return
	}
	eng.handleForgetSession(span, e.SessionNbr)
}
