package ltp

import (
	"math/rand"
	"sort"
	"time"

	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

// importState is an ImportSession's position in the lifecycle:
// Open -> Receiving -> RedComplete -> Closed, with a separate
// Canceled -> AwaitingCAR -> Dead cancel path.
type importState uint8

const (
	importOpen importState = iota
	importReceiving
	importRedComplete
	importClosed
	importCanceled
	importAwaitingCAR
	importDead
)

// redSegmentRecord is one stored extent of an import session's red part,
// and where its bytes live.
type redSegmentRecord struct {
	extent Extent
	data   []byte // nil if inFile
	inFile bool
}

// reportRecord tracks one report segment this session has sent and not
// yet had acknowledged, so ResendReport and HandleReportAck can find it.
type reportRecord struct {
	content      wire.ReportContent
	lowerBound   uint64
	upperBound   uint64
	final        bool
	timerEventID uint64
	timerArmed   bool
}

// ImportSession is the LTP receiver side of one block transfer.
type ImportSession struct {
	SessionNbr   uint64
	SpanEngineID uint64

	redSegments   []redSegmentRecord // non-overlapping, ascending by offset
	heapUsed      uint64
	occupancyHeld uint64 // bytes still reserved against the span's inbound occupancy limit
	file          *blockFile

	greenSegments [][]byte // delivered in arrival order; no reassembly needed

	redPartLength   uint64 // 0 until EORP
	redPartReceived uint64
	redDelivered    bool

	hasRed      bool
	redEnded    bool
	greenStarted bool

	reports       map[uint64]*reportRecord
	nextRptSerial uint64
	lastRptSerial uint64
	reportsCount  int
	maxReports    int

	endOfBlockRecd bool
	state          importState
	reasonCode     error
}

// GetOrCreateImportSession creates sessions lazily on the first valid
// data segment, red or green. If span is already at
// MaxImportSessions, the oldest active import is canceled with
// CancelByEngine to make room.
func (eng *Engine) GetOrCreateImportSession(span *Span, sessionNbr uint64) (*ImportSession, bool) {
	span.mu.Lock()
	if sess, ok := span.importSessions[sessionNbr]; ok {
		span.mu.Unlock()
		return sess, false
	}
	if span.isClosedImport(sessionNbr) {
		span.mu.Unlock()
		return nil, false
	}
	if len(span.importSessions) >= span.cfg.MaxImportSessions && span.cfg.MaxImportSessions > 0 {
		oldest := oldestImportSession(span.importSessions)
		span.mu.Unlock()
		if oldest != nil {
			eng.cancelImport(span, oldest, errCancelByEngine)
		}
		span.mu.Lock()
	}
	sess := &ImportSession{
		SessionNbr:   sessionNbr,
		SpanEngineID: span.cfg.EngineID,
		reports:      make(map[uint64]*reportRecord),
		state:        importOpen,
	}
	span.importSessions[sessionNbr] = sess
	span.mu.Unlock()
	eng.logger.Info("import session created", "engine", span.cfg.EngineID, "session", sessionNbr)
	return sess, true
}

func oldestImportSession(m map[uint64]*ImportSession) *ImportSession {
	var oldest *ImportSession
	for _, s := range m {
		if oldest == nil || s.SessionNbr < oldest.SessionNbr {
			oldest = s
		}
	}
	return oldest
}

// HandleDataSegment implements the red/green segment intake pipeline,
// plus the checkpoint-triggered report path.
func (eng *Engine) HandleDataSegment(span *Span, seg wire.Segment) {
	if seg.Data == nil {
		return
	}
	t := seg.Header.Type
	sessionNbr := seg.Header.SessionNumber

	span.mu.Lock()
	closed := span.isClosedImport(sessionNbr)
	span.mu.Unlock()
	if closed {
		return
	}

	if span.cfg.EnforceSchedule && eng.neighborState(span).RecvRateBps == 0 {
		return
	}

	sess, _ := eng.GetOrCreateImportSession(span, sessionNbr)
	if sess == nil {
		return
	}

	if t.IsGreen() {
		if sess.hasRed && !sess.redEnded {
			eng.cancelImport(span, sess, errMiscoloredSegment)
			return
		}
		sess.greenStarted = true
		sess.greenSegments = append(sess.greenSegments, seg.Data.Data)
		if eng.notifier != nil {
			eng.notifier.RecvGreenSegment(span.cfg.EngineID, sessionNbr, seg.Data.Data, t.IsEOB())
		}
		if t.IsEOB() {
			sess.endOfBlockRecd = true
			if sess.redPartLength == 0 {
				eng.closeImportComplete(span, sess)
			}
		}
		return
	}

	if sess.greenStarted {
		eng.cancelImport(span, sess, errMiscoloredSegment)
		return
	}
	sess.hasRed = true

	extent := Extent{Offset: seg.Data.Offset, Length: seg.Data.Length}
	if overlapsAny(extentsOf(sess.redSegments), extent) {
		return // duplicate/overlapping retransmission: already have it
	}

	if err := eng.admitAndStore(span, sess, extent, seg.Data.Data); err != nil {
		eng.logger.Warn("dropping red segment: admission control", "session", sessionNbr, "err", err)
		return
	}
	sess.redPartReceived += extent.Length

	if t.IsEORP() {
		sess.redEnded = true
		sess.redPartLength = extent.End()
		sess.maxReports = getMaxReports(sess.redPartLength, typicalSegmentSize(span.cfg), span.cfg.ErrorsPerByte)
	}
	if t.IsEOB() {
		sess.endOfBlockRecd = true
	}

	if sess.redPartLength > 0 && sess.redPartReceived == sess.redPartLength && !sess.redDelivered {
		eng.deliverRedPart(span, sess)
	}

	if t.IsCheckpoint() {
		eng.sendReport(span, sess, seg.Data.CheckpointSerial, seg.Data.ReportSerial, extent.End())
	}
}

func extentsOf(recs []redSegmentRecord) []Extent {
	out := make([]Extent, len(recs))
	for i, r := range recs {
		out[i] = r.extent
	}
	return out
}

// admitAndStore performs admission control against the span's total
// inbound occupancy limit and the configured heap budget, then inserts
// into the offset-ordered index and stores in the heap arena or a
// spilled block file. An extent that would push the span's cumulative
// inbound occupancy over MaxInboundOccupancy is silently discarded: no
// storage, no error surfaced to the remote sender.
func (eng *Engine) admitAndStore(span *Span, sess *ImportSession, extent Extent, data []byte) error {
	if !span.reserveInboundOccupancy(extent.Length) {
		eng.countSegmentDropped("capacity_exhausted")
		return ErrCapacityExhausted
	}
	sess.occupancyHeld += extent.Length

	inFile := span.cfg.MaxAcqInHeap > 0 && extent.End() > span.cfg.MaxAcqInHeap
	rec := redSegmentRecord{extent: extent, inFile: inFile}
	if inFile {
		if sess.file == nil {
			f, err := openBlockFile(span.cfg.EngineID, sess.SessionNbr)
			if err != nil {
				span.releaseInboundOccupancy(extent.Length)
				sess.occupancyHeld -= extent.Length
				return err
			}
			sess.file = f
		}
		if err := sess.file.WriteAt(data, int64(extent.Offset)); err != nil {
			span.releaseInboundOccupancy(extent.Length)
			sess.occupancyHeld -= extent.Length
			return err
		}
	} else {
		rec.data = append([]byte(nil), data...)
		sess.heapUsed += extent.Length
	}

	i := sort.Search(len(sess.redSegments), func(i int) bool { return sess.redSegments[i].extent.Offset >= extent.Offset })
	sess.redSegments = append(sess.redSegments, redSegmentRecord{})
	copy(sess.redSegments[i+1:], sess.redSegments[i:])
	sess.redSegments[i] = rec
	return nil
}

// deliverRedPart reassembles the red part once every byte has arrived (a
// cheap reordering of already-accounted-for space, not a new allocation
// in the original ZCO model; here, one concatenation pass over stored
// extents) and hands it to the client.
func (eng *Engine) deliverRedPart(span *Span, sess *ImportSession) {
	sess.redDelivered = true
	out := make([]byte, sess.redPartLength)
	for _, rec := range sess.redSegments {
		if rec.inFile {
			buf := make([]byte, rec.extent.Length)
			if err := sess.file.ReadAt(buf, int64(rec.extent.Offset)); err != nil {
				eng.logger.Warn("block file read failed", "session", sess.SessionNbr, "err", err)
				continue
			}
			copy(out[rec.extent.Offset:], buf)
		} else {
			copy(out[rec.extent.Offset:], rec.data)
		}
	}
	if eng.notifier != nil {
		eng.notifier.RecvRedPart(span.cfg.EngineID, sess.SessionNbr, out, sess.endOfBlockRecd)
	}
}

// sendReport handles checkpoint arrival: assign or advance the report
// serial, decide between a single final report and a bounded walk of
// stored extents, and schedule the resend timer.
func (eng *Engine) sendReport(span *Span, sess *ImportSession, ckptSerial, citedReportSerial, checkpointEnd uint64) {
	if sess.nextRptSerial == 0 {
		sess.nextRptSerial = uint64(rand.Int63n(1<<32-1)) + 1
	} else {
		sess.nextRptSerial++
		if sess.nextRptSerial == 0 {
			eng.cancelImport(span, sess, errRetransmitLimitExceeded)
			return
		}
	}

	if sess.redPartLength > 0 && sess.redPartReceived == sess.redPartLength {
		serial := sess.nextRptSerial
		content := wire.ReportContent{
			ReportSerial:     serial,
			CheckpointSerial: ckptSerial,
			LowerBound:       0,
			UpperBound:       sess.redPartLength,
			Claims:           []wire.Claim{{Offset: 0, Length: sess.redPartLength}},
		}
		eng.emitReport(span, sess, content, 0, sess.redPartLength, true)
		return
	}

	lower := uint64(0)
	if citedReportSerial != 0 {
		if prior, ok := sess.reports[citedReportSerial]; ok {
			lower = prior.lowerBound
		}
	}
	upper := checkpointEnd

	claims := coalesceClaims(extentsOf(sess.redSegments), lower, upper)
	batches := batchClaims(claims, MaxClaimsPerReport)
	serial := sess.nextRptSerial
	for i, batch := range batches {
		if i > 0 {
			serial++
		}
		wireClaims := make([]wire.Claim, len(batch))
		for j, c := range batch {
			wireClaims[j] = wire.Claim{Offset: c.Offset - lower, Length: c.Length}
		}
		content := wire.ReportContent{
			ReportSerial:     serial,
			CheckpointSerial: ckptSerial,
			LowerBound:       lower,
			UpperBound:       upper,
			Claims:           wireClaims,
		}
		eng.emitReport(span, sess, content, lower, upper, false)
	}
	sess.nextRptSerial = serial
}

// coalesceClaims restricts extents to [lower, upper) and returns them as
// ascending reception claims, coalescing adjacent extents.
func coalesceClaims(extents []Extent, lower, upper uint64) []Extent {
	var out []Extent
	for _, e := range extents {
		start, end := e.Offset, e.End()
		if start < lower {
			start = lower
		}
		if end > upper {
			end = upper
		}
		if end > start {
			out = append(out, Extent{Offset: start, Length: end - start})
		}
	}
	return out
}

func batchClaims(claims []Extent, max int) [][]Extent {
	if len(claims) == 0 {
		return [][]Extent{{}}
	}
	var out [][]Extent
	for len(claims) > 0 {
		n := max
		if n > len(claims) {
			n = len(claims)
		}
		out = append(out, claims[:n])
		claims = claims[n:]
	}
	return out
}

func (eng *Engine) emitReport(span *Span, sess *ImportSession, content wire.ReportContent, lower, upper uint64, final bool) {
	seg := wire.Segment{Header: wire.Header{
		Type:          wire.TypeReport,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, Report: &content}
	span.enqueueSegment(seg, false)

	rec := &reportRecord{content: content, lowerBound: lower, upperBound: upper, final: final}
	sess.reports[content.ReportSerial] = rec
	sess.lastRptSerial = content.ReportSerial
	sess.reportsCount++

	nd := eng.neighborState(span)
	deadline := eng.now().Add(span.cfg.RemoteQtime).Add(nd.OutboundOWLT).Add(nd.InboundOWLT).Add(span.cfg.OwnQtime)
	ev := eng.wheel.Schedule(eventFor(resendReport, span.cfg.EngineID, sess.SessionNbr, content.ReportSerial, deadline, time.Time{}, 0))
	rec.timerEventID = ev.ID
	rec.timerArmed = true

	if sess.reportsCount > sess.maxReports && sess.maxReports > 0 {
		eng.cancelImport(span, sess, errRetransmitLimitExceeded)
	}
}

func (eng *Engine) handleResendReport(span *Span, sessionNbr, serial uint64, expirationCount int) {
	span.mu.Lock()
	sess, ok := span.importSessions[sessionNbr]
	span.mu.Unlock()
	if !ok {
		return
	}
	rec, ok := sess.reports[serial]
	if !ok || !rec.timerArmed {
		return
	}
	if expirationCount >= MaxTimeouts {
		eng.cancelImport(span, sess, errRetransmitLimitExceeded)
		return
	}
	content := rec.content
	seg := wire.Segment{Header: wire.Header{
		Type:          wire.TypeReport,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sessionNbr,
	}, Report: &content}
	span.enqueueSegment(seg, false)
}

// HandleReportAck processes a report-ack (RAS): cancel the cited
// report's timer, and if it was the final report, close the session.
func (eng *Engine) HandleReportAck(span *Span, seg wire.Segment) {
	if seg.ReportAck == nil {
		return
	}
	span.mu.Lock()
	sess, ok := span.importSessions[seg.Header.SessionNumber]
	span.mu.Unlock()
	if !ok {
		return
	}
	rec, ok := sess.reports[seg.ReportAck.ReportSerial]
	if !ok {
		return
	}
	if rec.timerArmed {
		eng.wheel.Cancel(rec.timerEventID)
		rec.timerArmed = false
	}
	if rec.final {
		eng.closeImportComplete(span, sess)
	}
}

// closeImportComplete finishes processing a final report-ack: notify the
// client, move the session number into closed_imports, and schedule
// ForgetSession so the closed-session record eventually ages out.
func (eng *Engine) closeImportComplete(span *Span, sess *ImportSession) {
	if sess.state == importClosed {
		return
	}
	sess.state = importClosed
	for _, rec := range sess.reports {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	span.mu.Lock()
	delete(span.importSessions, sess.SessionNbr)
	span.recordClosedImport(sess.SessionNbr)
	span.mu.Unlock()
	span.releaseInboundOccupancy(sess.occupancyHeld)
	sess.occupancyHeld = 0
	if sess.file != nil {
		sess.file.Close()
	}
	if eng.notifier != nil {
		eng.notifier.ImportSessionComplete(span.cfg.EngineID, sess.SessionNbr)
	}

	nd := eng.neighborState(span)
	retention := 2*MaxTimeouts*(nd.OutboundOWLT+nd.InboundOWLT) + 10*time.Second
	eng.wheel.Schedule(eventFor(forgetSession, span.cfg.EngineID, sess.SessionNbr, 0, eng.now().Add(retention), time.Time{}, 0))
	eng.logger.Info("import session complete", "engine", span.cfg.EngineID, "session", sess.SessionNbr)
}

func (eng *Engine) handleForgetSession(span *Span, sessionNbr uint64) {
	span.mu.Lock()
	span.forgetClosedImport(sessionNbr)
	span.mu.Unlock()
}

// cancelImport implements the receiver-initiated cancel path
// for internally-detected faults (miscolor, client-service unreachable,
// retransmit limit exceeded, or eviction by the engine).
func (eng *Engine) cancelImport(span *Span, sess *ImportSession, reason error) {
	if sess.state == importCanceled || sess.state == importAwaitingCAR || sess.state == importDead {
		return
	}
	for _, rec := range sess.reports {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	sess.state = importCanceled
	sess.reasonCode = reason
	span.mu.Lock()
	delete(span.importSessions, sess.SessionNbr)
	span.deadImports[sess.SessionNbr] = sess
	span.mu.Unlock()
	span.releaseInboundOccupancy(sess.occupancyHeld)
	sess.occupancyHeld = 0
	if sess.file != nil {
		sess.file.Close()
	}

	cr := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelByReceiver,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, Cancel: &wire.CancelContent{Reason: toReasonCode(reason)}}
	span.enqueueSegment(cr, true)
	sess.state = importAwaitingCAR

	if eng.notifier != nil {
		eng.notifier.ImportSessionCanceled(span.cfg.EngineID, sess.SessionNbr, reason)
	}
	eng.wheel.Schedule(eventFor(resendRecvCancel, span.cfg.EngineID, sess.SessionNbr, 0, eng.now().Add(span.cfg.OwnQtime+time.Second), time.Time{}, 0))
}

func (eng *Engine) handleResendRecvCancel(span *Span, sessionNbr uint64, expirationCount int) {
	span.mu.Lock()
	sess, ok := span.deadImports[sessionNbr]
	span.mu.Unlock()
	if !ok || sess.state != importAwaitingCAR {
		return
	}
	if expirationCount >= MaxTimeouts {
		span.mu.Lock()
		delete(span.deadImports, sessionNbr)
		span.mu.Unlock()
		sess.state = importDead
		return
	}
	cr := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelByReceiver,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sessionNbr,
	}, Cancel: &wire.CancelContent{Reason: toReasonCode(sess.reasonCode)}}
	span.enqueueSegment(cr, true)
}

// HandleCancelAckByReceiver processes a CAR segment arriving in
// response to this engine's own receiver-initiated cancel.
func (eng *Engine) HandleCancelAckByReceiver(span *Span, seg wire.Segment) {
	span.mu.Lock()
	sess, ok := span.deadImports[seg.Header.SessionNumber]
	if ok {
		delete(span.deadImports, seg.Header.SessionNumber)
	}
	span.mu.Unlock()
	if ok {
		sess.state = importDead
	}
}

// HandleCancelBySender processes a CS segment: reply CAS, stop the
// import session if still known, and notify the client. This is the
// receiver's reaction to a sender-initiated cancel.
func (eng *Engine) HandleCancelBySender(span *Span, seg wire.Segment) {
	cas := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelAckByReceiver,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: seg.Header.SessionNumber,
	}}
	span.enqueueSegment(cas, true)

	span.mu.Lock()
	sess, ok := span.importSessions[seg.Header.SessionNumber]
	if ok {
		delete(span.importSessions, seg.Header.SessionNumber)
	}
	span.mu.Unlock()
	if !ok {
		return
	}
	for _, rec := range sess.reports {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	span.releaseInboundOccupancy(sess.occupancyHeld)
	sess.occupancyHeld = 0
	if sess.file != nil {
		sess.file.Close()
	}
	reason := reasonToError(seg)
	if eng.notifier != nil {
		eng.notifier.ImportSessionCanceled(span.cfg.EngineID, sess.SessionNbr, reason)
	}
}
