package ltp

import (
	"fmt"
	"time"

	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

// exportState is an ExportSession's position in its lifecycle:
// Buffering -> Active -> AwaitingFinalAck -> Closed, with a separate
// Canceled -> AwaitingCA -> Dead cancel path.
type exportState uint8

const (
	exportBuffering exportState = iota
	exportActive
	exportAwaitingFinalAck
	exportClosed
	exportCanceled
	exportAwaitingCA
	exportDead
)

// checkpointRecord tracks one outstanding checkpoint: the extent it
// covers (for retransmission bookkeeping) and the scheduled resend
// event, if its timer is currently running.
type checkpointRecord struct {
	extent       Extent
	reportSerial uint64 // report serial this checkpoint answers, 0 if none
	timerEventID uint64
	timerArmed   bool
}

// ExportSession is the LTP sender side of one reliable/best-effort block
// transfer.
type ExportSession struct {
	SessionNbr   uint64
	SpanEngineID uint64

	sdus      []SDU
	blockData []byte // concatenated SDU payloads, retained until Closed for retransmission

	redPartLength uint64
	totalLength   uint64

	claims         []Extent // merged reception claims, ascending
	checkpoints    map[uint64]*checkpointRecord
	lastCkptSerial uint64

	eobSent  bool
	finalAck bool

	state      exportState
	reasonCode error

	startedAt time.Time
}

// StartExportSession allocates a new export session on span if a
// buffer-open semaphore slot is free. It does not check the span's local
// transmit rate, and neither does Engine.Submit.
func (eng *Engine) StartExportSession(span *Span) (*ExportSession, error) {
	if !span.acquireBufferOpen() {
		return nil, ErrBufferFull
	}
	span.mu.Lock()
	defer span.mu.Unlock()
	span.nextSessionNbr++
	sess := &ExportSession{
		SessionNbr:   span.nextSessionNbr,
		SpanEngineID: span.cfg.EngineID,
		checkpoints:  make(map[uint64]*checkpointRecord),
		state:        exportBuffering,
		startedAt:    eng.now(),
	}
	span.exportSessions[sess.SessionNbr] = sess
	eng.logger.Info("export session started", "engine", span.cfg.EngineID, "session", sess.SessionNbr)
	return sess, nil
}

// BufferSDU appends an application SDU to sess's pending block. Valid
// only while the session is still Buffering.
func (eng *Engine) BufferSDU(sess *ExportSession, sdu SDU) error {
	if sess.state != exportBuffering {
		return fmt.Errorf("ltp: session %d not buffering: %w", sess.SessionNbr, ErrSessionClosed)
	}
	sess.sdus = append(sess.sdus, sdu)
	sess.blockData = append(sess.blockData, sdu.Data...)
	return nil
}

// CloseExportBuffer ends aggregation and emits the block's initial
// segments. redLength is the byte count of the block's red (reliable)
// prefix; the remainder is sent green. redLength is clamped to the
// block's total size.
func (eng *Engine) CloseExportBuffer(span *Span, sess *ExportSession) error {
	if sess.state != exportBuffering {
		return fmt.Errorf("ltp: session %d not buffering: %w", sess.SessionNbr, ErrSessionClosed)
	}
	total := uint64(len(sess.blockData))
	if sess.redPartLength > total {
		sess.redPartLength = total
	}
	sess.totalLength = total
	sess.state = exportActive

	if total == 0 {
		return eng.emitExportSegments(span, sess, Extent{0, 0}, false)
	}
	return eng.emitExportSegments(span, sess, Extent{Offset: 0, Length: total}, false)
}

// SetRedLength fixes how much of the eventually-buffered block is red,
// before CloseExportBuffer is called (ION's ltp_open_export_session
// red-length argument, folded into this narrower API).
func (eng *Engine) SetRedLength(sess *ExportSession, redLength uint64) {
	sess.redPartLength = redLength
}

// emitExportSegments implements the segmentation loop for one
// Extent of the block (the whole block on first close, or a
// retransmitted gap after a report): split into wire-sized chunks,
// classify each as red or green, and mark EORP/EOB/checkpoint flags at
// the right boundaries.
func (eng *Engine) emitExportSegments(span *Span, sess *ExportSession, extent Extent, forceCheckpointOnLast bool) error {
	if extent.Length == 0 && sess.totalLength == 0 {
		// Pure empty block: nothing to segment, but the session must
		// still announce EOB so the far end can close out an empty
		// transfer.
		return eng.enqueueEmptyEOB(span, sess)
	}

	maxPayload := span.cfg.MaxSegmentSize - SegmentHeaderOverhead
	if maxPayload < 1 {
		maxPayload = 1
	}

	offset := extent.Offset
	end := extent.End()
	for offset < end {
		overlapsRed := offset < sess.redPartLength
		budget := maxPayload
		endsRed := overlapsRed && offset+uint64(budget) >= sess.redPartLength
		if endsRed {
			budget -= CheckpointOverhead
			if budget < 1 {
				budget = 1
			}
		}
		chunkEnd := offset + uint64(budget)
		if chunkEnd > end {
			chunkEnd = end
		}
		if overlapsRed && chunkEnd > sess.redPartLength {
			chunkEnd = sess.redPartLength
		}
		length := chunkEnd - offset
		isLastOfExtent := chunkEnd == end
		isEndOfRed := overlapsRed && chunkEnd == sess.redPartLength
		isEndOfBlock := chunkEnd == sess.totalLength

		var segType wire.SegmentType
		checkpoint := false
		switch {
		case overlapsRed && isEndOfRed && isEndOfBlock:
			segType, checkpoint = wire.TypeRedCheckpointEORPEOB, true
		case overlapsRed && isEndOfRed:
			segType, checkpoint = wire.TypeRedCheckpointEORP, true
		case overlapsRed && isLastOfExtent && forceCheckpointOnLast:
			segType, checkpoint = wire.TypeRedCheckpoint, true
		case overlapsRed:
			segType = wire.TypeRedData
		case isEndOfBlock:
			segType = wire.TypeGreenEOB
		default:
			segType = wire.TypeGreenData
		}

		data := &wire.DataContent{
			Offset: offset,
			Length: length,
			Data:   append([]byte(nil), sess.blockData[offset:chunkEnd]...),
		}
		if checkpoint {
			sess.lastCkptSerial++
			if sess.lastCkptSerial == 0 {
				return eng.cancelExport(span, sess, ErrSerialRollover)
			}
			data.CheckpointSerial = sess.lastCkptSerial
			sess.checkpoints[sess.lastCkptSerial] = &checkpointRecord{extent: Extent{Offset: offset, Length: length}}
		}

		seg := wire.Segment{Header: wire.Header{
			Type:          segType,
			SrcEngineID:   eng.localEngineID,
			SessionNumber: sess.SessionNbr,
		}, Data: data}
		span.enqueueSegment(seg, false)

		offset = chunkEnd
	}
	return nil
}

// enqueueEmptyEOB handles the degenerate zero-length block: a single
// green EOB segment with no content announces completion.
func (eng *Engine) enqueueEmptyEOB(span *Span, sess *ExportSession) error {
	seg := wire.Segment{Header: wire.Header{
		Type:          wire.TypeGreenEOB,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, Data: &wire.DataContent{Offset: 0, Length: 0, Data: nil}}
	span.enqueueSegment(seg, false)
	return nil
}

// OnCheckpointDequeued is called by the link-service output path
// (pkg/linkservice) whenever it dequeues a segment that is itself a
// checkpoint: it arms the resend timer, computing the expected segment
// arrival time and ack deadline from the neighbor's one-way light time
// and queuing delay.
func (eng *Engine) OnCheckpointDequeued(span *Span, sessionNbr, ckptSerial uint64) {
	span.mu.Lock()
	sess, ok := span.exportSessions[sessionNbr]
	span.mu.Unlock()
	if !ok {
		return
	}
	rec, ok := sess.checkpoints[ckptSerial]
	if !ok {
		return
	}
	nd := eng.neighborState(span)
	now := eng.now()
	radiationTime := time.Duration(float64(rec.extent.Length) / rateOrOne(nd.XmitRateBps) * float64(time.Second))
	segArrival := now.Add(radiationTime).Add(nd.OutboundOWLT).Add(span.cfg.OwnQtime / 2)
	ackDeadline := segArrival.Add(span.cfg.RemoteQtime).Add(nd.InboundOWLT).Add(span.cfg.OwnQtime / 2)

	ev := eng.wheel.Schedule(eventFor(resendCheckpoint, span.cfg.EngineID, sessionNbr, ckptSerial, ackDeadline, segArrival, span.cfg.RemoteQtime+nd.InboundOWLT+span.cfg.OwnQtime/2))
	rec.timerEventID = ev.ID
	rec.timerArmed = true
}

// OnEOBDequeued marks a session's block-ending segment as actually sent.
// The eobSent transition happens at dequeue time, and checkExportClose
// checks it together with the final-ack condition right here.
func (eng *Engine) OnEOBDequeued(span *Span, sessionNbr uint64) {
	span.mu.Lock()
	sess, ok := span.exportSessions[sessionNbr]
	span.mu.Unlock()
	if !ok {
		return
	}
	sess.eobSent = true
	eng.checkExportClose(span, sess)
}

// handleResendCheckpoint is the timer-wheel handler for retransmitting
// a checkpoint whose report-ack deadline passed unanswered.
func (eng *Engine) handleResendCheckpoint(span *Span, sessionNbr, serial uint64, expirationCount int) {
	span.mu.Lock()
	sess, ok := span.exportSessions[sessionNbr]
	span.mu.Unlock()
	if !ok {
		return
	}
	rec, ok := sess.checkpoints[serial]
	if !ok || !rec.timerArmed {
		return
	}
	if expirationCount >= MaxTimeouts {
		eng.cancelExport(span, sess, errRetransmitLimitExceeded)
		return
	}
	seg := wire.Segment{Header: wire.Header{
		Type:          redCheckpointTypeFor(rec.extent, sess),
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, Data: &wire.DataContent{
		Offset:           rec.extent.Offset,
		Length:           rec.extent.Length,
		CheckpointSerial: serial,
		ReportSerial:     rec.reportSerial,
		Data:             append([]byte(nil), sess.blockData[rec.extent.Offset:rec.extent.End()]...),
	}}
	span.enqueueSegment(seg, false)
}

func redCheckpointTypeFor(e Extent, sess *ExportSession) wire.SegmentType {
	endsRed := e.End() == sess.redPartLength
	endsBlock := e.End() == sess.totalLength
	switch {
	case endsRed && endsBlock:
		return wire.TypeRedCheckpointEORPEOB
	case endsRed:
		return wire.TypeRedCheckpointEORP
	default:
		return wire.TypeRedCheckpoint
	}
}

// HandleReport implements the "Report-segment (RS) handling"
// on the sender side of an export session.
func (eng *Engine) HandleReport(span *Span, seg wire.Segment) error {
	if seg.Report == nil {
		return nil
	}
	span.mu.Lock()
	sess, ok := span.exportSessions[seg.Header.SessionNumber]
	span.mu.Unlock()
	if !ok {
		return nil // unknown or already-closed session: drop silently
	}

	if rec, ok := sess.checkpoints[seg.Report.CheckpointSerial]; ok && seg.Report.CheckpointSerial != 0 {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
			rec.timerArmed = false
		}
	}

	for _, c := range seg.Report.Claims {
		abs := Extent{Offset: seg.Report.LowerBound + c.Offset, Length: c.Length}
		sess.claims = mergeExtent(sess.claims, abs)
	}

	// Always acknowledge the report, regardless of what it covers.
	ras := wire.Segment{Header: wire.Header{
		Type:          wire.TypeReportAck,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, ReportAck: &wire.ReportAckContent{ReportSerial: seg.Report.ReportSerial}}
	span.enqueueSegment(ras, true)

	if coversFully(sess.claims, 0, sess.redPartLength) {
		sess.finalAck = true
		eng.checkExportClose(span, sess)
		return nil
	}

	missing := gaps(sess.claims, seg.Report.LowerBound, seg.Report.UpperBound)
	for i, g := range missing {
		force := i == len(missing)-1
		if err := eng.emitExportSegments(span, sess, g, force); err != nil {
			return err
		}
	}
	if len(sess.checkpoints) > maxCheckpointsFor(span) {
		return eng.cancelExport(span, sess, errRetransmitLimitExceeded)
	}
	return nil
}

// maxCheckpointsFor bounds the number of checkpoints an export session
// may accumulate before its retransmission ladder is considered
// exhausted and the session is canceled.
func maxCheckpointsFor(span *Span) int {
	return MaxTimeouts * 4
}

// checkExportClose closes sess once both halves of its completion
// condition hold: the red part is fully acknowledged (or there is none)
// and the block's final segment has actually been dequeued for
// transmission. Both flags are checked together here on every RS and
// every EOB dequeue.
func (eng *Engine) checkExportClose(span *Span, sess *ExportSession) {
	if sess.state != exportActive && sess.state != exportAwaitingFinalAck {
		return
	}
	redDone := sess.redPartLength == 0 || sess.finalAck
	if !redDone {
		sess.state = exportAwaitingFinalAck
		return
	}
	if !sess.eobSent {
		sess.state = exportAwaitingFinalAck
		return
	}
	eng.closeExport(span, sess)
}

func (eng *Engine) closeExport(span *Span, sess *ExportSession) {
	for _, rec := range sess.checkpoints {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	sess.state = exportClosed
	span.mu.Lock()
	delete(span.exportSessions, sess.SessionNbr)
	span.mu.Unlock()
	span.releaseBufferOpen()
	if eng.notifier != nil {
		eng.notifier.ExportSessionComplete(span.cfg.EngineID, sess.SessionNbr, sess.sdus)
		eng.notifier.XmitComplete(span.cfg.EngineID, sess.SessionNbr)
	}
	eng.logger.Info("export session complete", "engine", span.cfg.EngineID, "session", sess.SessionNbr)
}

// Cancel implements sender-initiated cancellation of an active export
// session.
func (eng *Engine) Cancel(span *Span, sess *ExportSession, reason error) error {
	return eng.cancelExport(span, sess, reason)
}

func (eng *Engine) cancelExport(span *Span, sess *ExportSession, reason error) error {
	if sess.state == exportCanceled || sess.state == exportAwaitingCA || sess.state == exportDead {
		return nil
	}
	for _, rec := range sess.checkpoints {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	sess.state = exportCanceled
	sess.reasonCode = reason
	span.mu.Lock()
	delete(span.exportSessions, sess.SessionNbr)
	span.deadExports[sess.SessionNbr] = sess
	span.mu.Unlock()
	span.releaseBufferOpen()

	cs := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelBySender,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sess.SessionNbr,
	}, Cancel: &wire.CancelContent{Reason: toReasonCode(reason)}}
	span.enqueueSegment(cs, true)
	sess.state = exportAwaitingCA

	eng.wheel.Schedule(eventFor(resendXmitCancel, span.cfg.EngineID, sess.SessionNbr, 0, eng.now().Add(span.cfg.RemoteQtime+time.Second), time.Time{}, 0))
	return nil
}

func (eng *Engine) handleResendXmitCancel(span *Span, sessionNbr uint64, expirationCount int) {
	span.mu.Lock()
	sess, ok := span.deadExports[sessionNbr]
	span.mu.Unlock()
	if !ok || sess.state != exportAwaitingCA {
		return
	}
	if expirationCount >= MaxTimeouts {
		span.mu.Lock()
		delete(span.deadExports, sessionNbr)
		span.mu.Unlock()
		sess.state = exportDead
		return
	}
	cs := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelBySender,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: sessionNbr,
	}, Cancel: &wire.CancelContent{Reason: toReasonCode(sess.reasonCode)}}
	span.enqueueSegment(cs, true)
}

// HandleCancelAck processes a CAS segment arriving for a sender-canceled
// session: the session is freed outright.
func (eng *Engine) HandleCancelAck(span *Span, seg wire.Segment) {
	span.mu.Lock()
	sess, ok := span.deadExports[seg.Header.SessionNumber]
	if ok {
		delete(span.deadExports, seg.Header.SessionNumber)
	}
	span.mu.Unlock()
	if ok {
		sess.state = exportDead
	}
}

// HandleCancelByReceiver processes a CR segment arriving for a still-
// active export session: reply CAR, stop the session, notify the
// client.
func (eng *Engine) HandleCancelByReceiver(span *Span, seg wire.Segment) {
	car := wire.Segment{Header: wire.Header{
		Type:          wire.TypeCancelAckBySender,
		SrcEngineID:   eng.localEngineID,
		SessionNumber: seg.Header.SessionNumber,
	}}
	span.enqueueSegment(car, true)

	span.mu.Lock()
	sess, ok := span.exportSessions[seg.Header.SessionNumber]
	if ok {
		delete(span.exportSessions, seg.Header.SessionNumber)
	}
	span.mu.Unlock()
	if !ok {
		return
	}
	for _, rec := range sess.checkpoints {
		if rec.timerArmed {
			eng.wheel.Cancel(rec.timerEventID)
		}
	}
	span.releaseBufferOpen()
	reason := reasonToError(seg)
	if eng.notifier != nil {
		eng.notifier.ExportSessionCanceled(span.cfg.EngineID, sess.SessionNbr, reason)
	}
}

func reasonToError(seg wire.Segment) error {
	if seg.Cancel == nil {
		return errCancelByEngine
	}
	switch seg.Cancel.Reason {
	case wire.ReasonMiscoloredSegment:
		return errMiscoloredSegment
	case wire.ReasonRetransmitLimitExceeded:
		return errRetransmitLimitExceeded
	case wire.ReasonClientSvcUnreachable:
		return errClientSvcUnreachable
	case wire.ReasonInactivityDetected:
		return errInactivityDetected
	default:
		return errCancelByEngine
	}
}

func rateOrOne(rate uint64) float64 {
	if rate == 0 {
		return 1
	}
	return float64(rate)
}
