// Package ltp implements the LTP reliable session engine: per-span
// export/import session tables (LST), the segment state machine that
// drives them (LPSM), and the span-level wiring that ties both to the
// timer wheel and a link-service boundary.
package ltp

import (
	"math"
	"time"
)

// MaxTimeouts bounds how many times any single resend timer (checkpoint,
// report, xmit-cancel, recv-cancel) may fire before its session is
// escalated to cancellation.
const MaxTimeouts = 5

// MaxClaimsPerReport is the most reception claims a single report
// segment carries before the reporter chains to a follow-on report.
const MaxClaimsPerReport = 20

// SegmentHeaderOverhead is a conservative estimate of the non-content
// bytes (version/type byte, SDNV engine id + session number, extension
// count byte) every segment carries on the wire, used to size the
// max-payload-per-segment budget for segmentation.
const SegmentHeaderOverhead = 16

// CheckpointOverhead is the additional bytes a checkpoint's two SDNV
// fields (ckpt_serial, rpt_serial) add over a plain data segment.
const CheckpointOverhead = 16

// Extent is a contiguous byte range within a block, used for both
// outbound segmentation and inbound reception-claim/gap bookkeeping.
type Extent struct {
	Offset uint64
	Length uint64
}

// End returns the exclusive end of the extent.
func (e Extent) End() uint64 { return e.Offset + e.Length }

// Overlaps reports whether e and o share any byte.
func (e Extent) Overlaps(o Extent) bool {
	return e.Offset < o.End() && o.Offset < e.End()
}

// SpanConfig holds the per-span options governing one LTP span.
type SpanConfig struct {
	EngineID            uint64
	MaxExportSessions    int
	MaxImportSessions    int
	MaxSegmentSize       int
	AggrSizeLimit        uint64
	AggrTimeLimit        time.Duration
	OwnQtime             time.Duration
	RemoteQtime          time.Duration
	ErrorsPerByte        float64
	EnforceSchedule      bool
	MaxAcqInHeap         uint64
	MaxInboundOccupancy  uint64
	Purge                bool
}

// DefaultSpanConfig returns reasonable defaults; callers override fields
// from their own loaded configuration (pkg/config).
func DefaultSpanConfig(engineID uint64) SpanConfig {
	return SpanConfig{
		EngineID:            engineID,
		MaxExportSessions:   10,
		MaxImportSessions:   10,
		MaxSegmentSize:      1400,
		AggrSizeLimit:       64 * 1024,
		AggrTimeLimit:       time.Second,
		OwnQtime:            time.Second,
		RemoteQtime:         time.Second,
		ErrorsPerByte:       1e-9,
		MaxAcqInHeap:        1 << 20,
		MaxInboundOccupancy: 8 << 20,
	}
}

// typicalSegmentSize is the content-bearing estimate getMaxReports uses
// when a span hasn't yet negotiated an actual segment size for this
// block.
func typicalSegmentSize(cfg SpanConfig) uint64 {
	size := cfg.MaxSegmentSize - SegmentHeaderOverhead - CheckpointOverhead
	if size < 1 {
		size = 1
	}
	return uint64(size)
}

// getMaxReports implements the iterative report-count
// estimate: repeatedly estimate how many segments of redPartLength bytes
// will be lost to the configured bit-error-rate, add the report segments
// needed to carry that many claims, and repeat with the lost volume
// until it converges to under one lost segment. A minimum of 2 reports
// is always allowed.
func getMaxReports(redPartLength uint64, segmentSize uint64, errorsPerByte float64) int {
	if segmentSize == 0 {
		segmentSize = 1
	}
	reports := 0
	xmitBytes := float64(redPartLength)
	for {
		lostSegments := errorsPerByte * float64(segmentSize) * (xmitBytes / float64(segmentSize))
		if lostSegments < 1 {
			break
		}
		reports += int(math.Ceil(lostSegments / float64(MaxClaimsPerReport-1)))
		xmitBytes = lostSegments * float64(segmentSize)
	}
	if reports < 2 {
		reports = 2
	}
	return reports
}

// SDU is one service data unit an application submits for export, or
// that an import session delivers up on completion. Application-payload
// semantics are out of scope; this is the boundary type.
type SDU struct {
	ID   uint64
	Data []byte
}

// Notifier receives the session-level outcomes a client service is told
// about (never individual wire errors). A nil Notifier is valid;
// notifications are then dropped.
type Notifier interface {
	RecvRedPart(spanEngineID, sessionNbr uint64, data []byte, endOfBlock bool)
	RecvGreenSegment(spanEngineID, sessionNbr uint64, data []byte, endOfBlock bool)
	ExportSessionComplete(spanEngineID, sessionNbr uint64, sdus []SDU)
	ExportSessionCanceled(spanEngineID, sessionNbr uint64, reason error)
	ImportSessionComplete(spanEngineID, sessionNbr uint64)
	ImportSessionCanceled(spanEngineID, sessionNbr uint64, reason error)
	XmitComplete(spanEngineID, sessionNbr uint64)
}
