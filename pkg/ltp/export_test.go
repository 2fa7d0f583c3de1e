package ltp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtnstack/ioncore/internal/store"
	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

func newTestSpan(t *testing.T, eng *Engine, cfg SpanConfig) *Span {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return eng.AddSpan(cfg, st)
}

// Boundary: a session with red_part_length = 0 closes on EOB +
// XmitComplete alone.
func TestExportPureGreenClosesOnEOBAlone(t *testing.T) {
	notifier := &fakeNotifier{}
	eng := NewEngine(1, nil, notifier, nil)
	span := newTestSpan(t, eng, DefaultSpanConfig(2))

	sess, err := eng.StartExportSession(span)
	require.NoError(t, err)
	require.NoError(t, eng.BufferSDU(sess, SDU{ID: 1, Data: []byte("hello")}))
	require.NoError(t, eng.CloseExportBuffer(span, sess))

	seg, ok := span.DequeueSegment()
	require.True(t, ok)
	assert.Equal(t, wire.TypeGreenEOB, seg.Header.Type)

	assert.Empty(t, notifier.exportComplete, "must wait for the segment to actually be dequeued/sent")
	eng.OnEOBDequeued(span, sess.SessionNbr)

	require.Len(t, notifier.exportComplete, 1)
	assert.Equal(t, sess.SessionNbr, notifier.exportComplete[0])
	require.Len(t, notifier.xmitComplete, 1)
}

// Boundary: a session with total_length = red_part_length closes on the
// first full-coverage RS.
func TestExportFullyRedClosesOnFirstFullCoverageReport(t *testing.T) {
	notifier := &fakeNotifier{}
	eng := NewEngine(1, nil, notifier, nil)
	span := newTestSpan(t, eng, DefaultSpanConfig(2))

	data := []byte("reliable-payload")
	sess, err := eng.StartExportSession(span)
	require.NoError(t, err)
	eng.SetRedLength(sess, uint64(len(data)))
	require.NoError(t, eng.BufferSDU(sess, SDU{ID: 1, Data: data}))
	require.NoError(t, eng.CloseExportBuffer(span, sess))

	seg, ok := span.DequeueSegment()
	require.True(t, ok)
	require.Equal(t, wire.TypeRedCheckpointEORPEOB, seg.Header.Type)
	eng.OnCheckpointDequeued(span, sess.SessionNbr, seg.Data.CheckpointSerial)
	eng.OnEOBDequeued(span, sess.SessionNbr)

	report := wire.Segment{
		Header: wire.Header{Type: wire.TypeReport, SrcEngineID: 2, SessionNumber: sess.SessionNbr},
		Report: &wire.ReportContent{
			ReportSerial:     1,
			CheckpointSerial: seg.Data.CheckpointSerial,
			LowerBound:       0,
			UpperBound:       uint64(len(data)),
			Claims:           []wire.Claim{{Offset: 0, Length: uint64(len(data))}},
		},
	}
	require.NoError(t, eng.HandleReport(span, report))

	ras, ok := span.DequeueSegment()
	require.True(t, ok)
	assert.Equal(t, wire.TypeReportAck, ras.Header.Type)
	assert.Equal(t, uint64(1), ras.ReportAck.ReportSerial)

	require.Len(t, notifier.exportComplete, 1)
	assert.Equal(t, sess.SessionNbr, notifier.exportComplete[0])
}

func TestExportBufferFullWhenNoSlotsAvailable(t *testing.T) {
	notifier := &fakeNotifier{}
	eng := NewEngine(1, nil, notifier, nil)
	cfg := DefaultSpanConfig(2)
	cfg.MaxExportSessions = 1
	span := newTestSpan(t, eng, cfg)

	_, err := eng.StartExportSession(span)
	require.NoError(t, err)
	_, err = eng.StartExportSession(span)
	assert.ErrorIs(t, err, ErrBufferFull)
}

// A non-final report's gap is retransmitted as a new checkpoint whose
// serial advances past the first.
func TestHandleReportRetransmitsGapAsNewCheckpoint(t *testing.T) {
	notifier := &fakeNotifier{}
	eng := NewEngine(1, nil, notifier, nil)
	span := newTestSpan(t, eng, DefaultSpanConfig(2))

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	sess, err := eng.StartExportSession(span)
	require.NoError(t, err)
	eng.SetRedLength(sess, uint64(len(data)))
	require.NoError(t, eng.BufferSDU(sess, SDU{ID: 1, Data: data}))
	require.NoError(t, eng.CloseExportBuffer(span, sess))

	first, ok := span.DequeueSegment()
	require.True(t, ok)
	require.Equal(t, wire.TypeRedCheckpointEORPEOB, first.Header.Type)
	eng.OnCheckpointDequeued(span, sess.SessionNbr, first.Data.CheckpointSerial)
	eng.OnEOBDequeued(span, sess.SessionNbr)

	// Receiver only saw [500,1000): report claims that half, leaving [0,500)
	// a gap.
	report := wire.Segment{
		Header: wire.Header{Type: wire.TypeReport, SrcEngineID: 2, SessionNumber: sess.SessionNbr},
		Report: &wire.ReportContent{
			ReportSerial:     10,
			CheckpointSerial: first.Data.CheckpointSerial,
			LowerBound:       0,
			UpperBound:       1000,
			Claims:           []wire.Claim{{Offset: 500, Length: 500}},
		},
	}
	require.NoError(t, eng.HandleReport(span, report))

	ras, ok := span.DequeueSegment()
	require.True(t, ok)
	assert.Equal(t, wire.TypeReportAck, ras.Header.Type)

	resend, ok := span.DequeueSegment()
	require.True(t, ok)
	require.NotNil(t, resend.Data)
	assert.Equal(t, uint64(0), resend.Data.Offset)
	assert.Equal(t, uint64(500), resend.Data.Length)
	assert.Equal(t, uint64(2), resend.Data.CheckpointSerial, "second checkpoint in the session")
	assert.Equal(t, data[0:500], resend.Data.Data)

	assert.Empty(t, notifier.exportComplete, "not done until the retransmitted half is acknowledged")

	eng.OnCheckpointDequeued(span, sess.SessionNbr, resend.Data.CheckpointSerial)
	final := wire.Segment{
		Header: wire.Header{Type: wire.TypeReport, SrcEngineID: 2, SessionNumber: sess.SessionNbr},
		Report: &wire.ReportContent{
			ReportSerial:     11,
			CheckpointSerial: resend.Data.CheckpointSerial,
			LowerBound:       0,
			UpperBound:       1000,
			Claims:           []wire.Claim{{Offset: 0, Length: 1000}},
		},
	}
	require.NoError(t, eng.HandleReport(span, final))
	require.Len(t, notifier.exportComplete, 1)
}

func TestCancelExportStopsTimersAndQueuesCancelBySender(t *testing.T) {
	notifier := &fakeNotifier{}
	eng := NewEngine(1, nil, notifier, nil)
	span := newTestSpan(t, eng, DefaultSpanConfig(2))

	sess, err := eng.StartExportSession(span)
	require.NoError(t, err)
	eng.SetRedLength(sess, 4)
	require.NoError(t, eng.BufferSDU(sess, SDU{ID: 1, Data: []byte("data")}))
	require.NoError(t, eng.CloseExportBuffer(span, sess))
	seg, ok := span.DequeueSegment()
	require.True(t, ok)
	eng.OnCheckpointDequeued(span, sess.SessionNbr, seg.Data.CheckpointSerial)

	require.NoError(t, eng.Cancel(span, sess, errRetransmitLimitExceeded))

	cs, ok := span.DequeueSegment()
	require.True(t, ok)
	assert.Equal(t, wire.TypeCancelBySender, cs.Header.Type)
	assert.Equal(t, wire.ReasonRetransmitLimitExceeded, cs.Cancel.Reason)

	_, stillActive := span.exportSessions[sess.SessionNbr]
	assert.False(t, stillActive)

	cas := wire.Segment{Header: wire.Header{Type: wire.TypeCancelAckByReceiver, SrcEngineID: 2, SessionNumber: sess.SessionNbr}}
	eng.HandleCancelAck(span, cas)
	_, stillDead := span.deadExports[sess.SessionNbr]
	assert.False(t, stillDead)
}
