package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRedDataNonCheckpoint(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeRedData, SrcEngineID: 7, SessionNumber: 42},
		Data: &DataContent{
			ClientServiceID: 1,
			Offset:          0,
			Length:          5,
			Data:            []byte("hello"),
		},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, TypeRedData, got.Header.Type)
	assert.EqualValues(t, 7, got.Header.SrcEngineID)
	assert.EqualValues(t, 42, got.Header.SessionNumber)
	require.NotNil(t, got.Data)
	assert.EqualValues(t, 1, got.Data.ClientServiceID)
	assert.EqualValues(t, 5, got.Data.Length)
	assert.Equal(t, []byte("hello"), got.Data.Data)
}

func TestRoundTripRedCheckpointEORPEOB(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeRedCheckpointEORPEOB, SrcEngineID: 1, SessionNumber: 1},
		Data: &DataContent{
			ClientServiceID:  2,
			Offset:           1000,
			Length:           3,
			CheckpointSerial: 9,
			ReportSerial:     0,
			Data:             []byte("abc"),
		},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, got.Header.Type.IsCheckpoint())
	assert.True(t, got.Header.Type.IsEORP())
	assert.True(t, got.Header.Type.IsEOB())
	require.NotNil(t, got.Data)
	assert.EqualValues(t, 9, got.Data.CheckpointSerial)
	assert.EqualValues(t, 1000, got.Data.Offset)
}

func TestRoundTripGreenEOB(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeGreenEOB, SrcEngineID: 3, SessionNumber: 5},
		Data: &DataContent{
			ClientServiceID: 1,
			Offset:          0,
			Length:          4,
			Data:            []byte("data"),
		},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, got.Header.Type.IsGreen())
	assert.True(t, got.Header.Type.IsEOB())
	assert.False(t, got.Header.Type.IsCheckpoint())
}

func TestRoundTripReportWithMultipleClaims(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeReport, SrcEngineID: 1, SessionNumber: 1},
		Report: &ReportContent{
			ReportSerial:     1,
			CheckpointSerial: 1,
			UpperBound:       1000,
			LowerBound:       0,
			Claims: []Claim{
				{Offset: 0, Length: 400},
				{Offset: 600, Length: 400},
			},
		},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Report)
	assert.EqualValues(t, 1000, got.Report.UpperBound)
	require.Len(t, got.Report.Claims, 2)
	assert.EqualValues(t, 600, got.Report.Claims[1].Offset)
	assert.EqualValues(t, 400, got.Report.Claims[1].Length)
}

func TestRoundTripReportAck(t *testing.T) {
	seg := Segment{
		Header:    Header{Type: TypeReportAck, SrcEngineID: 1, SessionNumber: 1},
		ReportAck: &ReportAckContent{ReportSerial: 3},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.ReportAck)
	assert.EqualValues(t, 3, got.ReportAck.ReportSerial)
}

func TestRoundTripCancelBySender(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeCancelBySender, SrcEngineID: 1, SessionNumber: 1},
		Cancel: &CancelContent{Reason: ReasonRetransmitLimitExceeded},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.NotNil(t, got.Cancel)
	assert.Equal(t, ReasonRetransmitLimitExceeded, got.Cancel.Reason)
}

func TestRoundTripCancelAckIsEmpty(t *testing.T) {
	seg := Segment{Header: Header{Type: TypeCancelAckByReceiver, SrcEngineID: 1, SessionNumber: 1}}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Nil(t, got.Cancel)
	assert.Nil(t, got.Data)
	assert.Equal(t, TypeCancelAckByReceiver, got.Header.Type)
}

func TestRoundTripHeaderExtensions(t *testing.T) {
	seg := Segment{
		Header: Header{
			Type: TypeRedData, SrcEngineID: 1, SessionNumber: 1,
			HeaderExtensions: []Extension{{Tag: 0x01, Value: []byte{0xaa, 0xbb}}},
		},
		Data: &DataContent{ClientServiceID: 1, Offset: 0, Length: 1, Data: []byte{0x42}},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, got.Header.HeaderExtensions, 1)
	assert.Equal(t, byte(0x01), got.Header.HeaderExtensions[0].Tag)
	assert.Equal(t, []byte{0xaa, 0xbb}, got.Header.HeaderExtensions[0].Value)
}

func TestDecodeRejectsNonZeroVersion(t *testing.T) {
	_, err := Decode([]byte{0x10})
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeRejectsZeroSessionNumber(t *testing.T) {
	seg := Segment{
		Header: Header{Type: TypeRedData, SrcEngineID: 1, SessionNumber: 1},
		Data:   &DataContent{ClientServiceID: 1, Offset: 0, Length: 1, Data: []byte{0x01}},
	}
	b, err := Encode(seg)
	require.NoError(t, err)

	// Byte 1 is the SDNV-encoded src engine id (1 byte, value 1); byte 2
	// starts the session number SDNV. Force it to zero.
	b[2] = 0x00

	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrZeroSession)
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestEncodeMissingContentErrors(t *testing.T) {
	_, err := Encode(Segment{Header: Header{Type: TypeRedData, SrcEngineID: 1, SessionNumber: 1}})
	assert.Error(t, err)
}
