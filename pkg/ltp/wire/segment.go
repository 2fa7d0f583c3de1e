// Package wire implements the bit-exact LTP segment codec: a byte-0
// version/type tag, SDNV-encoded header fields, optional header and
// trailer extensions, and a per-type content body.
package wire

import (
	"errors"
	"fmt"

	"github.com/dtnstack/ioncore/internal/sdnv"
)

// SegmentType is the 4-bit segment type code in byte 0 of every segment.
type SegmentType uint8

const (
	TypeRedData             SegmentType = 0
	TypeRedCheckpoint        SegmentType = 1
	TypeRedCheckpointEORP    SegmentType = 2
	TypeRedCheckpointEORPEOB SegmentType = 3
	TypeGreenData            SegmentType = 4
	TypeGreenEOB             SegmentType = 7
	TypeReport               SegmentType = 8
	TypeReportAck            SegmentType = 9
	TypeCancelBySender       SegmentType = 12
	TypeCancelAckByReceiver  SegmentType = 13
	TypeCancelByReceiver     SegmentType = 14
	TypeCancelAckBySender    SegmentType = 15
)

func (t SegmentType) String() string {
	switch t {
	case TypeRedData:
		return "RedData"
	case TypeRedCheckpoint:
		return "RedCheckpoint"
	case TypeRedCheckpointEORP:
		return "RedCheckpointEORP"
	case TypeRedCheckpointEORPEOB:
		return "RedCheckpointEORPEOB"
	case TypeGreenData:
		return "GreenData"
	case TypeGreenEOB:
		return "GreenEOB"
	case TypeReport:
		return "Report"
	case TypeReportAck:
		return "ReportAck"
	case TypeCancelBySender:
		return "CancelBySender"
	case TypeCancelAckByReceiver:
		return "CancelAckByReceiver"
	case TypeCancelByReceiver:
		return "CancelByReceiver"
	case TypeCancelAckBySender:
		return "CancelAckBySender"
	default:
		return fmt.Sprintf("SegmentType(%d)", uint8(t))
	}
}

// IsRed reports whether the segment type carries red-part data.
func (t SegmentType) IsRed() bool { return t <= TypeRedCheckpointEORPEOB }

// IsGreen reports whether the segment type carries green-part data.
func (t SegmentType) IsGreen() bool { return t == TypeGreenData || t == TypeGreenEOB }

// IsCheckpoint reports whether the segment carries a checkpoint serial.
func (t SegmentType) IsCheckpoint() bool {
	return t == TypeRedCheckpoint || t == TypeRedCheckpointEORP || t == TypeRedCheckpointEORPEOB
}

// IsEORP reports whether this segment is the end of the red part.
func (t SegmentType) IsEORP() bool {
	return t == TypeRedCheckpointEORP || t == TypeRedCheckpointEORPEOB
}

// IsEOB reports whether this segment is the end of the block.
func (t SegmentType) IsEOB() bool {
	return t == TypeRedCheckpointEORPEOB || t == TypeGreenEOB
}

// IsControl reports whether the segment is a control segment (report,
// report-ack, or one of the four cancel/cancel-ack variants).
func (t SegmentType) IsControl() bool { return t >= TypeReport }

// IsCancel reports whether the segment is one of the four cancel variants.
func (t SegmentType) IsCancel() bool {
	return t == TypeCancelBySender || t == TypeCancelAckByReceiver ||
		t == TypeCancelByReceiver || t == TypeCancelAckBySender
}

// CancelReason is the one-byte reason code carried by Cancel content.
type CancelReason byte

const (
	ReasonUserCancel              CancelReason = 0
	ReasonUnreachable              CancelReason = 1
	ReasonRetransmitLimitExceeded  CancelReason = 2
	ReasonMiscoloredSegment        CancelReason = 3
	ReasonSystemCancelled          CancelReason = 4
	ReasonCancelByEngine           CancelReason = 5
	ReasonClientSvcUnreachable     CancelReason = 6
	ReasonInactivityDetected       CancelReason = 7
)

// Decode errors.
var (
	ErrBadVersion    = errors.New("wire: segment version must be 0")
	ErrZeroSession   = errors.New("wire: session number must be non-zero")
	ErrTruncated     = errors.New("wire: segment truncated")
	ErrUnknownType   = errors.New("wire: unknown segment type")
	ErrContentLength = errors.New("wire: content shorter than declared length")
)

// Extension is one header or trailer extension block: a tag byte, an
// SDNV length, and that many bytes of value.
type Extension struct {
	Tag   byte
	Value []byte
}

// Header is the fixed preamble common to every segment.
type Header struct {
	Type              SegmentType
	SrcEngineID       uint64
	SessionNumber     uint64
	HeaderExtensions  []Extension
	TrailerExtensions []Extension
}

// DataContent is the body of a red or green data segment.
type DataContent struct {
	ClientServiceID  uint64
	Offset           uint64
	Length           uint64
	CheckpointSerial uint64 // only meaningful if the segment type IsCheckpoint
	ReportSerial     uint64 // the report this checkpoint is responding to, if any
	Data             []byte
}

// Claim is one reception claim in a Report segment: length bytes were
// received starting LowerBound+Offset bytes into the red part.
type Claim struct {
	Offset uint64
	Length uint64
}

// ReportContent is the body of a Report segment.
type ReportContent struct {
	ReportSerial     uint64
	CheckpointSerial uint64
	UpperBound       uint64
	LowerBound       uint64
	Claims           []Claim
}

// ReportAckContent is the body of a Report-ack segment.
type ReportAckContent struct {
	ReportSerial uint64
}

// CancelContent is the body of a CS/CR cancel segment.
type CancelContent struct {
	Reason CancelReason
}

// Segment is a fully decoded LTP segment. Exactly one of Data, Report,
// ReportAck, or Cancel is non-nil, except for the two cancel-ack types,
// whose content is empty (neither field set).
type Segment struct {
	Header    Header
	Data      *DataContent
	Report    *ReportContent
	ReportAck *ReportAckContent
	Cancel    *CancelContent
}

// Encode serializes seg into its bit-exact wire form.
func Encode(seg Segment) ([]byte, error) {
	if len(seg.Header.HeaderExtensions) > 15 || len(seg.Header.TrailerExtensions) > 15 {
		return nil, fmt.Errorf("wire: too many extensions (max 15 header, 15 trailer)")
	}
	out := make([]byte, 0, 64)
	out = append(out, byte(seg.Header.Type)&0x0f) // version 0
	out = sdnv.Encode(out, seg.Header.SrcEngineID)
	out = sdnv.Encode(out, seg.Header.SessionNumber)
	out = append(out, byte(len(seg.Header.HeaderExtensions)<<4)|byte(len(seg.Header.TrailerExtensions)))

	out = encodeExtensions(out, seg.Header.HeaderExtensions)

	var err error
	out, err = encodeContent(out, seg)
	if err != nil {
		return nil, err
	}

	out = encodeExtensions(out, seg.Header.TrailerExtensions)
	return out, nil
}

func encodeExtensions(out []byte, exts []Extension) []byte {
	for _, e := range exts {
		out = append(out, e.Tag)
		out = sdnv.Encode(out, uint64(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out
}

func encodeContent(out []byte, seg Segment) ([]byte, error) {
	t := seg.Header.Type
	switch {
	case t.IsRed() || t.IsGreen():
		if seg.Data == nil {
			return nil, fmt.Errorf("wire: %s segment missing data content", t)
		}
		d := seg.Data
		out = sdnv.Encode(out, d.ClientServiceID)
		out = sdnv.Encode(out, d.Offset)
		out = sdnv.Encode(out, d.Length)
		if t.IsCheckpoint() {
			out = sdnv.Encode(out, d.CheckpointSerial)
			out = sdnv.Encode(out, d.ReportSerial)
		}
		out = append(out, d.Data...)
		return out, nil

	case t == TypeReport:
		if seg.Report == nil {
			return nil, errors.New("wire: report segment missing content")
		}
		r := seg.Report
		out = sdnv.Encode(out, r.ReportSerial)
		out = sdnv.Encode(out, r.CheckpointSerial)
		out = sdnv.Encode(out, r.UpperBound)
		out = sdnv.Encode(out, r.LowerBound)
		out = sdnv.Encode(out, uint64(len(r.Claims)))
		for _, c := range r.Claims {
			out = sdnv.Encode(out, c.Offset)
			out = sdnv.Encode(out, c.Length)
		}
		return out, nil

	case t == TypeReportAck:
		if seg.ReportAck == nil {
			return nil, errors.New("wire: report-ack segment missing content")
		}
		out = sdnv.Encode(out, seg.ReportAck.ReportSerial)
		return out, nil

	case t.IsCancel() && (t == TypeCancelBySender || t == TypeCancelByReceiver):
		if seg.Cancel == nil {
			return nil, errors.New("wire: cancel segment missing content")
		}
		out = append(out, byte(seg.Cancel.Reason))
		return out, nil

	case t == TypeCancelAckByReceiver || t == TypeCancelAckBySender:
		return out, nil

	default:
		return nil, ErrUnknownType
	}
}

// Decode parses one segment from buf. buf must contain exactly one
// segment (the caller is responsible for framing; link-service framing
// is out of scope for the wire format itself).
func Decode(buf []byte) (Segment, error) {
	if len(buf) < 1 {
		return Segment{}, ErrTruncated
	}
	version := buf[0] >> 4
	if version != 0 {
		return Segment{}, ErrBadVersion
	}
	segType := SegmentType(buf[0] & 0x0f)
	pos := 1

	engineID, n, err := sdnv.Decode(buf[pos:])
	if err != nil {
		return Segment{}, err
	}
	pos += n

	sessionNumber, n, err := sdnv.Decode(buf[pos:])
	if err != nil {
		return Segment{}, err
	}
	if sessionNumber == 0 {
		return Segment{}, ErrZeroSession
	}
	pos += n

	if pos >= len(buf) {
		return Segment{}, ErrTruncated
	}
	headerExtCount := int(buf[pos] >> 4)
	trailerExtCount := int(buf[pos] & 0x0f)
	pos++

	headerExts, n, err := decodeExtensions(buf[pos:], headerExtCount)
	if err != nil {
		return Segment{}, err
	}
	pos += n

	seg := Segment{Header: Header{
		Type:             segType,
		SrcEngineID:      engineID,
		SessionNumber:    sessionNumber,
		HeaderExtensions: headerExts,
	}}

	n, err = decodeContent(buf[pos:], segType, &seg)
	if err != nil {
		return Segment{}, err
	}
	pos += n

	trailerExts, n, err := decodeExtensions(buf[pos:], trailerExtCount)
	if err != nil {
		return Segment{}, err
	}
	pos += n
	seg.Header.TrailerExtensions = trailerExts

	return seg, nil
}

func decodeExtensions(buf []byte, count int) ([]Extension, int, error) {
	if count == 0 {
		return nil, 0, nil
	}
	exts := make([]Extension, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos >= len(buf) {
			return nil, 0, ErrTruncated
		}
		tag := buf[pos]
		pos++
		length, n, err := sdnv.Decode(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		if pos+int(length) > len(buf) {
			return nil, 0, ErrTruncated
		}
		value := make([]byte, length)
		copy(value, buf[pos:pos+int(length)])
		pos += int(length)
		exts = append(exts, Extension{Tag: tag, Value: value})
	}
	return exts, pos, nil
}

func decodeContent(buf []byte, t SegmentType, seg *Segment) (int, error) {
	pos := 0
	readSDNV := func() (uint64, error) {
		v, n, err := sdnv.Decode(buf[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
		return v, nil
	}

	switch {
	case t.IsRed() || t.IsGreen():
		clientSvc, err := readSDNV()
		if err != nil {
			return 0, err
		}
		offset, err := readSDNV()
		if err != nil {
			return 0, err
		}
		length, err := readSDNV()
		if err != nil {
			return 0, err
		}
		d := &DataContent{ClientServiceID: clientSvc, Offset: offset, Length: length}
		if t.IsCheckpoint() {
			ckpt, err := readSDNV()
			if err != nil {
				return 0, err
			}
			rpt, err := readSDNV()
			if err != nil {
				return 0, err
			}
			d.CheckpointSerial = ckpt
			d.ReportSerial = rpt
		}
		if pos+int(length) > len(buf) {
			return 0, ErrContentLength
		}
		d.Data = make([]byte, length)
		copy(d.Data, buf[pos:pos+int(length)])
		pos += int(length)
		seg.Data = d
		return pos, nil

	case t == TypeReport:
		serial, err := readSDNV()
		if err != nil {
			return 0, err
		}
		ckpt, err := readSDNV()
		if err != nil {
			return 0, err
		}
		upper, err := readSDNV()
		if err != nil {
			return 0, err
		}
		lower, err := readSDNV()
		if err != nil {
			return 0, err
		}
		count, err := readSDNV()
		if err != nil {
			return 0, err
		}
		claims := make([]Claim, 0, count)
		for i := uint64(0); i < count; i++ {
			off, err := readSDNV()
			if err != nil {
				return 0, err
			}
			ln, err := readSDNV()
			if err != nil {
				return 0, err
			}
			claims = append(claims, Claim{Offset: off, Length: ln})
		}
		seg.Report = &ReportContent{
			ReportSerial: serial, CheckpointSerial: ckpt,
			UpperBound: upper, LowerBound: lower, Claims: claims,
		}
		return pos, nil

	case t == TypeReportAck:
		serial, err := readSDNV()
		if err != nil {
			return 0, err
		}
		seg.ReportAck = &ReportAckContent{ReportSerial: serial}
		return pos, nil

	case t == TypeCancelBySender || t == TypeCancelByReceiver:
		if len(buf) < 1 {
			return 0, ErrTruncated
		}
		seg.Cancel = &CancelContent{Reason: CancelReason(buf[0])}
		return 1, nil

	case t == TypeCancelAckByReceiver || t == TypeCancelAckBySender:
		return 0, nil

	default:
		return 0, ErrUnknownType
	}
}
