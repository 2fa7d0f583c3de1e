package linkservice

import "encoding/binary"

// frameLengthPrefix is the width, in bytes, of the big-endian length
// header placed ahead of every encoded segment.
const frameLengthPrefix = 4

func encodeFrame(segment []byte) []byte {
	out := make([]byte, frameLengthPrefix+len(segment))
	binary.BigEndian.PutUint32(out, uint32(len(segment)))
	copy(out[frameLengthPrefix:], segment)
	return out
}

// frameAssembler reassembles length-prefixed frames out of a byte stream
// that may arrive split or coalesced at arbitrary boundaries. Its buffer
// grows dynamically rather than dropping bytes past a fixed capacity: an
// LTP segment has no fixed maximum size, so silently truncating input
// would corrupt framing instead of merely losing one block.
type frameAssembler struct {
	buf     []byte
	readPos int
}

func newFrameAssembler() *frameAssembler {
	return &frameAssembler{buf: make([]byte, 0, 4096)}
}

// Feed appends newly arrived bytes and returns every complete frame now
// available, in arrival order. Each returned slice is a fresh copy, safe to
// retain past the next Feed call.
func (a *frameAssembler) Feed(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)
	var frames [][]byte
	for {
		frame, ok := a.tryExtract()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

func (a *frameAssembler) tryExtract() ([]byte, bool) {
	available := len(a.buf) - a.readPos
	if available < frameLengthPrefix {
		a.compact()
		return nil, false
	}
	length := binary.BigEndian.Uint32(a.buf[a.readPos : a.readPos+frameLengthPrefix])
	if available < frameLengthPrefix+int(length) {
		return nil, false
	}
	start := a.readPos + frameLengthPrefix
	end := start + int(length)
	frame := append([]byte(nil), a.buf[start:end]...)
	a.readPos = end
	a.compact()
	return frame, true
}

// compact drops already-consumed bytes once the assembler is fully drained,
// or once the consumed prefix has grown large, so a long-lived connection
// doesn't grow its backing array without bound.
func (a *frameAssembler) compact() {
	if a.readPos == 0 {
		return
	}
	if a.readPos == len(a.buf) {
		a.buf = a.buf[:0]
		a.readPos = 0
		return
	}
	if a.readPos > 4096 {
		a.buf = append(a.buf[:0], a.buf[a.readPos:]...)
		a.readPos = 0
	}
}
