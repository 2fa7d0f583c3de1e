package ltp

import (
	"sort"
	"sync"

	"github.com/dtnstack/ioncore/internal/store"
	"github.com/dtnstack/ioncore/pkg/ltp/wire"
)

// Span is the per-remote-engine state: export/import session tables,
// the outbound segment FIFO, and the buffer-open semaphore a sender
// blocks on once MaxExportSessions is reached.
type Span struct {
	cfg SpanConfig

	mu              sync.Mutex
	exportSessions  map[uint64]*ExportSession
	importSessions  map[uint64]*ImportSession
	deadExports     map[uint64]*ExportSession
	deadImports     map[uint64]*ImportSession
	closedImports   []uint64 // strictly ascending
	nextSessionNbr  uint64

	segs     *store.List
	segStore *store.Store

	bufferOpen chan struct{} // semaphore: one slot per free export-session budget
	outputSig  chan struct{} // signalled whenever segments becomes non-empty

	inboundOccupancy uint64 // bytes currently held across all import sessions' stored red extents
}

// NewSpan creates span state for one remote engine. st may be nil, in
// which case the segment FIFO is kept purely in an in-process buntdb
// (":memory:") instance — still transactional, just not durable, which
// is adequate for spans the caller doesn't need to survive a restart.
func NewSpan(cfg SpanConfig, st *store.Store) *Span {
	if cfg.MaxExportSessions <= 0 {
		cfg.MaxExportSessions = 1
	}
	if st == nil {
		if mem, err := store.Open(":memory:", nil); err == nil {
			st = mem
		}
	}
	s := &Span{
		cfg:            cfg,
		exportSessions: make(map[uint64]*ExportSession),
		importSessions: make(map[uint64]*ImportSession),
		deadExports:    make(map[uint64]*ExportSession),
		deadImports:    make(map[uint64]*ImportSession),
		segStore:       st,
		bufferOpen:     make(chan struct{}, cfg.MaxExportSessions),
		outputSig:      make(chan struct{}, 1),
	}
	for i := 0; i < cfg.MaxExportSessions; i++ {
		s.bufferOpen <- struct{}{}
	}
	s.segs = store.NewPriorityList(spanSegPrefix(cfg.EngineID))
	return s
}

func spanSegPrefix(engineID uint64) string {
	return "ltp:segs:" + uintKey(engineID)
}

func uintKey(v uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[v&0xf]
		v >>= 4
	}
	return string(b)
}

// acquireBufferOpen models a sender task blocking on a per-span
// buffer-open semaphore; callers that cannot block synchronously should
// select on it themselves. This non-blocking form just reports whether a
// slot was free, matching Engine's synchronous Submit API.
func (s *Span) acquireBufferOpen() bool {
	select {
	case <-s.bufferOpen:
		return true
	default:
		return false
	}
}

func (s *Span) releaseBufferOpen() {
	select {
	case s.bufferOpen <- struct{}{}:
	default:
	}
}

// enqueueSegment appends (or, for control acks, priority-inserts) an
// encoded segment onto the span's outbound FIFO and signals the
// link-service output task. Acks are inserted before the first non-ack
// segment so they go out first.
func (s *Span) enqueueSegment(seg wire.Segment, priorityAck bool) {
	raw, err := wire.Encode(seg)
	if err != nil {
		return
	}
	if s.segStore != nil {
		_ = s.segStore.Update(func(tx *store.Tx) error {
			if priorityAck {
				_, err := s.segs.PushFront(tx, string(raw))
				return err
			}
			_, err := s.segs.PushBack(tx, string(raw))
			return err
		})
	}
	select {
	case s.outputSig <- struct{}{}:
	default:
	}
}

// OutputSignal exposes the per-span "segments available" semaphore the
// link-service output task blocks on.
func (s *Span) OutputSignal() <-chan struct{} { return s.outputSig }

// DequeueSegment pops the oldest (or highest-priority-inserted) encoded
// segment off the FIFO, decoding it for the caller.
func (s *Span) DequeueSegment() (wire.Segment, bool) {
	if s.segStore == nil {
		return wire.Segment{}, false
	}
	var raw string
	var key string
	_ = s.segStore.Update(func(tx *store.Tx) error {
		return s.segs.Each(tx, func(k, v string) bool {
			key, raw = k, v
			return false
		})
	})
	if key == "" {
		return wire.Segment{}, false
	}
	_ = s.segStore.Update(func(tx *store.Tx) error {
		return s.segs.Remove(tx, key)
	})
	seg, err := wire.Decode([]byte(raw))
	if err != nil {
		return wire.Segment{}, false
	}
	return seg, true
}

// recordClosedImport inserts sessionNbr into the ascending closed_imports
// sequence.
func (s *Span) recordClosedImport(sessionNbr uint64) {
	i := sort.Search(len(s.closedImports), func(i int) bool { return s.closedImports[i] >= sessionNbr })
	if i < len(s.closedImports) && s.closedImports[i] == sessionNbr {
		return
	}
	s.closedImports = append(s.closedImports, 0)
	copy(s.closedImports[i+1:], s.closedImports[i:])
	s.closedImports[i] = sessionNbr
}

// forgetClosedImport removes sessionNbr from closed_imports once its
// ForgetSession timer fires and the entry ages out.
func (s *Span) forgetClosedImport(sessionNbr uint64) {
	for i, n := range s.closedImports {
		if n == sessionNbr {
			s.closedImports = append(s.closedImports[:i], s.closedImports[i+1:]...)
			return
		}
	}
}

func (s *Span) isClosedImport(sessionNbr uint64) bool {
	i := sort.Search(len(s.closedImports), func(i int) bool { return s.closedImports[i] >= sessionNbr })
	return i < len(s.closedImports) && s.closedImports[i] == sessionNbr
}

// reserveInboundOccupancy admits n more bytes against the span's inbound
// ZCO occupancy limit, returning false (and reserving nothing) if doing so
// would exceed it. A zero-valued limit disables the check.
func (s *Span) reserveInboundOccupancy(n uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxInboundOccupancy > 0 && s.inboundOccupancy+n > s.cfg.MaxInboundOccupancy {
		return false
	}
	s.inboundOccupancy += n
	return true
}

// releaseInboundOccupancy gives back n bytes previously reserved, clamping
// at zero so a double-release can never underflow the counter.
func (s *Span) releaseInboundOccupancy(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.inboundOccupancy {
		n = s.inboundOccupancy
	}
	s.inboundOccupancy -= n
}
