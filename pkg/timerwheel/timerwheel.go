// Package timerwheel implements the Timer Wheel (TW): a single ordered
// timeline of scheduled events, dispatched once per tick, that can
// suspend and resume timers as a span's local transmit rate drops to
// zero and comes back.
package timerwheel

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType identifies what a timeline Event does when it fires.
type EventType uint8

const (
	ResendCheckpoint EventType = iota
	ResendReport
	ResendXmitCancel
	ResendRecvCancel
	ForgetSession
	StartXmit
	StopXmit
	StartRecv
	StopRecv
	StartFire
	StopFire
	StartRange
	StopRange
	PurgeContact
)

// TimerState is the Running/Suspended lifecycle of a retransmission timer
// (the Suspend/Resume). Contact-plan events (StartXmit, ...)
// never suspend — only the per-segment resend timers do.
type TimerState uint8

const (
	StateRunning TimerState = iota
	StateSuspended
)

// Event is one scheduled timeline entry. SpanNbr and SessionNbr identify
// what the event concerns; Serial carries a checkpoint or report serial
// number when Type needs one. SegArrivalTime and Qtime are only set for
// the four Resend* event types and are what Suspend/Resume act on.
type Event struct {
	ID            uint64
	ScheduledTime time.Time
	Type          EventType
	SpanNbr       uint64
	SessionNbr    uint64
	Serial        uint64

	State          TimerState
	SegArrivalTime time.Time
	Qtime          time.Duration
}

func (e *Event) isResend() bool {
	switch e.Type {
	case ResendCheckpoint, ResendReport, ResendXmitCancel, ResendRecvCancel:
		return true
	default:
		return false
	}
}

// Handler is invoked once per due event, after Tick has released the
// wheel's lock. It may call Schedule to enqueue follow-on events.
type Handler func(e *Event)

// Wheel is the process-wide ordered timeline. All methods are safe for
// concurrent use; Tick collects due events under the lock and runs their
// handlers only after releasing it.
type Wheel struct {
	mu       sync.Mutex
	logger   *logrus.Entry
	nextID   uint64
	events   []*Event // kept sorted ascending by ScheduledTime
	handlers map[EventType]Handler
}

// New returns an empty timer wheel.
func New(logger *logrus.Entry) *Wheel {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Wheel{
		logger:   logger.WithField("component", "timerwheel"),
		handlers: make(map[EventType]Handler),
	}
}

// OnEvent registers the handler invoked for every dispatched event of the
// given type. Registering twice for the same type replaces the handler.
func (w *Wheel) OnEvent(t EventType, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

func (w *Wheel) insertSorted(e *Event) {
	i := sort.Search(len(w.events), func(i int) bool {
		return w.events[i].ScheduledTime.After(e.ScheduledTime)
	})
	w.events = append(w.events, nil)
	copy(w.events[i+1:], w.events[i:])
	w.events[i] = e
}

// Schedule enqueues a new timeline event and returns it so the caller can
// later Cancel it or hand it to Suspend.
func (w *Wheel) Schedule(e Event) *Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	e.ID = w.nextID
	e.State = StateRunning
	ev := &e
	w.insertSorted(ev)
	return ev
}

// Cancel removes a pending event from the timeline, if still present.
// Returns false if the event already fired or was never scheduled.
func (w *Wheel) Cancel(id uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, e := range w.events {
		if e.ID == id {
			w.events = append(w.events[:i], w.events[i+1:]...)
			return true
		}
	}
	return false
}

// Tick pops every event due at or before now, in time order, and runs its
// handler. Handlers may enqueue new events; those are only eligible on a
// later Tick even if their ScheduledTime has already passed, matching
// the "pop all events ... execute handler ... handlers may
// enqueue new events" dispatch description.
func (w *Wheel) Tick(now time.Time) {
	w.mu.Lock()
	var due []*Event
	i := 0
	for i < len(w.events) && !w.events[i].ScheduledTime.After(now) {
		i++
	}
	due, w.events = w.events[:i], w.events[i:]
	handlers := make(map[EventType]Handler, len(w.handlers))
	for k, v := range w.handlers {
		handlers[k] = v
	}
	w.mu.Unlock()

	for _, e := range due {
		h, ok := handlers[e.Type]
		if !ok {
			w.logger.WithField("type", e.Type).Warn("no handler registered for due event")
			continue
		}
		h(e)
	}
}

// Suspend transitions every Running resend timer belonging to spanNbr
// whose SegArrivalTime+Qtime has not yet elapsed at suspendTime to
// Suspended, pulling its event off the timeline.
func (w *Wheel) Suspend(spanNbr uint64, suspendTime time.Time) []*Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var kept []*Event
	var suspended []*Event
	for _, e := range w.events {
		if e.SpanNbr == spanNbr && e.isResend() && e.State == StateRunning &&
			!e.SegArrivalTime.Add(e.Qtime).Before(suspendTime) {
			e.State = StateSuspended
			suspended = append(suspended, e)
			continue
		}
		kept = append(kept, e)
	}
	w.events = kept
	return suspended
}

// Resume extends every Suspended timer for spanNbr by the elapsed
// suspension, transitions it back to Running, and re-inserts its event
// at the extended ScheduledTime.
func (w *Wheel) Resume(spanNbr uint64, resumeTime time.Time, suspended []*Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range suspended {
		if e.SpanNbr != spanNbr {
			continue
		}
		elapsed := resumeTime.Sub(e.SegArrivalTime.Add(e.Qtime))
		if elapsed < 0 {
			elapsed = 0
		}
		e.ScheduledTime = e.ScheduledTime.Add(elapsed)
		e.State = StateRunning
		w.insertSorted(e)
	}
}

// Len reports how many events are currently on the timeline (tests and
// diagnostics only).
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}
