package contactplan

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NeighborState is the live view of one neighbor: the data rates and
// light times currently in effect, derived from whichever contact/range
// is active right now.
type NeighborState struct {
	Nbr           uint64
	XmitRateBps   uint64        // current outbound rate, 0 if no active contact
	RecvRateBps   uint64        // current inbound rate, 0 if none
	OutboundOWLT  time.Duration // light time on the link we transmit over
	InboundOWLT   time.Duration
	ActiveOutCtct *Key
	ActiveInCtct  *Key
}

// Directory is the Neighbor Directory: mutated by contact-start/contact-
// stop events dispatched from the timer wheel, read by CGR (for arrival-
// time evaluation) and by LTP (for timer math: own/remote qtime, owlt).
type Directory struct {
	mu      sync.RWMutex
	logger  *logrus.Entry
	byNbr   map[uint64]*NeighborState
}

// NewDirectory creates an empty neighbor directory.
func NewDirectory(logger *logrus.Entry) *Directory {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Directory{
		logger: logger.WithField("component", "nd"),
		byNbr:  make(map[uint64]*NeighborState),
	}
}

func (d *Directory) entry(nbr uint64) *NeighborState {
	ns, ok := d.byNbr[nbr]
	if !ok {
		ns = &NeighborState{Nbr: nbr}
		d.byNbr[nbr] = ns
	}
	return ns
}

// OnContactStart updates the directory when an outbound or inbound contact
// becomes active. owlt is the range's one-way light time in the direction
// of travel; pass it for both StartXmit (outbound) and StartRecv
// (inbound) events.
func (d *Directory) OnContactStart(c Contact, owlt time.Duration, outbound bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := c.Key()
	if outbound {
		ns := d.entry(c.ToNode)
		ns.XmitRateBps = c.XmitRateBps
		ns.OutboundOWLT = owlt
		ns.ActiveOutCtct = &key
	} else {
		ns := d.entry(c.FromNode)
		ns.RecvRateBps = c.XmitRateBps
		ns.InboundOWLT = owlt
		ns.ActiveInCtct = &key
	}
	d.logger.WithFields(logrus.Fields{
		"neighbor": key.String(),
		"outbound": outbound,
	}).Debug("contact started")
}

// OnContactStop clears the rate for the side of the neighbor (outbound or
// inbound) the contact in question served, but only if it was in fact the
// active one (a stale StopXmit for a contact that was already superseded
// is a no-op).
func (d *Directory) OnContactStop(c Contact, outbound bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := c.Key()
	if outbound {
		ns, ok := d.byNbr[c.ToNode]
		if !ok || ns.ActiveOutCtct == nil || *ns.ActiveOutCtct != key {
			return
		}
		ns.XmitRateBps = 0
		ns.ActiveOutCtct = nil
	} else {
		ns, ok := d.byNbr[c.FromNode]
		if !ok || ns.ActiveInCtct == nil || *ns.ActiveInCtct != key {
			return
		}
		ns.RecvRateBps = 0
		ns.ActiveInCtct = nil
	}
	d.logger.WithFields(logrus.Fields{
		"neighbor": key.String(),
		"outbound": outbound,
	}).Debug("contact stopped")
}

// Get returns the current state for nbr, or the zero state if unknown.
func (d *Directory) Get(nbr uint64) NeighborState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if ns, ok := d.byNbr[nbr]; ok {
		return *ns
	}
	return NeighborState{Nbr: nbr}
}

// XmitRate returns the current outbound transmit rate to nbr in bytes/s,
// used by the LTP export-session start rule ("local transmit rate > 0").
func (d *Directory) XmitRate(nbr uint64) uint64 {
	return d.Get(nbr).XmitRateBps
}
