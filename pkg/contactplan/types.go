// Package contactplan implements the Contact Plan Store and the
// Neighbor Directory: the indexed store of scheduled contacts and
// ranges that Contact Graph Routing searches, and the live per-neighbor
// view CGR and the LTP timers read.
package contactplan

import (
	"fmt"
	"time"
)

// Key uniquely identifies a Contact or a Range.
type Key struct {
	FromNode uint64
	ToNode   uint64
	FromTime time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%d->%d@%d", k.FromNode, k.ToNode, k.FromTime.Unix())
}

// Contact is a scheduled communication window between two nodes.
type Contact struct {
	FromNode    uint64
	ToNode      uint64
	FromTime    time.Time
	ToTime      time.Time
	XmitRateBps uint64
	Probability float64 // [0,1]
}

// Key returns the contact's unique (from, to, from_time) key.
func (c Contact) Key() Key {
	return Key{FromNode: c.FromNode, ToNode: c.ToNode, FromTime: c.FromTime}
}

// Capacity returns the total bytes that can be radiated during the
// contact's duration at its transmit rate.
func (c Contact) Capacity() uint64 {
	secs := c.ToTime.Sub(c.FromTime).Seconds()
	if secs <= 0 {
		return 0
	}
	return uint64(secs * float64(c.XmitRateBps))
}

// Validate checks the invariants every Contact must satisfy.
func (c Contact) Validate() error {
	if !c.ToTime.After(c.FromTime) {
		return fmt.Errorf("contact %s: to_time must be after from_time", c.Key())
	}
	return nil
}

// Range is a scheduled one-way-light-time value between two nodes.
type Range struct {
	FromNode uint64
	ToNode   uint64
	FromTime time.Time
	ToTime   time.Time
	OWLT     time.Duration
}

// Key returns the range's unique (from, to, from_time) key.
func (r Range) Key() Key {
	return Key{FromNode: r.FromNode, ToNode: r.ToNode, FromTime: r.FromTime}
}

// Covers reports whether t falls within [FromTime, ToTime).
func (r Range) Covers(t time.Time) bool {
	return !t.Before(r.FromTime) && t.Before(r.ToTime)
}

// PayloadClass is a capacity-floor bucket contacts are screened against.
type PayloadClass int

const (
	ClassSmall PayloadClass = iota
	ClassMedium
	ClassLarge
	numPayloadClasses
)

// NumPayloadClasses is the number of classes CGR searches independently.
const NumPayloadClasses = int(numPayloadClasses)

func (c PayloadClass) String() string {
	switch c {
	case ClassSmall:
		return "small"
	case ClassMedium:
		return "medium"
	case ClassLarge:
		return "large"
	default:
		return "unknown"
	}
}
