package store

import "fmt"

// List is a FIFO/ordered sequence backed by keys "<prefix>:<seq16hex>",
// which sort lexically in insertion order. A span's outbound segment
// queue uses one of these rather than an in-memory-only slice.
type List struct {
	prefix string
	seq    uint64
	front  uint64
}

// NewList returns a list helper rooted at prefix. Distinct Lists sharing a
// Store must use distinct prefixes.
func NewList(prefix string) *List {
	return &List{prefix: prefix}
}

func (l *List) key(seq uint64) string {
	return fmt.Sprintf("%s:%016x", l.prefix, seq)
}

// PushBack appends value, returning the key it was stored under so the
// caller can remember it for an eventual Remove (e.g. a checkpoint whose
// timer fires, or a segment the link service dequeues).
func (l *List) PushBack(tx *Tx, value string) (string, error) {
	l.seq++
	key := l.key(l.seq)
	return key, tx.Set(key, value)
}

// PushFront inserts value ahead of every member added by PushBack and
// behind members added by earlier PushFront calls. Used for priority
// insertion: acks are spliced in front of the first non-ack segment
// rather than appended to the tail.
//
// Front members take their sequence numbers from a second counter that
// counts up from zero, below the PushBack counter; only a List from
// NewPriorityList keeps the two ranges apart.
func (l *List) PushFront(tx *Tx, value string) (string, error) {
	l.front++
	key := l.key(l.front)
	return key, tx.Set(key, value)
}

// NewPriorityList returns a List whose PushBack counter starts at the
// midpoint of the uint64 range, leaving the lower half to PushFront
// without colliding with PushBack as long as the list's lifetime never
// needs more than 2^63 insertions on either side — true for any single
// LTP span.
func NewPriorityList(prefix string) *List {
	return &List{prefix: prefix, seq: 1 << 63}
}

// Each walks the list in order, stopping early if iter returns false.
func (l *List) Each(tx *Tx, iter func(key, value string) bool) error {
	return tx.AscendKeys(l.prefix+":*", iter)
}

// Remove deletes the member stored under key (as returned by PushBack).
func (l *List) Remove(tx *Tx, key string) error {
	return tx.Delete(key)
}
