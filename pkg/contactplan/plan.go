package contactplan

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Store is the Contact Plan Store: an indexed set of contacts and ranges,
// mutated by an append-only stream of admin events and consumed by CGR.
// It tracks a monotonic last-edit time so route caches built from it know
// when to invalidate.
type Store struct {
	mu       sync.RWMutex
	logger   *logrus.Entry
	contacts map[Key]*Contact
	ranges   map[Key]*Range
	// byFromNode indexes contact keys by their origin node, kept sorted by
	// FromTime so Dijkstra's per-node expansion doesn't re-sort every call.
	byFromNode map[uint64][]Key
	lastEdit   time.Time
}

// NewStore creates an empty contact plan store.
func NewStore(logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		logger:     logger.WithField("component", "cps"),
		contacts:   make(map[Key]*Contact),
		ranges:     make(map[Key]*Range),
		byFromNode: make(map[uint64][]Key),
		lastEdit:   time.Now(),
	}
}

// LastEditTime returns the timestamp of the most recent mutation. CGR's
// route cache compares this against its own last-load time to decide
// whether to rebuild.
func (s *Store) LastEditTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEdit
}

func (s *Store) touch() {
	s.lastEdit = time.Now()
}

// AddContact inserts or replaces a contact. Returns an error if the
// contact's own invariants are violated.
func (s *Store) AddContact(c Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.Key()
	if _, exists := s.contacts[key]; !exists {
		s.insertSorted(key)
	}
	cp := c
	s.contacts[key] = &cp
	s.touch()
	s.logger.WithField("contact", key).Debug("contact added")
	return nil
}

func (s *Store) insertSorted(key Key) {
	list := s.byFromNode[key.FromNode]
	i := sort.Search(len(list), func(i int) bool {
		return !s.contacts[list[i]].FromTime.Before(key.FromTime)
	})
	list = append(list, Key{})
	copy(list[i+1:], list[i:])
	list[i] = key
	s.byFromNode[key.FromNode] = list
}

// RemoveContact deletes the contact matching key, if present.
func (s *Store) RemoveContact(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[key]; !ok {
		return
	}
	delete(s.contacts, key)
	list := s.byFromNode[key.FromNode]
	for i, k := range list {
		if k == key {
			s.byFromNode[key.FromNode] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.touch()
	s.logger.WithField("contact", key).Debug("contact removed")
}

// AddRange inserts or replaces a range.
func (s *Store) AddRange(r Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := r
	s.ranges[r.Key()] = &rp
	s.touch()
}

// RemoveRange deletes the range matching key, if present.
func (s *Store) RemoveRange(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ranges, key)
	s.touch()
}

// ContactsFrom returns every contact originating at node, ordered by
// FromTime, as of the moment of the call.
func (s *Store) ContactsFrom(node uint64) []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byFromNode[node]
	out := make([]Contact, 0, len(keys))
	for _, k := range keys {
		out = append(out, *s.contacts[k])
	}
	return out
}

// ContactsTo returns every known contact whose destination is node.
func (s *Store) ContactsTo(node uint64) []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Contact
	for _, c := range s.contacts {
		if c.ToNode == node {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromTime.Before(out[j].FromTime) })
	return out
}

// RangeCovering returns the range between from and to whose interval
// covers at, if one exists. A contact with no covering range has an
// unknown OWLT and is unusable to CGR.
func (s *Store) RangeCovering(from, to uint64, at time.Time) (Range, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.ranges {
		if r.FromNode == from && r.ToNode == to && r.Covers(at) {
			return *r, true
		}
	}
	return Range{}, false
}

// Purge removes contacts whose ToTime plus clearance has elapsed as of
// now.
func (s *Store) Purge(now time.Time, clearance time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.contacts {
		if now.After(c.ToTime.Add(clearance)) {
			delete(s.contacts, key)
			list := s.byFromNode[key.FromNode]
			for i, k := range list {
				if k == key {
					s.byFromNode[key.FromNode] = append(list[:i], list[i+1:]...)
					break
				}
			}
			s.touch()
		}
	}
}

// AllContacts returns a snapshot of every contact currently in the plan,
// in no particular order. Used by CGR to reset per-search work records.
func (s *Store) AllContacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, *c)
	}
	return out
}
