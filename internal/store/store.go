// Package store wraps a buntdb key/value database to give the CGR and
// LTP engines a generic transactional key/value and list service. It is
// the one piece of persistence ioncore owns outright; everything
// upstream of it (bundle storage, plan/endpoint registries) lives
// elsewhere.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"
)

// ErrNotFound is returned by Get/GetJSON when the key is absent, and wraps
// buntdb's own not-found sentinel so callers never need to import buntdb.
var ErrNotFound = buntdb.ErrNotFound

// Store is a transactional handle onto one database file (or ":memory:").
type Store struct {
	db     *buntdb.DB
	logger *logrus.Entry
}

// Open creates or opens a store at path. ":memory:" yields a purely
// in-process database, matching how volatile derived state (route cache,
// neighbor directory) is kept separate from persisted span/session state.
func Open(path string, logger *logrus.Entry) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{db: db, logger: logger.WithField("component", "store")}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is the transaction handle passed into Update/View callbacks.
type Tx struct {
	inner *buntdb.Tx
}

// Update runs fn inside a read/write transaction. Any error returned by
// fn aborts the transaction; no partial state is committed.
func (s *Store) Update(fn func(tx *Tx) error) error {
	err := s.db.Update(func(t *buntdb.Tx) error {
		return fn(&Tx{inner: t})
	})
	if err != nil {
		s.logger.WithError(err).Debug("transaction aborted")
	}
	return err
}

// View runs fn inside a read-only transaction; concurrent Views observe a
// consistent snapshot.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(t *buntdb.Tx) error {
		return fn(&Tx{inner: t})
	})
}

// CreateIndex builds a secondary index over keys matching pattern, ordered
// by less. Nothing in ioncore calls it; the route cache and the
// import-session segment index are kept in memory.
func (s *Store) CreateIndex(name, pattern string, less func(a, b string) bool) error {
	return s.db.CreateIndex(name, pattern, less)
}

// DropIndex removes a previously created index; safe to call if absent.
func (s *Store) DropIndex(name string) error {
	err := s.db.DropIndex(name)
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	return nil
}

// Set stores a raw string value under key.
func (t *Tx) Set(key, value string) error {
	_, _, err := t.inner.Set(key, value, nil)
	return err
}

// Get retrieves a raw string value, returning ErrNotFound if absent.
func (t *Tx) Get(key string) (string, error) {
	return t.inner.Get(key)
}

// Delete removes key, returning ErrNotFound if it was already absent.
func (t *Tx) Delete(key string) error {
	_, err := t.inner.Delete(key)
	return err
}

// SetJSON marshals v and stores it under key.
func (t *Tx) SetJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", key, err)
	}
	return t.Set(key, string(raw))
}

// GetJSON retrieves and unmarshals the value stored under key into v.
func (t *Tx) GetJSON(key string, v any) error {
	raw, err := t.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// Ascend walks all keys matching an index (or "" for the raw keyspace) in
// ascending order, stopping early if iter returns false.
func (t *Tx) Ascend(index string, iter func(key, value string) bool) error {
	return t.inner.Ascend(index, iter)
}

// AscendRange walks keys in [greaterOrEqual, lessThan) order over index.
func (t *Tx) AscendRange(index, greaterOrEqual, lessThan string, iter func(key, value string) bool) error {
	return t.inner.AscendRange(index, greaterOrEqual, lessThan, iter)
}

// AscendKeys walks raw keys matching a glob pattern in lexical order; this
// is how FIFO lists (a span's outbound segments) are iterated, since
// list members are stored under a common prefix with a zero-padded
// monotonic suffix that sorts in insertion order.
func (t *Tx) AscendKeys(pattern string, iter func(key, value string) bool) error {
	return t.inner.AscendKeys(pattern, iter)
}
