package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := open(t)
	err := s.Update(func(tx *Tx) error { return tx.Set("a", "1") })
	require.NoError(t, err)

	var got string
	err = s.View(func(tx *Tx) error {
		v, err := tx.Get("a")
		got = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	err = s.Update(func(tx *Tx) error { return tx.Delete("a") })
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error {
		_, err := tx.Get("a")
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJSONRoundTrip(t *testing.T) {
	s := open(t)
	type payload struct {
		Name string
		N    int
	}
	in := payload{Name: "x", N: 42}
	err := s.Update(func(tx *Tx) error { return tx.SetJSON("k", in) })
	require.NoError(t, err)

	var out payload
	err = s.View(func(tx *Tx) error { return tx.GetJSON("k", &out) })
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestListFIFOOrder(t *testing.T) {
	s := open(t)
	l := NewList("span:1:segments")

	err := s.Update(func(tx *Tx) error {
		for _, v := range []string{"seg-a", "seg-b", "seg-c"} {
			if _, err := l.PushBack(tx, v); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var order []string
	err = s.View(func(tx *Tx) error {
		return l.Each(tx, func(key, value string) bool {
			order = append(order, value)
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"seg-a", "seg-b", "seg-c"}, order)
}

func TestPriorityListPushFrontOrdersAhead(t *testing.T) {
	s := open(t)
	l := NewPriorityList("span:1:ctrl")

	err := s.Update(func(tx *Tx) error {
		if _, err := l.PushBack(tx, "data-1"); err != nil {
			return err
		}
		if _, err := l.PushBack(tx, "data-2"); err != nil {
			return err
		}
		_, err := l.PushFront(tx, "ack-1")
		return err
	})
	require.NoError(t, err)

	var order []string
	err = s.View(func(tx *Tx) error {
		return l.Each(tx, func(key, value string) bool {
			order = append(order, value)
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ack-1", "data-1", "data-2"}, order)
}

func TestRemoveFromList(t *testing.T) {
	s := open(t)
	l := NewList("list")
	var keepKey string
	err := s.Update(func(tx *Tx) error {
		if _, err := l.PushBack(tx, "keep-me-first"); err != nil {
			return err
		}
		k, err := l.PushBack(tx, "drop-me")
		if err != nil {
			return err
		}
		keepKey = k
		return nil
	})
	require.NoError(t, err)

	err = s.Update(func(tx *Tx) error { return l.Remove(tx, keepKey) })
	require.NoError(t, err)

	var order []string
	err = s.View(func(tx *Tx) error {
		return l.Each(tx, func(key, value string) bool {
			order = append(order, value)
			return true
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep-me-first"}, order)
}
