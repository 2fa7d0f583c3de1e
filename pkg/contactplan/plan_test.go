package contactplan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTime(s int64) time.Time { return time.Unix(s, 0) }

func TestAddContactRejectsBadInterval(t *testing.T) {
	s := NewStore(nil)
	err := s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(10), ToTime: mkTime(10)})
	assert.Error(t, err)
}

func TestContactsFromOrderedByStartTime(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(50), ToTime: mkTime(100), XmitRateBps: 1000}))
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 3, FromTime: mkTime(10), ToTime: mkTime(40), XmitRateBps: 1000}))
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(30), ToTime: mkTime(45), XmitRateBps: 1000}))

	got := s.ContactsFrom(1)
	require.Len(t, got, 3)
	assert.Equal(t, mkTime(10), got[0].FromTime)
	assert.Equal(t, mkTime(30), got[1].FromTime)
	assert.Equal(t, mkTime(50), got[2].FromTime)
}

func TestLastEditTimeAdvancesOnMutation(t *testing.T) {
	s := NewStore(nil)
	t1 := s.LastEditTime()
	time.Sleep(time.Millisecond)
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(1), ToTime: mkTime(2), XmitRateBps: 1}))
	t2 := s.LastEditTime()
	assert.True(t, t2.After(t1))
}

func TestRemoveContact(t *testing.T) {
	s := NewStore(nil)
	c := Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(1), ToTime: mkTime(2), XmitRateBps: 1}
	require.NoError(t, s.AddContact(c))
	s.RemoveContact(c.Key())
	assert.Empty(t, s.ContactsFrom(1))
}

func TestRangeCovering(t *testing.T) {
	s := NewStore(nil)
	s.AddRange(Range{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(1000), OWLT: time.Second})
	r, ok := s.RangeCovering(1, 2, mkTime(500))
	require.True(t, ok)
	assert.Equal(t, time.Second, r.OWLT)

	_, ok = s.RangeCovering(1, 2, mkTime(1500))
	assert.False(t, ok)
}

func TestPurgeRemovesExpiredContacts(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 1}))
	s.Purge(mkTime(1000), 10*time.Second)
	assert.Empty(t, s.ContactsFrom(1))
}

func TestPurgeRespectsClearance(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.AddContact(Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 1}))
	s.Purge(mkTime(150), 100*time.Second)
	assert.Len(t, s.ContactsFrom(1), 1)
}

func TestDirectoryContactStartStop(t *testing.T) {
	d := NewDirectory(nil)
	c := Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 500}
	d.OnContactStart(c, 2*time.Second, true)
	assert.Equal(t, uint64(500), d.XmitRate(2))

	d.OnContactStop(c, true)
	assert.Equal(t, uint64(0), d.XmitRate(2))
}

func TestDirectoryStopIgnoresStaleContact(t *testing.T) {
	d := NewDirectory(nil)
	c1 := Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(0), ToTime: mkTime(100), XmitRateBps: 500}
	c2 := Contact{FromNode: 1, ToNode: 2, FromTime: mkTime(100), ToTime: mkTime(200), XmitRateBps: 900}
	d.OnContactStart(c1, time.Second, true)
	d.OnContactStart(c2, time.Second, true)
	// A stop event for the first (superseded) contact must not clear the
	// second's rate.
	d.OnContactStop(c1, true)
	assert.Equal(t, uint64(900), d.XmitRate(2))
}
