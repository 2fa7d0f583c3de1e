package ltp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeExtentCoalescesAdjacentAndOverlapping(t *testing.T) {
	var extents []Extent
	extents = mergeExtent(extents, Extent{Offset: 0, Length: 10})
	extents = mergeExtent(extents, Extent{Offset: 20, Length: 10})
	assert.Equal(t, []Extent{{Offset: 0, Length: 10}, {Offset: 20, Length: 10}}, extents)

	// Adjacent: touches the end of the first extent only, must merge.
	extents = mergeExtent(extents, Extent{Offset: 10, Length: 5})
	assert.Equal(t, []Extent{{Offset: 0, Length: 15}, {Offset: 20, Length: 10}}, extents)

	// Overlapping, bridges the remaining gap.
	extents = mergeExtent(extents, Extent{Offset: 15, Length: 10})
	assert.Equal(t, []Extent{{Offset: 0, Length: 30}}, extents)
}

func TestMergeExtentIsIdempotent(t *testing.T) {
	var extents []Extent
	extents = mergeExtent(extents, Extent{Offset: 5, Length: 5})
	once := append([]Extent(nil), extents...)
	extents = mergeExtent(extents, Extent{Offset: 5, Length: 5})
	assert.Equal(t, once, extents)
}

func TestCoversFully(t *testing.T) {
	extents := []Extent{{Offset: 0, Length: 10}, {Offset: 10, Length: 5}}
	assert.True(t, coversFully(extents, 0, 15))
	assert.False(t, coversFully(extents, 0, 16))
	assert.True(t, coversFully(extents, 20, 20)) // empty range trivially covered
}

func TestGapsReturnsUncoveredSubranges(t *testing.T) {
	extents := []Extent{{Offset: 5, Length: 5}, {Offset: 15, Length: 5}}
	got := gaps(extents, 0, 20)
	assert.Equal(t, []Extent{{Offset: 0, Length: 5}, {Offset: 10, Length: 5}}, got)
}

func TestGapsIncludesTrailingUncoveredRange(t *testing.T) {
	extents := []Extent{{Offset: 0, Length: 5}}
	got := gaps(extents, 0, 20)
	assert.Equal(t, []Extent{{Offset: 5, Length: 15}}, got)
}

func TestGapsNoGapsWhenFullyCovered(t *testing.T) {
	extents := []Extent{{Offset: 0, Length: 20}}
	assert.Empty(t, gaps(extents, 0, 20))
}

func TestOverlapsAny(t *testing.T) {
	extents := []Extent{{Offset: 0, Length: 10}, {Offset: 20, Length: 10}}
	assert.True(t, overlapsAny(extents, Extent{Offset: 5, Length: 1}))
	assert.True(t, overlapsAny(extents, Extent{Offset: 9, Length: 5})) // overlaps tail of first
	assert.False(t, overlapsAny(extents, Extent{Offset: 10, Length: 10}))
}

func TestGetMaxReportsHasAFloorOfTwo(t *testing.T) {
	assert.Equal(t, 2, getMaxReports(0, 1400, 0))
	assert.Equal(t, 2, getMaxReports(100, 1400, 0))
}

func TestGetMaxReportsGrowsWithErrorRate(t *testing.T) {
	low := getMaxReports(10_000_000, 1400, 1e-9)
	high := getMaxReports(10_000_000, 1400, 1e-5)
	assert.GreaterOrEqual(t, high, low)
}
