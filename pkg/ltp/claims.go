package ltp

import "sort"

// mergeExtent inserts e into a sorted, non-overlapping extent list,
// coalescing it with any neighbor it touches or overlaps. Used both for
// an export session's reception claims and an import session's stored
// red segments. Applying the same extent twice is a no-op after the
// first.
func mergeExtent(extents []Extent, e Extent) []Extent {
	if e.Length == 0 {
		return extents
	}
	i := sort.Search(len(extents), func(i int) bool { return extents[i].Offset >= e.Offset })

	lo, hi := i, i
	start, end := e.Offset, e.End()
	if lo > 0 && extents[lo-1].End() >= e.Offset {
		lo--
		start = extents[lo].Offset
	}
	for hi < len(extents) && extents[hi].Offset <= end {
		if extents[hi].End() > end {
			end = extents[hi].End()
		}
		hi++
	}

	merged := Extent{Offset: start, Length: end - start}
	out := make([]Extent, 0, len(extents)-(hi-lo)+1)
	out = append(out, extents[:lo]...)
	out = append(out, merged)
	out = append(out, extents[hi:]...)
	return out
}

// coveredLength sums the byte count covered by extents restricted to
// [lower, upper).
func coveredLength(extents []Extent, lower, upper uint64) uint64 {
	var total uint64
	for _, e := range extents {
		start := e.Offset
		if start < lower {
			start = lower
		}
		end := e.End()
		if end > upper {
			end = upper
		}
		if end > start {
			total += end - start
		}
	}
	return total
}

// coversFully reports whether extents leave no gap in [lower, upper).
func coversFully(extents []Extent, lower, upper uint64) bool {
	if upper <= lower {
		return true
	}
	return coveredLength(extents, lower, upper) == upper-lower
}

// gaps returns the sub-extents of [lower, upper) not covered by extents,
// in ascending order — the ranges an export session must retransmit
// after a non-final report, or an import session must still wait for
// when walking a checkpoint's report bounds.
func gaps(extents []Extent, lower, upper uint64) []Extent {
	var out []Extent
	cursor := lower
	for _, e := range extents {
		start, end := e.Offset, e.End()
		if end <= lower {
			continue
		}
		if start >= upper {
			break
		}
		if start > cursor {
			hi := start
			if hi > upper {
				hi = upper
			}
			if hi > cursor {
				out = append(out, Extent{Offset: cursor, Length: hi - cursor})
			}
		}
		if end > cursor {
			cursor = end
		}
		if cursor >= upper {
			break
		}
	}
	if cursor < upper {
		out = append(out, Extent{Offset: cursor, Length: upper - cursor})
	}
	return out
}

// overlapsAny reports whether e overlaps any member of a sorted,
// non-overlapping extent list.
func overlapsAny(extents []Extent, e Extent) bool {
	i := sort.Search(len(extents), func(i int) bool { return extents[i].End() > e.Offset })
	return i < len(extents) && extents[i].Overlaps(e)
}
