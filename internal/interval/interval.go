// Package interval computes which byte ranges of a disk are worth saving:
// the intersection of the snapshot's changed areas with the ranges the
// backend reports as allocated.
package interval

// Interval is a half-open byte range [Start, Start+Length) on the disk.
type Interval struct {
	Start  uint64
	Length uint64
}

// End returns the first byte past the interval.
func (iv Interval) End() uint64 { return iv.Start + iv.Length }

// Walk emits the intersection of changed and allocated in order. Both
// inputs must be sorted by start and pairwise disjoint; the emitted
// intervals then are too. Emission stops early once allocated is
// exhausted, since later changed ranges cannot intersect anything. The
// walk does not coalesce adjacent results.
//
// This is a merge-style two-pointer walk: for each changed range, advance
// through allocated ranges until one starts past it, emitting each
// overlap. Whichever range ends first is popped; ties pop both.
func Walk(changed, allocated []Interval, emit func(Interval) error) error {
	cur := 0

	for _, c := range changed {
		if cur == len(allocated) {
			// Everything further is unallocated.
			break
		}

		for {
			a := allocated[cur]

			if c.End() < a.Start {
				// Changed range ends before this allocated range begins.
				break
			}

			// Changed-but-unallocated ranges are dropped on purpose:
			// restores replay the stream first to last and never
			// consolidate, so there is nothing to punch holes into.
			if a.Start < c.End() && a.End() > c.Start {
				start := max(a.Start, c.Start)
				end := min(a.End(), c.End())
				if err := emit(Interval{Start: start, Length: end - start}); err != nil {
					return err
				}
			}

			if a.End() <= c.End() {
				cur++
				if cur == len(allocated) {
					break
				}
			}
			if c.End() <= a.End() {
				break
			}
		}
	}

	return nil
}
