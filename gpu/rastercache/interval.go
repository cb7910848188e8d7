package rastercache

import (
	"slices"

	"github.com/ctremu/ctr/mem"
)

// Interval is a half-open byte range [Start, End) in guest physical memory.
type Interval struct {
	Start, End mem.PAddr
}

func MakeInterval(addr mem.PAddr, size int) Interval {
	return Interval{addr, addr + mem.PAddr(size)}
}

func (iv Interval) Len() int    { return int(iv.End - iv.Start) }
func (iv Interval) Empty() bool { return iv.End <= iv.Start }

// Intersect returns the overlap of two intervals, empty if they are
// disjoint.
func (iv Interval) Intersect(o Interval) Interval {
	r := Interval{max(iv.Start, o.Start), min(iv.End, o.End)}
	if r.Empty() {
		return Interval{}
	}
	return r
}

func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start < o.End && o.Start < iv.End
}

// Contains reports whether o lies entirely within iv.
func (iv Interval) Contains(o Interval) bool {
	return iv.Start <= o.Start && o.End <= iv.End
}

// RegionSet is a set of bytes stored as sorted, coalesced, disjoint
// intervals.  The zero value is an empty set.
type RegionSet struct {
	ivs []Interval
}

func (s *RegionSet) Empty() bool           { return len(s.ivs) == 0 }
func (s *RegionSet) Intervals() []Interval { return s.ivs }

// search returns the index of the first interval with End > addr.
func (s *RegionSet) search(addr mem.PAddr) int {
	lo, hi := 0, len(s.ivs)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.ivs[mid].End > addr {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Add inserts iv, merging with touching or overlapping members.
func (s *RegionSet) Add(iv Interval) {
	if iv.Empty() {
		return
	}
	i := s.search(iv.Start)
	if i > 0 && s.ivs[i-1].End == iv.Start {
		i-- // coalesce with a left-adjacent member
	}
	j := i
	for j < len(s.ivs) && s.ivs[j].Start <= iv.End {
		iv.Start = min(iv.Start, s.ivs[j].Start)
		iv.End = max(iv.End, s.ivs[j].End)
		j++
	}
	s.ivs = slices.Replace(s.ivs, i, j, iv)
}

// Erase removes iv, splitting members that straddle its bounds.
func (s *RegionSet) Erase(iv Interval) {
	if iv.Empty() {
		return
	}
	i := s.search(iv.Start)
	var keep []Interval
	j := i
	for j < len(s.ivs) && s.ivs[j].Start < iv.End {
		cur := s.ivs[j]
		if cur.Start < iv.Start {
			keep = append(keep, Interval{cur.Start, iv.Start})
		}
		if cur.End > iv.End {
			keep = append(keep, Interval{iv.End, cur.End})
		}
		j++
	}
	s.ivs = slices.Replace(s.ivs, i, j, keep...)
}

// AddSet unions o into s.
func (s *RegionSet) AddSet(o *RegionSet) {
	for _, iv := range o.ivs {
		s.Add(iv)
	}
}

// Overlaps reports whether any byte of iv is in the set.
func (s *RegionSet) Overlaps(iv Interval) bool {
	i := s.search(iv.Start)
	return i < len(s.ivs) && s.ivs[i].Overlaps(iv)
}

// Covers reports whether every byte of iv is in the set.
func (s *RegionSet) Covers(iv Interval) bool {
	if iv.Empty() {
		return true
	}
	i := s.search(iv.Start)
	return i < len(s.ivs) && s.ivs[i].Contains(iv)
}

// Intersection returns the pieces of the set overlapping iv, clipped to iv.
func (s *RegionSet) Intersection(iv Interval) []Interval {
	var out []Interval
	for i := s.search(iv.Start); i < len(s.ivs) && s.ivs[i].Start < iv.End; i++ {
		if p := s.ivs[i].Intersect(iv); !p.Empty() {
			out = append(out, p)
		}
	}
	return out
}

// First returns the lowest interval of the set.
func (s *RegionSet) First() Interval {
	if len(s.ivs) == 0 {
		return Interval{}
	}
	return s.ivs[0]
}

// dirtyEntry maps one disjoint interval to the surface that last produced
// its bytes on the host.
type dirtyEntry struct {
	Interval
	Surface *Surface
}

// SurfaceMap is an interval map from bytes to their dirty owner.  Set
// overwrites overlapped sub-intervals, the single-owner-per-byte semantics
// required of dirty region tracking.  The zero value is an empty map.
type SurfaceMap struct {
	entries []dirtyEntry
}

func (m *SurfaceMap) Empty() bool { return len(m.entries) == 0 }

func (m *SurfaceMap) search(addr mem.PAddr) int {
	lo, hi := 0, len(m.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if m.entries[mid].End > addr {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Set makes owner the dirty owner of iv, superseding prior owners on any
// intersected bytes.
func (m *SurfaceMap) Set(iv Interval, owner *Surface) {
	if iv.Empty() {
		return
	}
	m.Erase(iv)
	i := m.search(iv.Start)
	m.entries = slices.Insert(m.entries, i, dirtyEntry{iv, owner})
}

// Erase removes iv from the map, splitting entries that straddle its
// bounds.
func (m *SurfaceMap) Erase(iv Interval) {
	if iv.Empty() {
		return
	}
	i := m.search(iv.Start)
	var keep []dirtyEntry
	j := i
	for j < len(m.entries) && m.entries[j].Start < iv.End {
		cur := m.entries[j]
		if cur.Start < iv.Start {
			keep = append(keep, dirtyEntry{Interval{cur.Start, iv.Start}, cur.Surface})
		}
		if cur.End > iv.End {
			keep = append(keep, dirtyEntry{Interval{iv.End, cur.End}, cur.Surface})
		}
		j++
	}
	m.entries = slices.Replace(m.entries, i, j, keep...)
}

// Subtract removes every interval of rs from the map.
func (m *SurfaceMap) Subtract(rs *RegionSet) {
	for _, iv := range rs.Intervals() {
		m.Erase(iv)
	}
}

// Covers reports whether every byte of iv has a dirty owner.
func (m *SurfaceMap) Covers(iv Interval) bool {
	if iv.Empty() {
		return true
	}
	addr := iv.Start
	for i := m.search(iv.Start); i < len(m.entries); i++ {
		e := m.entries[i]
		if e.Start > addr {
			return false
		}
		if e.End >= iv.End {
			return true
		}
		addr = e.End
	}
	return false
}

// ForEachOverlapping visits the entries intersecting iv.  Each entry is
// passed with its full stored interval, not clipped to iv.  The visited
// entries are collected before the walk, so the callback may mutate the map.
func (m *SurfaceMap) ForEachOverlapping(iv Interval, fn func(piece Interval, owner *Surface)) {
	var hits []dirtyEntry
	for i := m.search(iv.Start); i < len(m.entries) && m.entries[i].Start < iv.End; i++ {
		hits = append(hits, m.entries[i])
	}
	for _, e := range hits {
		fn(e.Interval, e.Surface)
	}
}
