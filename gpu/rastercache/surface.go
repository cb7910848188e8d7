package rastercache

import (
	"bytes"

	"github.com/ctremu/ctr/debug"
	"github.com/ctremu/ctr/mem"
)

// Texture is an opaque handle to a backend image.
type Texture any

// Watcher reports whether a cached surface collection entry (a mipmap level
// or a cube face) still matches its source surface.  A watcher holds a weak
// handle: unlinking clears the target so stale collections drop their
// sources.
type Watcher struct {
	surface *Surface
	valid   bool
}

// IsValid reports whether the watched surface still exists and its content
// has been synced to the watcher user.
func (w *Watcher) IsValid() bool { return w.surface != nil && w.valid }

// Validate marks the watcher user as up to date with the watched surface.
func (w *Watcher) Validate() {
	debug.Assert(w.surface != nil, "validating unlinked watcher")
	w.valid = true
}

// Get returns the watched surface, nil if it has been unlinked.
func (w *Watcher) Get() *Surface { return w.surface }

// Surface is one host GPU image mirroring a guest memory range.
//
// Invalid regions are the bytes whose host image content is stale relative
// to the authoritative source.  A fill surface has no image; it carries a
// repeating byte pattern and is always fully valid while cached.
type Surface struct {
	SurfaceParams

	Texture    Texture
	Registered bool

	Invalid RegionSet

	FillData [4]byte
	FillSize uint32

	MaxLevel      uint32
	LevelWatchers [7]*Watcher

	watchers []*Watcher
}

func NewSurface(params SurfaceParams) *Surface {
	return &Surface{SurfaceParams: params}
}

// IsRegionValid reports whether no byte of iv is stale.
func (s *Surface) IsRegionValid(iv Interval) bool {
	return !s.Invalid.Overlaps(iv)
}

// IsFullyInvalid reports whether no byte of the surface is valid.
func (s *Surface) IsFullyInvalid() bool {
	return s.Invalid.Covers(s.Interval())
}

// CreateWatcher links a new watcher to this surface.
func (s *Surface) CreateWatcher() *Watcher {
	w := &Watcher{surface: s}
	s.watchers = append(s.watchers, w)
	return w
}

// InvalidateAllWatcher marks every linked watcher out of date.
func (s *Surface) InvalidateAllWatcher() {
	for _, w := range s.watchers {
		w.valid = false
	}
}

// UnlinkAllWatcher detaches every watcher as if the surface were already
// destroyed.
func (s *Surface) UnlinkAllWatcher() {
	for _, w := range s.watchers {
		w.valid = false
		w.surface = nil
	}
	s.watchers = s.watchers[:0]
}

// CanFill reports whether this fill surface can produce the bytes of
// fillInterval in dest.  The fill pattern must repeat with the destination
// format's pixel period.
func (s *Surface) CanFill(dest *SurfaceParams, fillInterval Interval) bool {
	if s.Type != TypeFill || !s.IsRegionValid(fillInterval) ||
		fillInterval.Start < s.Addr || fillInterval.End > s.End {
		return false
	}
	// The interval must denote a rectangle of the destination.
	sub := dest.FromInterval(fillInterval)
	if sub.Interval() != fillInterval {
		return false
	}
	if s.FillSize*8 == dest.PixelFormat.Bpp() {
		return true
	}
	// Check that the pattern repeats at the destination pixel width.
	destBytes := max(dest.PixelFormat.Bpp()/8, 1)
	test := make([]byte, s.FillSize*destBytes)
	for i := uint32(0); i < destBytes; i++ {
		copy(test[i*s.FillSize:], s.FillData[:s.FillSize])
	}
	for i := uint32(0); i < s.FillSize; i++ {
		if !bytes.Equal(test[destBytes*i:destBytes*(i+1)], test[:destBytes]) {
			return false
		}
	}
	if dest.PixelFormat.Bpp() == 4 && test[0]&0xf != test[0]>>4 {
		return false
	}
	return true
}

// CanCopy reports whether copyInterval of dest can be validated from this
// surface.
func (s *Surface) CanCopy(dest *SurfaceParams, copyInterval Interval) bool {
	sub := dest.FromInterval(copyInterval)
	debug.Assert(sub.Interval() == copyInterval, "copy interval not a sub-rectangle")
	if s.CanSubRect(&sub) {
		return true
	}
	return s.CanFill(dest, copyInterval)
}

// CopyableInterval returns the biggest valid rectangle of this surface
// within params' interval, aligned to params' tiles and rows.
func (s *Surface) CopyableInterval(params *SurfaceParams) Interval {
	var result Interval
	ts := params.tileSize()
	tileAlign := max(params.BytesInPixels(ts*ts), 1)

	var valid RegionSet
	valid.Add(params.Interval().Intersect(s.Interval()))
	for _, iv := range s.Invalid.Intervals() {
		valid.Erase(iv)
	}

	for _, validIv := range valid.Intervals() {
		aligned := Interval{
			params.Addr + mem.PAddr(alignUp(uint32(validIv.Start-params.Addr), tileAlign)),
			params.Addr + mem.PAddr(alignDown(uint32(validIv.End-params.Addr), tileAlign)),
		}
		if int(params.BytesInPixels(tileAlign)) > validIv.Len() || aligned.Empty() {
			continue
		}

		// Restrict to whole rows.
		strideBytes := params.BytesInPixels(params.Stride) * ts
		rect := Interval{
			params.Addr + mem.PAddr(alignUp(uint32(aligned.Start-params.Addr), strideBytes)),
			params.Addr + mem.PAddr(alignDown(uint32(aligned.End-params.Addr), strideBytes)),
		}
		if rect.Start > rect.End {
			// Less than one full row.
			rect = aligned
		} else if rect.Len() == 0 {
			// Two partial rows that do not stack; keep the longer one.
			row1 := Interval{aligned.Start, rect.Start}
			row2 := Interval{rect.Start, aligned.End}
			if row1.Len() > row2.Len() {
				rect = row1
			} else {
				rect = row2
			}
		}

		if rect.Len() > result.Len() {
			result = rect
		}
	}
	return result
}
