package rastercache

import (
	"testing"

	"github.com/ctremu/ctr/mem"
)

func TestWatcherLifecycle(t *testing.T) {
	s := NewSurface(colorParams(testBase, 64, 64))

	w := s.CreateWatcher()
	if w.IsValid() {
		t.Error("new watcher should not be valid")
	}
	w.Validate()
	if !w.IsValid() {
		t.Error("validated watcher should be valid")
	}

	s.InvalidateAllWatcher()
	if w.IsValid() {
		t.Error("invalidated watcher should not be valid")
	}

	w.Validate()
	s.UnlinkAllWatcher()
	if w.Get() != nil || w.IsValid() {
		t.Error("unlinked watcher should have no target")
	}
}

func TestIsRegionValid(t *testing.T) {
	s := NewSurface(colorParams(testBase, 64, 64))
	s.Invalid.Add(s.Interval())

	if s.IsRegionValid(s.Interval()) {
		t.Error("fresh surface should be invalid")
	}
	if !s.IsFullyInvalid() {
		t.Error("fresh surface should be fully invalid")
	}

	half := Interval{s.Addr, s.Addr + mem.PAddr(s.Size/2)}
	s.Invalid.Erase(half)
	if !s.IsRegionValid(half) {
		t.Error("validated half should be valid")
	}
	if s.IsRegionValid(s.Interval()) {
		t.Error("other half should still be invalid")
	}
	if s.IsFullyInvalid() {
		t.Error("partially valid surface is not fully invalid")
	}
}

func fillSurface(addr mem.PAddr, size uint32, pattern []byte) *Surface {
	s := NewSurface(SurfaceParams{
		Addr:        addr,
		End:         addr + mem.PAddr(size),
		Size:        size,
		PixelFormat: FormatInvalid,
		Type:        TypeFill,
		ResScale:    FillResScale,
	})
	copy(s.FillData[:], pattern)
	s.FillSize = uint32(len(pattern))
	return s
}

func TestCanFill(t *testing.T) {
	dest := colorParams(testBase, 64, 64) // RGBA8, 4 bytes per pixel

	// 4 byte pattern on a 4 byte format always fits.
	f4 := fillSurface(testBase, dest.Size, []byte{1, 2, 3, 4})
	if !f4.CanFill(&dest, dest.Interval()) {
		t.Error("4 byte fill should fill RGBA8")
	}

	// A 2 byte pattern fills a 4 byte pixel: every pixel holds two whole
	// periods.  It fills a 1 byte pixel only when its bytes repeat.
	f2 := fillSurface(testBase, dest.Size, []byte{0xab, 0xab})
	if !f2.CanFill(&dest, dest.Interval()) {
		t.Error("repeating 2 byte fill should fill RGBA8")
	}
	f2x := fillSurface(testBase, dest.Size, []byte{0xab, 0xcd})
	if !f2x.CanFill(&dest, dest.Interval()) {
		t.Error("non repeating 2 byte fill should fill RGBA8")
	}
	dest8 := colorParams(testBase, 64, 64)
	dest8.PixelFormat = FormatI8
	dest8.UpdateParams()
	if f2x.CanFill(&dest8, dest8.Interval()) {
		t.Error("non repeating 2 byte fill should not fill I8")
	}

	// 16 bit destination accepts any 2 byte pattern.
	dest16 := colorParams(testBase, 64, 64)
	dest16.PixelFormat = FormatRGB565
	dest16.UpdateParams()
	if !f2x.CanFill(&dest16, dest16.Interval()) {
		t.Error("2 byte fill should fill RGB565")
	}

	// Out of range interval.
	if f4.CanFill(&dest, Interval{testBase - 16, testBase}) {
		t.Error("interval outside the fill should not match")
	}
}

func TestCopyableInterval(t *testing.T) {
	s := NewSurface(colorParams(testBase, 64, 64))

	// Fully valid surface: the whole interval is copyable.
	params := s.SurfaceParams
	if got := s.CopyableInterval(&params); got != s.Interval() {
		t.Errorf("expected full interval, got %v", got)
	}

	// Invalidate the first tile row; the copyable rect shrinks to the
	// remaining rows.
	rowBytes := mem.PAddr(s.BytesInPixels(s.Stride * 8))
	s.Invalid.Add(Interval{s.Addr, s.Addr + rowBytes})
	want := Interval{s.Addr + rowBytes, s.End}
	if got := s.CopyableInterval(&params); got != want {
		t.Errorf("expected %v, got %v", want, got)
	}

	// A fully invalid surface has nothing to copy.
	s.Invalid.Add(s.Interval())
	if got := s.CopyableInterval(&params); !got.Empty() {
		t.Errorf("expected empty interval, got %v", got)
	}
}
