package rastercache

import (
	"testing"

	"github.com/ctremu/ctr/mem"
)

const testBase mem.PAddr = 0x1810_0000

func colorParams(addr mem.PAddr, width, height uint32) SurfaceParams {
	p := SurfaceParams{
		Addr:        addr,
		Width:       width,
		Height:      height,
		PixelFormat: FormatRGBA8,
		ResScale:    1,
		IsTiled:     true,
	}
	p.UpdateParams()
	return p
}

func TestUpdateParams(t *testing.T) {
	for _, tc := range []struct {
		width, height, stride uint32
		format                PixelFormat
		tiled                 bool
		size                  uint32
	}{
		{64, 64, 0, FormatRGBA8, true, 64 * 64 * 4},
		{64, 64, 0, FormatRGB565, true, 64 * 64 * 2},
		{32, 32, 0, FormatI4, true, 32 * 32 / 2},
		{100, 50, 120, FormatRGBA8, false, (120*49 + 100) * 4},
	} {
		p := SurfaceParams{
			Addr: testBase, Width: tc.width, Height: tc.height,
			Stride: tc.stride, PixelFormat: tc.format, IsTiled: tc.tiled,
		}
		p.UpdateParams()
		if p.Size != tc.size {
			t.Errorf("%v %dx%d: size %#x, expected %#x",
				tc.format, tc.width, tc.height, p.Size, tc.size)
		}
		if p.End != p.Addr+mem.PAddr(tc.size) {
			t.Errorf("end does not match size")
		}
		if tc.stride == 0 && p.Stride != p.Width {
			t.Errorf("stride not defaulted to width")
		}
	}
}

func TestSurfaceTypeFromFormat(t *testing.T) {
	for format, want := range map[PixelFormat]SurfaceType{
		FormatRGBA8:   TypeColor,
		FormatRGBA4:   TypeColor,
		FormatIA8:     TypeTexture,
		FormatETC1A4:  TypeTexture,
		FormatD16:     TypeDepth,
		FormatD24:     TypeDepth,
		FormatD24S8:   TypeDepthStencil,
		FormatInvalid: TypeInvalid,
	} {
		if got := format.Type(); got != want {
			t.Errorf("%v: type %d, expected %d", format, got, want)
		}
	}
}

func TestFromIntervalClosure(t *testing.T) {
	p := colorParams(testBase, 64, 64)

	// Row aligned intervals must map back to themselves.
	rowBytes := p.BytesInPixels(p.Stride * 8)
	for _, in := range []Interval{
		p.Interval(),
		{p.Addr, p.Addr + mem.PAddr(rowBytes)},
		{p.Addr + mem.PAddr(rowBytes), p.Addr + mem.PAddr(3*rowBytes)},
	} {
		sub := p.FromInterval(in)
		if sub.Interval() != in {
			t.Errorf("FromInterval(%v) interval %v", in, sub.Interval())
		}
		if sub.Stride != p.Stride {
			t.Errorf("stride changed: %d", sub.Stride)
		}
	}

	// Unaligned intervals expand to the enclosing rows.
	in := Interval{p.Addr + 13, p.Addr + mem.PAddr(rowBytes) + 27}
	sub := p.FromInterval(in)
	if !sub.Interval().Contains(in) {
		t.Errorf("FromInterval(%v) = %v does not enclose input", in, sub.Interval())
	}
	if uint32(sub.Addr-p.Addr)%rowBytes != 0 {
		t.Errorf("result not row aligned")
	}
}

func TestFromIntervalSingleRow(t *testing.T) {
	p := colorParams(testBase, 64, 64)
	tileBytes := p.BytesInPixels(64)

	in := Interval{p.Addr + mem.PAddr(tileBytes), p.Addr + mem.PAddr(3*tileBytes)}
	sub := p.FromInterval(in)
	if sub.Interval() != in {
		t.Fatalf("tile aligned single row interval changed: %v -> %v", in, sub.Interval())
	}
	if sub.Height != 8 || sub.Width != 16 {
		t.Errorf("expected 16x8 sub-surface, got %dx%d", sub.Width, sub.Height)
	}
}

func TestExactMatch(t *testing.T) {
	a := colorParams(testBase, 64, 64)
	b := a
	if !a.ExactMatch(&b) {
		t.Error("identical params should match")
	}
	b.Width = 32
	if a.ExactMatch(&b) {
		t.Error("different width should not match")
	}
	b = a
	b.PixelFormat = FormatInvalid
	if b.ExactMatch(&b) {
		t.Error("invalid format should never match")
	}
}

func TestCanSubRect(t *testing.T) {
	p := colorParams(testBase, 64, 64)

	sub := colorParams(testBase+mem.PAddr(p.BytesInPixels(64*8)), 64, 8)
	if !p.CanSubRect(&sub) {
		t.Error("second tile row should be a subrect")
	}

	r := p.GetSubRect(&sub)
	if r.Left != 0 || r.Width() != 64 || r.Height() != 8 {
		t.Errorf("unexpected subrect %+v", r)
	}
	// Tiled layout is top to bottom: the second row sits below the first.
	if r.Top != 56 || r.Bottom != 48 {
		t.Errorf("expected rows 48..56 from the bottom, got %+v", r)
	}

	other := colorParams(testBase, 64, 64)
	other.PixelFormat = FormatRGB565
	other.UpdateParams()
	if p.CanSubRect(&other) {
		t.Error("format mismatch should not subrect")
	}
}

func TestCanExpand(t *testing.T) {
	a := colorParams(testBase, 64, 32)
	b := colorParams(testBase+mem.PAddr(a.Size), 64, 32)
	if !a.CanExpand(&b) {
		t.Error("adjacent equal stride surfaces should expand")
	}

	c := colorParams(testBase+mem.PAddr(2*a.Size), 64, 32)
	if a.CanExpand(&c) {
		t.Error("disjoint surfaces should not expand")
	}

	d := colorParams(testBase, 32, 32)
	if a.CanExpand(&d) {
		t.Error("different stride should not expand")
	}
}

func TestGetSubRectInterval(t *testing.T) {
	p := colorParams(testBase, 64, 64)

	// Bottom tile row of the image is the last row in memory.
	ivBottom := p.GetSubRectInterval(Rect{0, 8, 64, 0})
	rowBytes := mem.PAddr(p.BytesInPixels(64 * 8))
	if ivBottom != (Interval{p.End - rowBytes, p.End}) {
		t.Errorf("bottom row interval %v", ivBottom)
	}

	// Full rect covers the whole surface.
	if got := p.GetSubRectInterval(Rect{0, 64, 64, 0}); got != p.Interval() {
		t.Errorf("full rect interval %v", got)
	}

	if got := p.GetSubRectInterval(Rect{}); !got.Empty() {
		t.Errorf("empty rect should produce empty interval, got %v", got)
	}
}

func TestCanTexCopy(t *testing.T) {
	p := colorParams(testBase, 64, 64)

	// A plain contiguous copy of the first tile row.
	texcopy := SurfaceParams{
		Addr:        p.Addr,
		PixelFormat: p.PixelFormat,
	}
	texcopy.Width = p.BytesInPixels(64 * 8)
	texcopy.Stride = texcopy.Width
	texcopy.Height = 1
	texcopy.Size = texcopy.Width
	texcopy.End = texcopy.Addr + mem.PAddr(texcopy.Size)
	if !p.CanTexCopy(&texcopy) {
		t.Error("contiguous texcopy should match")
	}

	outside := texcopy
	outside.Addr = p.End
	outside.End = outside.Addr + mem.PAddr(outside.Size)
	if p.CanTexCopy(&outside) {
		t.Error("texcopy outside the surface should not match")
	}
}
