package rastercache

import (
	"golang.org/x/exp/constraints"

	"github.com/ctremu/ctr/mem"
)

func alignUp[T constraints.Integer](v, mult T) T {
	return (v + mult - 1) / mult * mult
}

func alignDown[T constraints.Integer](v, mult T) T {
	return v / mult * mult
}

// Rect is a rectangle in host pixel coordinates with a bottom-left origin:
// Bottom < Top for an unflipped rectangle.
type Rect struct {
	Left, Top, Right, Bottom uint32
}

func (r Rect) Width() uint32  { return r.Right - r.Left }
func (r Rect) Height() uint32 { return r.Top - r.Bottom }

func (r Rect) Scale(s uint32) Rect {
	return Rect{r.Left * s, r.Top * s, r.Right * s, r.Bottom * s}
}

// TextureType distinguishes 2D surfaces from cube map containers.
type TextureType uint32

const (
	Texture2D TextureType = iota
	TextureCube
)

// FillResScale sorts fill surfaces as always preferable in match finding.
const FillResScale = 0xffff

// SurfaceParams locates a surface in guest memory and describes its pixel
// layout.
type SurfaceParams struct {
	Addr, End   mem.PAddr
	Size        uint32
	Width       uint32
	Height      uint32
	Stride      uint32
	TexType     TextureType
	PixelFormat PixelFormat
	Type        SurfaceType
	ResScale    uint16
	IsTiled     bool
}

// UpdateParams derives stride, type, size and end from the other fields.
// Not meaningful for fill surfaces, whose byte range is set directly.
func (p *SurfaceParams) UpdateParams() {
	if p.Stride == 0 {
		p.Stride = p.Width
	}
	p.Type = p.PixelFormat.Type()
	if p.IsTiled {
		p.Size = p.BytesInPixels(p.Stride*8*(p.Height/8-1) + p.Width*8)
	} else {
		p.Size = p.BytesInPixels(p.Stride*(p.Height-1) + p.Width)
	}
	p.End = p.Addr + mem.PAddr(p.Size)
}

func (p *SurfaceParams) Interval() Interval { return Interval{p.Addr, p.End} }

func (p *SurfaceParams) BytesInPixels(pixels uint32) uint32 {
	return pixels * p.PixelFormat.Bpp() / 8
}

func (p *SurfaceParams) PixelsInBytes(bytes uint32) uint32 {
	return bytes * 8 / p.PixelFormat.Bpp()
}

func (p *SurfaceParams) tileSize() uint32 {
	if p.IsTiled {
		return 8
	}
	return 1
}

// ExactMatch reports whether other addresses the same pixels in the same
// layout.
func (p *SurfaceParams) ExactMatch(other *SurfaceParams) bool {
	return p.Addr == other.Addr && p.Width == other.Width &&
		p.Height == other.Height && p.Stride == other.Stride &&
		p.PixelFormat == other.PixelFormat && p.IsTiled == other.IsTiled &&
		p.PixelFormat != FormatInvalid
}

// CanSubRect reports whether sub denotes a rectangle inside p with
// compatible layout.
func (p *SurfaceParams) CanSubRect(sub *SurfaceParams) bool {
	ts := p.tileSize()
	return sub.Addr >= p.Addr && sub.End <= p.End &&
		sub.PixelFormat == p.PixelFormat && p.PixelFormat != FormatInvalid &&
		sub.IsTiled == p.IsTiled &&
		uint32(sub.Addr-p.Addr)%p.BytesInPixels(ts*ts) == 0 &&
		(sub.Stride == p.Stride || sub.Height <= ts) &&
		p.GetSubRect(sub).Left+sub.Width <= p.Stride
}

// CanExpand reports whether p could be grown to contain exp: same format,
// tiling and stride, with a row-aligned, overlapping or adjacent byte range.
func (p *SurfaceParams) CanExpand(exp *SurfaceParams) bool {
	if p.PixelFormat == FormatInvalid || p.PixelFormat != exp.PixelFormat ||
		p.IsTiled != exp.IsTiled || p.Stride != exp.Stride ||
		p.Addr > exp.End || exp.Addr > p.End {
		return false
	}
	dist := max(exp.Addr, p.Addr) - min(exp.Addr, p.Addr)
	return uint32(dist)%p.BytesInPixels(p.Stride*p.tileSize()) == 0
}

// CanTexCopy reports whether p can serve a display transfer "texture copy",
// whose width and stride fields are raw byte counts.
func (p *SurfaceParams) CanTexCopy(texcopy *SurfaceParams) bool {
	if p.PixelFormat == FormatInvalid || p.Addr > texcopy.Addr || p.End < texcopy.End {
		return false
	}
	if texcopy.Width != texcopy.Stride {
		ts := p.tileSize()
		tileStride := p.BytesInPixels(p.Stride * ts)
		return uint32(texcopy.Addr-p.Addr)%p.BytesInPixels(ts*ts) == 0 &&
			texcopy.Width%p.BytesInPixels(ts*ts) == 0 &&
			(texcopy.Height == 1 || texcopy.Stride == tileStride) &&
			uint32(texcopy.Addr-p.Addr)%tileStride+texcopy.Width <= tileStride
	}
	sub := p.FromInterval(texcopy.Interval())
	return sub.Interval() == texcopy.Interval()
}

// FromInterval returns the params of the smallest row- or tile-aligned
// sub-surface of p enclosing iv.  For a row-aligned iv the result's
// interval equals iv.
func (p *SurfaceParams) FromInterval(iv Interval) SurfaceParams {
	params := *p
	ts := p.tileSize()
	rowBytes := p.BytesInPixels(p.Stride * ts)
	start := uint32(iv.Start - p.Addr)
	end := uint32(iv.End - p.Addr)

	alignedStart := alignDown(start, rowBytes)
	alignedEnd := alignUp(end, rowBytes)
	if alignedEnd-alignedStart > rowBytes {
		params.Addr = p.Addr + mem.PAddr(alignedStart)
		params.Width = p.Stride
		params.Height = (alignedEnd - alignedStart) / rowBytes * ts
	} else {
		// Single row: tighten to tile granularity.
		tileAlign := p.BytesInPixels(ts * ts)
		alignedStart = alignDown(start, tileAlign)
		alignedEnd = alignUp(end, tileAlign)
		params.Addr = p.Addr + mem.PAddr(alignedStart)
		params.Width = p.PixelsInBytes(alignedEnd-alignedStart) / ts
		params.Height = ts
	}
	params.UpdateParams()
	return params
}

// GetSubRect returns the rectangle of sub within p in unscaled pixels.
func (p *SurfaceParams) GetSubRect(sub *SurfaceParams) Rect {
	beginPixel := p.PixelsInBytes(uint32(sub.Addr - p.Addr))
	if p.IsTiled {
		x0 := beginPixel % (p.Stride * 8) / 8
		y0 := beginPixel / (p.Stride * 8) * 8
		// Tiled surfaces are laid out top to bottom.
		return Rect{x0, p.Height - y0, x0 + sub.Width, p.Height - (y0 + sub.Height)}
	}
	x0 := beginPixel % p.Stride
	y0 := beginPixel / p.Stride
	return Rect{x0, y0 + sub.Height, x0 + sub.Width, y0}
}

func (p *SurfaceParams) GetScaledSubRect(sub *SurfaceParams) Rect {
	return p.GetSubRect(sub).Scale(uint32(p.ResScale))
}

func (p *SurfaceParams) GetRect() Rect {
	return Rect{0, p.Height, p.Width, 0}
}

func (p *SurfaceParams) GetScaledRect() Rect {
	return p.GetRect().Scale(uint32(p.ResScale))
}

func (p *SurfaceParams) GetScaledWidth() uint32  { return p.Width * uint32(p.ResScale) }
func (p *SurfaceParams) GetScaledHeight() uint32 { return p.Height * uint32(p.ResScale) }

// GetSubRectInterval returns the byte interval covered by an unscaled
// rectangle of p.
func (p *SurfaceParams) GetSubRectInterval(r Rect) Interval {
	if r.Width() == 0 || r.Height() == 0 {
		return Interval{}
	}
	if p.IsTiled {
		// Align to tiles; vertical coordinates become tile rows.
		r.Left = alignDown(r.Left, 8) * 8
		r.Bottom = alignDown(r.Bottom, 8) / 8
		r.Right = alignUp(r.Right, 8) * 8
		r.Top = alignUp(r.Top, 8) / 8
	}
	strideTiled := p.Stride * p.tileSize()
	var rowOffset uint32
	if p.IsTiled {
		rowOffset = p.Height/8 - r.Top
	} else {
		rowOffset = r.Bottom
	}
	pixelOffset := strideTiled*rowOffset + r.Left
	pixels := (r.Height()-1)*strideTiled + r.Width()
	return Interval{
		p.Addr + mem.PAddr(p.BytesInPixels(pixelOffset)),
		p.Addr + mem.PAddr(p.BytesInPixels(pixelOffset+pixels)),
	}
}
