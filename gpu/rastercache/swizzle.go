package rastercache

import "github.com/ctremu/ctr/mem"

// The guest stores tiled surfaces in 8x8 blocks whose texels are ordered by
// morton code (z-order).  Within the surface, blocks are laid out row-major
// starting at the lowest address, while the linear host layout is bottom-up.
// The codec translates between the two; it is a pure layout transform, the
// convert flag only tells the backend's converters apart and is ignored
// here.

// mortonInterleave returns the z-order index of a texel within its tile.
func mortonInterleave(x, y uint32) uint32 {
	i, j := x&7, y&7
	return i&1 | j&1<<1 | i&2<<1 | j&2<<2 | i&4<<2 | j&4<<3
}

// pixel index within the surface's tiled layout
func tiledPixelIndex(x, y, stride uint32) uint32 {
	return y&^7*stride + x&^7*8 + mortonInterleave(x, y)
}

// UnswizzleTexture converts the tiled guest bytes of [start, end) into the
// linear host layout.  Both slices are addressed relative to p.Addr.
func UnswizzleTexture(p *SurfaceParams, start, end mem.PAddr, sourceTiled, destLinear []byte, convert bool) {
	swizzleRange(p, start, end, destLinear, sourceTiled, false)
}

// SwizzleTexture converts linear host bytes back into the tiled guest
// layout of [start, end).  Both slices are addressed relative to p.Addr.
func SwizzleTexture(p *SurfaceParams, start, end mem.PAddr, sourceLinear, destTiled []byte, convert bool) {
	swizzleRange(p, start, end, sourceLinear, destTiled, true)
}

func swizzleRange(p *SurfaceParams, start, end mem.PAddr, linear, tiled []byte, toTiled bool) {
	if p.PixelFormat == FormatETC1 || p.PixelFormat == FormatETC1A4 {
		// Compressed formats keep their block layout; the backend decodes.
		lo, hi := uint32(start-p.Addr), uint32(end-p.Addr)
		if toTiled {
			copy(tiled[lo:hi], linear[lo:hi])
		} else {
			copy(linear[lo:hi], tiled[lo:hi])
		}
		return
	}

	npp := p.PixelFormat.Bpp() / 4 // nibbles per pixel
	lo := uint32(start-p.Addr) * 8 / p.PixelFormat.Bpp() * npp
	hi := uint32(end-p.Addr) * 8 / p.PixelFormat.Bpp() * npp

	for y := uint32(0); y < p.Height; y++ {
		for x := uint32(0); x < p.Width; x++ {
			tix := tiledPixelIndex(x, y, p.Stride) * npp
			if tix < lo || tix >= hi {
				continue
			}
			lix := (x + (p.Height-1-y)*p.Width) * npp
			if npp == 1 {
				if toTiled {
					copyNibble(tiled, tix, linear, lix)
				} else {
					copyNibble(linear, lix, tiled, tix)
				}
				continue
			}
			n := npp / 2
			if toTiled {
				copy(tiled[tix/2:tix/2+n], linear[lix/2:lix/2+n])
			} else {
				copy(linear[lix/2:lix/2+n], tiled[tix/2:tix/2+n])
			}
		}
	}
}

func copyNibble(dst []byte, di uint32, src []byte, si uint32) {
	v := src[si/2] >> (si % 2 * 4) & 0xf
	b := dst[di/2]
	b &^= 0xf << (di % 2 * 4)
	b |= v << (di % 2 * 4)
	dst[di/2] = b
}
