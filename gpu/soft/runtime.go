// Package soft is a software texture runtime.  It backs surfaces with plain
// byte buffers and performs all transfers on the CPU, which makes it both
// the headless fallback backend and the reference implementation the cache
// tests run against.
//
// Like a real backend, transfer commands are recorded and only guaranteed
// to have executed after Finish.
package soft

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/ctremu/ctr/gpu/rastercache"
)

// plane keys one mip level and array layer of an image.
type plane struct {
	level, layer uint32
}

// Image is a software image at scaled dimensions.  Four-bit guest formats
// are widened to one byte per pixel; everything else keeps its guest pixel
// size.
type Image struct {
	width, height uint32 // scaled level 0 dimensions
	bytesPP       uint32
	format        rastercache.PixelFormat
	scale         uint16
	planes        map[plane][]byte
}

func (img *Image) dims(level uint32) (uint32, uint32) {
	return max(img.width>>level, 1), max(img.height>>level, 1)
}

func (img *Image) bytes(p plane) []byte {
	b, ok := img.planes[p]
	if !ok {
		w, h := img.dims(p.level)
		b = make([]byte, w*h*img.bytesPP)
		img.planes[p] = b
	}
	return b
}

// Pixel returns the stored bytes of one pixel, for tests and debugging.
func (img *Image) Pixel(x, y uint32) []byte {
	return img.PixelAt(0, 0, x, y)
}

// PixelAt is Pixel for a specific mip level and array layer.
func (img *Image) PixelAt(level, layer, x, y uint32) []byte {
	b := img.bytes(plane{level, layer})
	w, _ := img.dims(level)
	off := (y*w + x) * img.bytesPP
	return b[off : off+img.bytesPP]
}

func internalBytesPP(format rastercache.PixelFormat) uint32 {
	return max(format.Bpp()/8, 1)
}

// Runtime implements rastercache.Runtime in software.
type Runtime struct {
	pending []func()
	// reinterpreters per destination format
	reinterpreters map[rastercache.PixelFormat][]rastercache.Reinterpreter

	finishes  int
	uploads   int
	downloads int
}

func New() *Runtime {
	r := &Runtime{
		reinterpreters: make(map[rastercache.PixelFormat][]rastercache.Reinterpreter),
	}
	// The depth to color reinterpretation idiom used by framebuffer
	// effects: both formats are 32 bit, the rewrite preserves raw bits.
	r.Register(rastercache.FormatRGBA8, &rawReinterpreter{
		src: rastercache.FormatD24S8, runtime: r,
	})
	return r
}

// Register appends a reinterpreter producing dst.
func (r *Runtime) Register(dst rastercache.PixelFormat, ri rastercache.Reinterpreter) {
	r.reinterpreters[dst] = append(r.reinterpreters[dst], ri)
}

// Finishes returns how many times Finish has been called.
func (r *Runtime) Finishes() int { return r.finishes }

// Uploads and Downloads return how many transfers have been recorded.
func (r *Runtime) Uploads() int   { return r.uploads }
func (r *Runtime) Downloads() int { return r.downloads }

func (r *Runtime) NewTexture(params *rastercache.SurfaceParams) rastercache.Texture {
	return &Image{
		width:   params.GetScaledWidth(),
		height:  params.GetScaledHeight(),
		bytesPP: internalBytesPP(params.PixelFormat),
		format:  params.PixelFormat,
		scale:   params.ResScale,
		planes:  make(map[plane][]byte),
	}
}

func (r *Runtime) FindStaging(size int, upload bool) rastercache.StagingData {
	return rastercache.StagingData{
		Size:   size,
		Mapped: make([]byte, size),
	}
}

func (r *Runtime) Finish() {
	r.finishes++
	for _, op := range r.pending {
		op()
	}
	r.pending = r.pending[:0]
}

func imageOf(s *rastercache.Surface) *Image {
	img, _ := s.Texture.(*Image)
	return img
}

func (r *Runtime) CopyTextures(src, dst *rastercache.Surface, copy rastercache.TextureCopy) bool {
	srcImg, dstImg := imageOf(src), imageOf(dst)
	if srcImg == nil || dstImg == nil {
		return false
	}
	r.pending = append(r.pending, func() {
		copyRect(srcImg, plane{copy.SrcLevel, copy.SrcLayer}, copy.SrcOffset,
			dstImg, plane{copy.DstLevel, copy.DstLayer}, copy.DstOffset, copy.Extent)
	})
	return true
}

func copyRect(src *Image, sp plane, so rastercache.Offset, dst *Image, dp plane, do rastercache.Offset, extent rastercache.Extent) {
	sb, db := src.bytes(sp), dst.bytes(dp)
	sw, _ := src.dims(sp.level)
	dw, _ := dst.dims(dp.level)
	n := extent.Width * src.bytesPP
	for y := uint32(0); y < extent.Height; y++ {
		srow := ((so.Y+y)*sw + so.X) * src.bytesPP
		drow := ((do.Y+y)*dw + do.X) * dst.bytesPP
		copy(db[drow:drow+n], sb[srow:srow+n])
	}
}

func (r *Runtime) BlitTextures(src, dst *rastercache.Surface, blit rastercache.TextureBlit) bool {
	srcImg, dstImg := imageOf(src), imageOf(dst)
	if srcImg == nil || dstImg == nil {
		return false
	}
	r.pending = append(r.pending, func() {
		blitRect(srcImg, plane{blit.SrcLevel, blit.SrcLayer}, blit.SrcRect,
			dstImg, plane{blit.DstLevel, blit.DstLayer}, blit.DstRect)
	})
	return true
}

// span normalizes a rect's vertical extent to (start, height, flipped).
func span(bottom, top uint32) (uint32, uint32, bool) {
	if bottom <= top {
		return bottom, top - bottom, false
	}
	return top, bottom - top, true
}

func blitRect(src *Image, sp plane, srcRect rastercache.Rect, dst *Image, dp plane, dstRect rastercache.Rect) {
	sy, sh, sflip := span(srcRect.Bottom, srcRect.Top)
	dy, dh, dflip := span(dstRect.Bottom, dstRect.Top)
	sw := srcRect.Width()
	dw := dstRect.Width()
	if sw == 0 || dw == 0 || sh == 0 || dh == 0 {
		return
	}

	flip := sflip != dflip

	if src.bytesPP == 4 && dst.bytesPP == 4 && !flip {
		scaleRGBA(src, sp, srcRect.Left, sy, sw, sh, dst, dp, dstRect.Left, dy, dw, dh)
		return
	}

	sb, db := src.bytes(sp), dst.bytes(dp)
	srcW, _ := src.dims(sp.level)
	dstW, _ := dst.dims(dp.level)
	n := min(src.bytesPP, dst.bytesPP)
	for y := uint32(0); y < dh; y++ {
		srcRow := sy + y*sh/dh
		if flip {
			srcRow = sy + sh - 1 - y*sh/dh
		}
		for x := uint32(0); x < dw; x++ {
			srcCol := srcRect.Left + x*sw/dw
			so := (srcRow*srcW + srcCol) * src.bytesPP
			do := ((dy+y)*dstW + dstRect.Left + x) * dst.bytesPP
			copy(db[do:do+n], sb[so:so+n])
		}
	}
}

// scaleRGBA blits 32-bit planes through the image/draw scaler.
func scaleRGBA(src *Image, sp plane, sx, sy, sw, sh uint32, dst *Image, dp plane, dx, dy, dw, dh uint32) {
	srcW, srcH := src.dims(sp.level)
	dstW, dstH := dst.dims(dp.level)
	srcImg := &image.RGBA{Pix: src.bytes(sp), Stride: int(srcW) * 4,
		Rect: image.Rect(0, 0, int(srcW), int(srcH))}
	dstImg := &image.RGBA{Pix: dst.bytes(dp), Stride: int(dstW) * 4,
		Rect: image.Rect(0, 0, int(dstW), int(dstH))}
	xdraw.NearestNeighbor.Scale(dstImg,
		image.Rect(int(dx), int(dy), int(dx+dw), int(dy+dh)),
		srcImg,
		image.Rect(int(sx), int(sy), int(sx+sw), int(sy+sh)),
		xdraw.Src, nil)
}

func (r *Runtime) ClearTexture(dst *rastercache.Surface, clear rastercache.TextureClear, value rastercache.ClearValue) {
	img := imageOf(dst)
	if img == nil {
		return
	}
	pixel := encodePixel(img.format, value)
	r.pending = append(r.pending, func() {
		b := img.bytes(plane{level: clear.Level})
		w, _ := img.dims(clear.Level)
		y0, h, _ := span(clear.Rect.Bottom, clear.Rect.Top)
		for y := y0; y < y0+h; y++ {
			for x := clear.Rect.Left; x < clear.Rect.Right; x++ {
				off := (y*w + x) * img.bytesPP
				copy(b[off:off+img.bytesPP], pixel)
			}
		}
	})
}

func (r *Runtime) Upload(dst *rastercache.Surface, upload rastercache.BufferTextureCopy, staging rastercache.StagingData) {
	img := imageOf(dst)
	if img == nil {
		return
	}
	r.uploads++
	r.pending = append(r.pending, func() {
		transferRect(img, upload.TextureRect, staging.Mapped, true)
	})
}

func (r *Runtime) Download(src *rastercache.Surface, download rastercache.BufferTextureCopy, staging rastercache.StagingData) {
	img := imageOf(src)
	if img == nil {
		return
	}
	r.downloads++
	r.pending = append(r.pending, func() {
		transferRect(img, download.TextureRect, staging.Mapped, false)
	})
}

// transferRect moves linear guest-layout bytes into or out of the
// unscaled rect of an image, expanding and collapsing the resolution
// scale by nearest sampling and widening 4-bit pixels to bytes.
func transferRect(img *Image, rect rastercache.Rect, linear []byte, upload bool) {
	b := img.bytes(plane{})
	scale := uint32(max(img.scale, 1))
	y0, h, _ := span(rect.Bottom, rect.Top)
	w := rect.Width()
	nibble := img.format.Bpp() == 4

	readGuest := func(i uint32) []byte {
		if nibble {
			return []byte{linear[i/2] >> (i % 2 * 4) & 0xf}
		}
		lo := i * img.bytesPP
		return linear[lo : lo+img.bytesPP]
	}
	writeGuest := func(i uint32, p []byte) {
		if nibble {
			v := linear[i/2]
			v &^= 0xf << (i % 2 * 4)
			v |= (p[0] & 0xf) << (i % 2 * 4)
			linear[i/2] = v
			return
		}
		copy(linear[i*img.bytesPP:(i+1)*img.bytesPP], p)
	}

	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			guestIndex := y*w + x
			if upload {
				p := readGuest(guestIndex)
				for sy := uint32(0); sy < scale; sy++ {
					for sx := uint32(0); sx < scale; sx++ {
						hy := (y0+y)*scale + sy
						hx := (rect.Left+x)*scale + sx
						off := (hy*img.width + hx) * img.bytesPP
						copy(b[off:off+img.bytesPP], p)
					}
				}
			} else {
				hy := (y0 + y) * scale
				hx := (rect.Left + x) * scale
				off := (hy*img.width + hx) * img.bytesPP
				writeGuest(guestIndex, b[off:off+img.bytesPP])
			}
		}
	}
}

// NeedsConversion reports the formats whose staging layout differs from
// the image layout.  The conversion happens during Upload and Download, so
// FormatConvert itself only copies.
func (r *Runtime) NeedsConversion(format rastercache.PixelFormat) bool {
	return format.Bpp() == 4
}

func (r *Runtime) FormatConvert(s *rastercache.Surface, upload bool, src, dst []byte) {
	copy(dst, src[:min(len(src), len(dst))])
}

func (r *Runtime) Reinterpreters(dst rastercache.PixelFormat) []rastercache.Reinterpreter {
	return r.reinterpreters[dst]
}

// rawReinterpreter rewrites same-width pixels bit for bit, e.g. the depth
// stencil to color reinterpretation.
type rawReinterpreter struct {
	src     rastercache.PixelFormat
	runtime *Runtime
}

func (ri *rawReinterpreter) SourceFormat() rastercache.PixelFormat { return ri.src }

func (ri *rawReinterpreter) Reinterpret(src *rastercache.Surface, srcRect rastercache.Rect,
	dst *rastercache.Surface, dstRect rastercache.Rect) {
	ri.runtime.BlitTextures(src, dst, rastercache.TextureBlit{
		SrcRect: srcRect,
		DstRect: dstRect,
	})
}
