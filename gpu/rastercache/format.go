// Package rastercache caches guest memory regions as host GPU images.
//
// The cache bridges the guest's tiled pixel data in physical memory and the
// host renderer's native images.  It answers three questions: which cached
// image serves a requested region (match finding), how to bring a stale
// image up to date (validation, possibly through another image or a format
// reinterpreter), and how to write host-produced pixels back to guest
// memory (flushing).
package rastercache

import "github.com/ctremu/ctr/gpu/pica"

// PixelFormat is the closed set of surface formats, the texture formats
// followed by the depth formats.
type PixelFormat uint32

const (
	FormatRGBA8 PixelFormat = iota
	FormatRGB8
	FormatRGB5A1
	FormatRGB565
	FormatRGBA4
	FormatIA8
	FormatRG8
	FormatI8
	FormatA8
	FormatIA4
	FormatI4
	FormatA4
	FormatETC1
	FormatETC1A4
	FormatD16
	formatUnused15
	FormatD24
	FormatD24S8

	FormatInvalid PixelFormat = 255
)

var formatNames = map[PixelFormat]string{
	FormatRGBA8: "RGBA8", FormatRGB8: "RGB8", FormatRGB5A1: "RGB5A1",
	FormatRGB565: "RGB565", FormatRGBA4: "RGBA4", FormatIA8: "IA8",
	FormatRG8: "RG8", FormatI8: "I8", FormatA8: "A8", FormatIA4: "IA4",
	FormatI4: "I4", FormatA4: "A4", FormatETC1: "ETC1", FormatETC1A4: "ETC1A4",
	FormatD16: "D16", FormatD24: "D24", FormatD24S8: "D24S8",
}

func (f PixelFormat) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return "Invalid"
}

var formatBpp = [18]uint32{
	32, 24, 16, 16, 16, 16, 16, 8, 8, 8, 4, 4, 4, 8, 16, 0, 24, 32,
}

// Bpp returns the format's bits per pixel in guest memory.
func (f PixelFormat) Bpp() uint32 {
	if f >= PixelFormat(len(formatBpp)) {
		return 0
	}
	return formatBpp[f]
}

// SurfaceType classifies how a surface's memory is interpreted.
type SurfaceType uint32

const (
	TypeColor SurfaceType = iota
	TypeTexture
	TypeDepth
	TypeDepthStencil
	TypeFill
	TypeInvalid
)

// Type derives the surface type from the format.
func (f PixelFormat) Type() SurfaceType {
	switch {
	case f <= FormatRGBA4:
		return TypeColor
	case f <= FormatETC1A4:
		return TypeTexture
	case f == FormatD16 || f == FormatD24:
		return TypeDepth
	case f == FormatD24S8:
		return TypeDepthStencil
	}
	return TypeInvalid
}

// PixelFormatFromTextureFormat maps a texture unit format.
func PixelFormatFromTextureFormat(f pica.TextureFormat) PixelFormat {
	if f <= pica.TexETC1A4 {
		return PixelFormat(f)
	}
	return FormatInvalid
}

// PixelFormatFromColorFormat maps a color buffer format.
func PixelFormatFromColorFormat(f pica.ColorFormat) PixelFormat {
	if f <= pica.ColorRGBA4 {
		return PixelFormat(f)
	}
	return FormatInvalid
}

// PixelFormatFromDepthFormat maps a depth buffer format.
func PixelFormatFromDepthFormat(f pica.DepthFormat) PixelFormat {
	switch f {
	case pica.DepthD16:
		return FormatD16
	case pica.DepthD24:
		return FormatD24
	case pica.DepthD24S8:
		return FormatD24S8
	}
	return FormatInvalid
}

// CheckFormatsBlittable reports whether pixels can be blitted between two
// formats, i.e. both alias the same surface class.
func CheckFormatsBlittable(src, dst PixelFormat) bool {
	if src == FormatInvalid || dst == FormatInvalid {
		return false
	}
	srcType, dstType := src.Type(), dst.Type()
	colorish := func(t SurfaceType) bool { return t == TypeColor || t == TypeTexture }
	if colorish(srcType) && colorish(dstType) {
		return true
	}
	return srcType == dstType
}
