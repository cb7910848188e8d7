package rastercache

import (
	"encoding/binary"

	"github.com/ctremu/ctr/debug"
)

type Offset struct {
	X, Y uint32
}

type Extent struct {
	Width, Height uint32
}

// ClearValue carries either a color or a depth/stencil clear, depending on
// the target's surface type.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint8
}

type TextureClear struct {
	Level uint32
	Rect  Rect
}

type TextureCopy struct {
	SrcLevel, DstLevel uint32
	SrcLayer, DstLayer uint32
	SrcOffset          Offset
	DstOffset          Offset
	Extent             Extent
}

type TextureBlit struct {
	SrcLevel, DstLevel uint32
	SrcLayer, DstLayer uint32
	SrcRect            Rect
	DstRect            Rect
}

type BufferTextureCopy struct {
	BufferOffset uint32
	BufferSize   uint32
	TextureRect  Rect
	TextureLevel uint32
}

// StagingData is a mapped staging buffer slot for uploads and downloads.
type StagingData struct {
	Size   int
	Mapped []byte
	Offset int
}

// Reinterpreter is a bit-preserving pixel rewrite between two formats,
// registered by the backend per destination format.
type Reinterpreter interface {
	SourceFormat() PixelFormat
	Reinterpret(src *Surface, srcRect Rect, dst *Surface, dstRect Rect)
}

// Runtime is the backend contract the cache drives.  Transfer commands are
// recorded into the backend's command stream; Finish is a synchronous
// barrier that completes all recorded work.
type Runtime interface {
	// NewTexture allocates the backend image for a surface.
	NewTexture(params *SurfaceParams) Texture

	// FindStaging returns a mapped staging slot of at least size bytes.
	FindStaging(size int, upload bool) StagingData

	CopyTextures(src, dst *Surface, copy TextureCopy) bool
	BlitTextures(src, dst *Surface, blit TextureBlit) bool
	ClearTexture(dst *Surface, clear TextureClear, value ClearValue)

	// Upload transfers staging bytes into a surface's image rectangle,
	// Download the reverse.  Download data is available in the staging
	// buffer only after Finish.
	Upload(dst *Surface, upload BufferTextureCopy, staging StagingData)
	Download(src *Surface, download BufferTextureCopy, staging StagingData)

	// Finish blocks until all recorded transfers completed.
	Finish()

	// NeedsConversion reports whether the backend cannot sample the format
	// natively and FormatConvert must rewrite uploads and downloads.
	NeedsConversion(format PixelFormat) bool
	FormatConvert(s *Surface, upload bool, src, dst []byte)

	// Reinterpreters returns the registered reinterpreters producing dst,
	// in registration order.
	Reinterpreters(dst PixelFormat) []Reinterpreter
}

// MakeClearValue derives the backend clear value from a fill pattern.
func MakeClearValue(t SurfaceType, format PixelFormat, fillData []byte) ClearValue {
	var value ClearValue
	switch t {
	case TypeColor, TypeTexture, TypeFill:
		value.Color = decodeColor(format, fillData)
	case TypeDepth:
		if format == FormatD16 {
			d := uint32(binary.LittleEndian.Uint16(fillData))
			value.Depth = float32(d) / 65535
		} else {
			d := uint32(fillData[0]) | uint32(fillData[1])<<8 | uint32(fillData[2])<<16
			value.Depth = float32(d) / 16777215
		}
	case TypeDepthStencil:
		v := binary.LittleEndian.Uint32(fillData)
		value.Depth = float32(v&0xffffff) / 16777215
		value.Stencil = uint8(v >> 24)
	default:
		debug.Assert(false, "clear value for invalid surface type")
	}
	return value
}

// decodeColor expands one pixel of the simple color formats to normalized
// RGBA.  Compressed and exotic formats clear to opaque black; their fill
// configurations do not occur on hardware.
func decodeColor(format PixelFormat, p []byte) [4]float32 {
	norm := func(v, maxv uint32) float32 { return float32(v) / float32(maxv) }
	switch format {
	case FormatRGBA8:
		return [4]float32{norm(uint32(p[3]), 255), norm(uint32(p[2]), 255),
			norm(uint32(p[1]), 255), norm(uint32(p[0]), 255)}
	case FormatRGB8:
		return [4]float32{norm(uint32(p[2]), 255), norm(uint32(p[1]), 255),
			norm(uint32(p[0]), 255), 1}
	case FormatRGB5A1:
		v := uint32(binary.LittleEndian.Uint16(p))
		return [4]float32{norm(v>>11&0x1f, 31), norm(v>>6&0x1f, 31),
			norm(v>>1&0x1f, 31), float32(v & 1)}
	case FormatRGB565:
		v := uint32(binary.LittleEndian.Uint16(p))
		return [4]float32{norm(v>>11&0x1f, 31), norm(v>>5&0x3f, 63),
			norm(v&0x1f, 31), 1}
	case FormatRGBA4:
		v := uint32(binary.LittleEndian.Uint16(p))
		return [4]float32{norm(v>>12&0xf, 15), norm(v>>8&0xf, 15),
			norm(v>>4&0xf, 15), norm(v&0xf, 15)}
	case FormatIA8:
		return [4]float32{norm(uint32(p[1]), 255), norm(uint32(p[1]), 255),
			norm(uint32(p[1]), 255), norm(uint32(p[0]), 255)}
	case FormatI8:
		i := norm(uint32(p[0]), 255)
		return [4]float32{i, i, i, 1}
	case FormatA8:
		return [4]float32{0, 0, 0, norm(uint32(p[0]), 255)}
	}
	return [4]float32{0, 0, 0, 1}
}
