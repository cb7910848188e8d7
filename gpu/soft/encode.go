package soft

import (
	"encoding/binary"

	"github.com/ctremu/ctr/gpu/rastercache"
)

// encodePixel packs a clear value into one stored pixel of the image
// format.  The inverse of the cache's clear value decoding.
func encodePixel(format rastercache.PixelFormat, v rastercache.ClearValue) []byte {
	c8 := func(f float32) uint32 { return uint32(f*255 + 0.5) }
	cn := func(f float32, maxv uint32) uint32 { return uint32(f*float32(maxv) + 0.5) }

	switch format {
	case rastercache.FormatRGBA8:
		return []byte{
			byte(c8(v.Color[3])), byte(c8(v.Color[2])),
			byte(c8(v.Color[1])), byte(c8(v.Color[0])),
		}
	case rastercache.FormatRGB8:
		return []byte{byte(c8(v.Color[2])), byte(c8(v.Color[1])), byte(c8(v.Color[0]))}
	case rastercache.FormatRGB5A1:
		bits := cn(v.Color[0], 31)<<11 | cn(v.Color[1], 31)<<6 |
			cn(v.Color[2], 31)<<1 | cn(v.Color[3], 1)
		return binary.LittleEndian.AppendUint16(nil, uint16(bits))
	case rastercache.FormatRGB565:
		bits := cn(v.Color[0], 31)<<11 | cn(v.Color[1], 63)<<5 | cn(v.Color[2], 31)
		return binary.LittleEndian.AppendUint16(nil, uint16(bits))
	case rastercache.FormatRGBA4:
		bits := cn(v.Color[0], 15)<<12 | cn(v.Color[1], 15)<<8 |
			cn(v.Color[2], 15)<<4 | cn(v.Color[3], 15)
		return binary.LittleEndian.AppendUint16(nil, uint16(bits))
	case rastercache.FormatIA8:
		return []byte{byte(c8(v.Color[3])), byte(c8(v.Color[0]))}
	case rastercache.FormatI8:
		return []byte{byte(c8(v.Color[0]))}
	case rastercache.FormatA8:
		return []byte{byte(c8(v.Color[3]))}
	case rastercache.FormatI4:
		return []byte{byte(cn(v.Color[0], 15))}
	case rastercache.FormatA4:
		return []byte{byte(cn(v.Color[3], 15))}
	case rastercache.FormatD16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v.Depth*65535+0.5))
	case rastercache.FormatD24:
		d := uint32(v.Depth*16777215 + 0.5)
		return []byte{byte(d), byte(d >> 8), byte(d >> 16)}
	case rastercache.FormatD24S8:
		d := uint32(v.Depth*16777215+0.5) | uint32(v.Stencil)<<24
		return binary.LittleEndian.AppendUint32(nil, d)
	}
	return make([]byte, internalBytesPP(format))
}
