package pica

import "github.com/ctremu/ctr/mem"

// TextureFormat enumerates the texture unit's source formats.
type TextureFormat uint32

const (
	TexRGBA8 TextureFormat = iota
	TexRGB8
	TexRGB5A1
	TexRGB565
	TexRGBA4
	TexIA8
	TexRG8
	TexI8
	TexA8
	TexIA4
	TexI4
	TexA4
	TexETC1
	TexETC1A4
)

// ColorFormat enumerates the color buffer formats.
type ColorFormat uint32

const (
	ColorRGBA8 ColorFormat = iota
	ColorRGB8
	ColorRGB5A1
	ColorRGB565
	ColorRGBA4
)

// DepthFormat enumerates the depth buffer formats.
type DepthFormat uint32

const (
	DepthD16 DepthFormat = iota
	_
	DepthD24
	DepthD24S8
)

// TextureInfo describes a texture as configured in a texture unit.
type TextureInfo struct {
	PhysicalAddress mem.PAddr
	Width, Height   uint32
	Format          TextureFormat
}

// FullTextureConfig is a texture unit configuration together with the
// maximum mipmap level from the unit's LOD register.
type FullTextureConfig struct {
	Info     TextureInfo
	MaxLevel uint32
}

// MemoryFillConfig describes a pending memory fill operation of the transfer
// engine.  The fill repeats Value with 16, 24 or 32 bit period.
type MemoryFillConfig struct {
	Start, End mem.PAddr
	Value      uint32
	Fill24     bool
	Fill32     bool
}

// FramebufferConfig describes the bound color and depth buffers.
type FramebufferConfig struct {
	Width, Height uint32
	ColorAddress  mem.PAddr
	DepthAddress  mem.PAddr
	ColorFormat   ColorFormat
	DepthFormat   DepthFormat
}

// AttributeLoader describes one vertex attribute loader of the geometry
// pipeline.
type AttributeLoader struct {
	Offset         uint32
	ByteCount      uint32
	ComponentCount uint32
}

// PipelineState is the decoded draw call configuration.  The register
// mirror does not shadow these words; they are read directly at draw time.
type PipelineState struct {
	BaseAddress  mem.PAddr // vertex attribute physical base
	IndexOffset  uint32    // index array offset relative to BaseAddress
	IndexU16     bool      // 16-bit indices if true, else 8-bit
	NumVertices  uint32
	VertexOffset uint32 // first vertex for non-indexed draws
	Loaders      [12]AttributeLoader
}

// State aggregates the GPU state a rasterizer reads.
type State struct {
	Regs     Regs
	Pipeline PipelineState
}
