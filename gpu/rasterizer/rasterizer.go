// Package rasterizer implements the hardware independent parts of an
// accelerated rasterizer: page-granular tracking of cached guest memory,
// shadowing of the GPU registers consumed by shaders, and vertex batching.
package rasterizer

import (
	"encoding/binary"

	"github.com/ctremu/ctr/debug"
	"github.com/ctremu/ctr/gpu/pica"
	"github.com/ctremu/ctr/mem"
)

// NumPages covers the whole 32-bit physical address space.
const NumPages = 1 << (32 - mem.PageBits)

// Backend receives the register writes that map to fixed function API
// state instead of shader uniforms.
type Backend interface {
	NotifyFixedFunction(id uint32)
}

// RegionFlusher flushes dirty cached bytes back to guest memory.
// Implemented by the surface cache.
type RegionFlusher interface {
	FlushRegion(addr mem.PAddr, size int)
}

// Accelerated is the rasterizer base driven by the GPU command processor.
// It is bound to a surface cache through SetFlusher after construction.
type Accelerated struct {
	memory  *mem.Memory
	state   *pica.State
	backend Backend
	flusher RegionFlusher

	cachedPages [NumPages]uint16

	vertexBatch []HardwareVertex

	uniform     UniformBlock
	shaderDirty bool
}

func New(memory *mem.Memory, state *pica.State, backend Backend) *Accelerated {
	r := &Accelerated{
		memory:  memory,
		state:   state,
		backend: backend,
	}
	for i := range r.uniform.LightingLutDirty {
		r.uniform.LightingLutDirty[i] = true
	}
	r.uniform.LightingLutDirtyAny = true
	return r
}

// SetFlusher binds the surface cache used to flush index buffers and, on
// ClearAll, everything else.
func (r *Accelerated) SetFlusher(f RegionFlusher) { r.flusher = f }

// Uniforms exposes the shadowed uniform block.
func (r *Accelerated) Uniforms() *UniformBlock { return &r.uniform }

// ShaderDirty reports and clears the pending shader regeneration flag.
func (r *Accelerated) ShaderDirty() bool { return r.shaderDirty }
func (r *Accelerated) ClearShaderDirty() { r.shaderDirty = false }

// PageCount returns the cached reference count of the page containing addr.
func (r *Accelerated) PageCount(addr mem.PAddr) uint16 {
	return r.cachedPages[addr>>mem.PageBits]
}

// UpdatePagesCachedCount adjusts the cached count of every page covering
// the byte range by delta.  Contiguous 0->1 and 1->0 transitions batch into
// single MarkRegionCached calls.
func (r *Accelerated) UpdatePagesCachedCount(addr mem.PAddr, size int, delta int) {
	pageStart := uint32(addr) >> mem.PageBits
	pageEnd := (uint32(addr)+uint32(size)-1)>>mem.PageBits + 1

	var uncacheStartAddr, cacheStartAddr mem.PAddr
	uncacheBytes, cacheBytes := 0, 0

	for page := pageStart; page != pageEnd; page++ {
		count := &r.cachedPages[page]

		if delta > 0 {
			debug.Assert(*count < 0xffff, "page count will overflow")
		} else if delta < 0 {
			debug.Assert(*count > 0, "page count will underflow")
		} else {
			debug.Assert(false, "delta must be non-zero")
		}

		*count = uint16(int(*count) + delta)

		// delta is either -1 or 1
		if *count == 0 {
			if uncacheBytes == 0 {
				uncacheStartAddr = mem.PAddr(page << mem.PageBits)
			}
			uncacheBytes += mem.PageSize
		} else if uncacheBytes > 0 {
			r.memory.MarkRegionCached(uncacheStartAddr, uncacheBytes, false)
			uncacheBytes = 0
		}

		if *count == 1 && delta > 0 {
			if cacheBytes == 0 {
				cacheStartAddr = mem.PAddr(page << mem.PageBits)
			}
			cacheBytes += mem.PageSize
		} else if cacheBytes > 0 {
			r.memory.MarkRegionCached(cacheStartAddr, cacheBytes, true)
			cacheBytes = 0
		}
	}

	if uncacheBytes > 0 {
		r.memory.MarkRegionCached(uncacheStartAddr, uncacheBytes, false)
	}
	if cacheBytes > 0 {
		r.memory.MarkRegionCached(cacheStartAddr, cacheBytes, true)
	}
}

// ClearAll drops all page tracking, optionally flushing cached surfaces
// first, and notifies the memory system with one bulk uncache per
// contiguous cached run.
func (r *Accelerated) ClearAll(flush bool) {
	if flush && r.flusher != nil {
		r.flusher.FlushRegion(0, 0xffffffff)
	}

	var uncacheStartAddr mem.PAddr
	uncacheBytes := 0

	for page := range uint32(NumPages) {
		if r.cachedPages[page] != 0 {
			if uncacheBytes == 0 {
				uncacheStartAddr = mem.PAddr(page << mem.PageBits)
			}
			uncacheBytes += mem.PageSize
		} else if uncacheBytes > 0 {
			r.memory.MarkRegionCached(uncacheStartAddr, uncacheBytes, false)
			uncacheBytes = 0
		}
	}

	if uncacheBytes > 0 {
		r.memory.MarkRegionCached(uncacheStartAddr, uncacheBytes, false)
	}

	clear(r.cachedPages[:])
}

// HardwareVertex is one batched vertex with all attributes widened to
// float32.
type HardwareVertex struct {
	Position   [4]float32
	Color      [4]float32
	TexCoord0  [2]float32
	TexCoord1  [2]float32
	TexCoord2  [2]float32
	TexCoord0W float32
	NormQuat   [4]float32
	View       [3]float32
}

func makeHardwareVertex(v *pica.OutputVertex, flipQuaternion bool) HardwareVertex {
	hv := HardwareVertex{
		TexCoord0W: v.TC0W.Float32(),
	}
	for i := range 4 {
		hv.Position[i] = v.Pos[i].Float32()
		hv.Color[i] = v.Color[i].Float32()
		hv.NormQuat[i] = v.Quat[i].Float32()
	}
	for i := range 2 {
		hv.TexCoord0[i] = v.TC0[i].Float32()
		hv.TexCoord1[i] = v.TC1[i].Float32()
		hv.TexCoord2[i] = v.TC2[i].Float32()
	}
	for i := range 3 {
		hv.View[i] = v.View[i].Float32()
	}
	if flipQuaternion {
		for i := range 4 {
			hv.NormQuat[i] = -hv.NormQuat[i]
		}
	}
	return hv
}

// For any rotation the quaternions Q and -Q are equivalent, but
// interpolating between opposite quaternions takes the long way around.
// The hardware flips the per-vertex quaternion to the representation
// closest to the provoking vertex, which a negative dot product detects.
func quaternionsOpposite(qa, qb [4]pica.F24) bool {
	var dot float32
	for i := range 4 {
		dot += qa[i].Float32() * qb[i].Float32()
	}
	return dot < 0
}

// AddTriangle appends the triangle's three vertices to the batch,
// correcting v1's and v2's quaternions against v0's.
func (r *Accelerated) AddTriangle(v0, v1, v2 *pica.OutputVertex) {
	r.vertexBatch = append(r.vertexBatch,
		makeHardwareVertex(v0, false),
		makeHardwareVertex(v1, quaternionsOpposite(v0.Quat, v1.Quat)),
		makeHardwareVertex(v2, quaternionsOpposite(v0.Quat, v2.Quat)),
	)
}

// VertexBatch returns the accumulated vertices.
func (r *Accelerated) VertexBatch() []HardwareVertex { return r.vertexBatch }

// ResetVertexBatch drops the accumulated vertices, keeping the backing
// storage.
func (r *Accelerated) ResetVertexBatch() { r.vertexBatch = r.vertexBatch[:0] }

// VertexArrayInfo is the result of analyzing a draw's vertex array.
type VertexArrayInfo struct {
	VertexMin uint32
	VertexMax uint32
	// VSInputSize is the vertex shader input buffer size needed to hold
	// the used range of every active attribute loader.
	VSInputSize uint32
}

// AnalyzeVertexArray determines the range of vertices used by the pending
// draw, reading the index array from guest memory for indexed draws, and
// the input buffer size it requires.
func (r *Accelerated) AnalyzeVertexArray(isIndexed bool, strideAlignment uint32) VertexArrayInfo {
	pipeline := &r.state.Pipeline

	var vertexMin, vertexMax uint32
	if isIndexed {
		address := pipeline.BaseAddress + mem.PAddr(pipeline.IndexOffset)
		indexSize := 1
		if pipeline.IndexU16 {
			indexSize = 2
		}
		size := int(pipeline.NumVertices) * indexSize

		// The CPU may have written indices the cache still holds dirty.
		if r.flusher != nil {
			r.flusher.FlushRegion(address, size)
		}
		indexes := r.memory.PhysicalSized(address, size)

		vertexMin = 0xffff
		vertexMax = 0
		for i := range pipeline.NumVertices {
			var vertex uint32
			if pipeline.IndexU16 {
				vertex = uint32(binary.LittleEndian.Uint16(indexes[i*2:]))
			} else {
				vertex = uint32(indexes[i])
			}
			vertexMin = min(vertexMin, vertex)
			vertexMax = max(vertexMax, vertex)
		}
	} else {
		vertexMin = pipeline.VertexOffset
		vertexMax = pipeline.VertexOffset + pipeline.NumVertices - 1
	}

	vertexNum := vertexMax - vertexMin + 1
	var vsInputSize uint32
	for _, loader := range pipeline.Loaders {
		if loader.ComponentCount != 0 {
			alignedStride := alignUp(loader.ByteCount, strideAlignment)
			vsInputSize += alignUp(alignedStride*vertexNum, 4)
		}
	}

	return VertexArrayInfo{vertexMin, vertexMax, vsInputSize}
}

func alignUp(v, mult uint32) uint32 { return (v + mult - 1) / mult * mult }
