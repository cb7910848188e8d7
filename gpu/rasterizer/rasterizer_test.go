package rasterizer

import (
	"encoding/binary"
	"testing"

	"github.com/ctremu/ctr/gpu/pica"
	"github.com/ctremu/ctr/mem"
)

type markCall struct {
	addr   mem.PAddr
	size   int
	cached bool
}

type markRecorder struct {
	calls []markCall
}

func (r *markRecorder) MarkRegionCached(addr mem.PAddr, size int, cached bool) {
	r.calls = append(r.calls, markCall{addr, size, cached})
}

type nopBackend struct{}

func (nopBackend) NotifyFixedFunction(id uint32) {}

func newTestRasterizer() (*Accelerated, *markRecorder, *pica.State) {
	memory := mem.New()
	recorder := &markRecorder{}
	memory.SetCacheObserver(recorder)
	state := &pica.State{}
	return New(memory, state, nopBackend{}), recorder, state
}

func TestPageTrackerCacheUncache(t *testing.T) {
	r, recorder, _ := newTestRasterizer()

	r.UpdatePagesCachedCount(0x1000, 0x3000, 1)
	if len(recorder.calls) != 1 {
		t.Fatalf("expected one batched cache call, got %v", recorder.calls)
	}
	if recorder.calls[0] != (markCall{0x1000, 0x3000, true}) {
		t.Errorf("unexpected cache call %+v", recorder.calls[0])
	}

	r.UpdatePagesCachedCount(0x1000, 0x3000, -1)
	if len(recorder.calls) != 2 {
		t.Fatalf("expected one batched uncache call, got %v", recorder.calls)
	}
	if recorder.calls[1] != (markCall{0x1000, 0x3000, false}) {
		t.Errorf("unexpected uncache call %+v", recorder.calls[1])
	}

	for _, addr := range []mem.PAddr{0x1000, 0x2000, 0x3000} {
		if r.PageCount(addr) != 0 {
			t.Errorf("page %#x count not zero", addr)
		}
	}
}

func TestPageTrackerOverlap(t *testing.T) {
	r, recorder, _ := newTestRasterizer()

	// Two surfaces sharing the middle page.
	r.UpdatePagesCachedCount(0x1000, 0x2000, 1)
	r.UpdatePagesCachedCount(0x2000, 0x2000, 1)

	// Only the new page transitions 0->1.
	if last := recorder.calls[len(recorder.calls)-1]; last != (markCall{0x3000, 0x1000, true}) {
		t.Errorf("expected cache of the new page only, got %+v", last)
	}
	if r.PageCount(0x2000) != 2 {
		t.Errorf("shared page count %d, expected 2", r.PageCount(0x2000))
	}

	// Releasing the first surface uncaches only its private page.
	r.UpdatePagesCachedCount(0x1000, 0x2000, -1)
	if last := recorder.calls[len(recorder.calls)-1]; last != (markCall{0x1000, 0x1000, false}) {
		t.Errorf("expected uncache of the private page, got %+v", last)
	}
	if r.PageCount(0x2000) != 1 {
		t.Errorf("shared page count %d, expected 1", r.PageCount(0x2000))
	}
}

func TestPageTrackerRunBatching(t *testing.T) {
	r, recorder, _ := newTestRasterizer()

	// Pre-cache a page in the middle of the range; the surrounding pages
	// form two separate 0->1 runs.
	r.UpdatePagesCachedCount(0x2000, 0x1000, 1)
	recorder.calls = nil

	r.UpdatePagesCachedCount(0x1000, 0x3000, 1)
	want := []markCall{{0x1000, 0x1000, true}, {0x3000, 0x1000, true}}
	if len(recorder.calls) != 2 || recorder.calls[0] != want[0] || recorder.calls[1] != want[1] {
		t.Errorf("expected split cache runs %v, got %v", want, recorder.calls)
	}
}

func TestClearAll(t *testing.T) {
	r, recorder, _ := newTestRasterizer()

	r.UpdatePagesCachedCount(0x1000, 0x2000, 1)
	r.UpdatePagesCachedCount(0x5000, 0x1000, 1)
	recorder.calls = nil

	r.ClearAll(false)

	// One bulk uncache per contiguous cached run, including the final one.
	want := []markCall{{0x1000, 0x2000, false}, {0x5000, 0x1000, false}}
	if len(recorder.calls) != 2 || recorder.calls[0] != want[0] || recorder.calls[1] != want[1] {
		t.Errorf("expected uncache runs %v, got %v", want, recorder.calls)
	}
	if r.PageCount(0x1000) != 0 || r.PageCount(0x5000) != 0 {
		t.Error("page counts not cleared")
	}
}

func TestClearAllEmitsTrailingRun(t *testing.T) {
	r, recorder, _ := newTestRasterizer()

	// A run that extends to the very last tracked page.
	last := mem.PAddr(0xffff_f000)
	r.UpdatePagesCachedCount(last, mem.PageSize, 1)
	recorder.calls = nil

	r.ClearAll(false)
	if len(recorder.calls) != 1 || recorder.calls[0] != (markCall{last, mem.PageSize, false}) {
		t.Errorf("trailing run not emitted: %v", recorder.calls)
	}
}

func quat(x, y, z, w float32) [4]pica.F24 {
	return [4]pica.F24{
		pica.F24FromFloat32(x), pica.F24FromFloat32(y),
		pica.F24FromFloat32(z), pica.F24FromFloat32(w),
	}
}

func TestAddTriangleQuaternionFlip(t *testing.T) {
	r, _, _ := newTestRasterizer()

	v0 := &pica.OutputVertex{Quat: quat(1, 0, 0, 0)}
	v1 := &pica.OutputVertex{Quat: quat(-1, 0, 0, 0)}
	v2 := &pica.OutputVertex{Quat: quat(0.5, 0.5, 0, 0)}

	r.AddTriangle(v0, v1, v2)
	batch := r.VertexBatch()
	if len(batch) != 3 {
		t.Fatalf("expected 3 vertices, got %d", len(batch))
	}

	if batch[1].NormQuat != [4]float32{1, 0, 0, 0} {
		t.Errorf("opposite quaternion not flipped: %v", batch[1].NormQuat)
	}
	if batch[2].NormQuat != [4]float32{0.5, 0.5, 0, 0} {
		t.Errorf("aligned quaternion flipped: %v", batch[2].NormQuat)
	}

	// The emitted quaternions all point the provoking vertex's way.
	for i, v := range batch {
		var dot float32
		for j := range 4 {
			dot += batch[0].NormQuat[j] * v.NormQuat[j]
		}
		if dot < 0 {
			t.Errorf("vertex %d quaternion opposes the provoking vertex", i)
		}
	}

	r.ResetVertexBatch()
	if len(r.VertexBatch()) != 0 {
		t.Error("batch not reset")
	}
}

type flushRecorder struct {
	addr mem.PAddr
	size int
}

func (f *flushRecorder) FlushRegion(addr mem.PAddr, size int) {
	f.addr, f.size = addr, size
}

func TestAnalyzeVertexArrayNonIndexed(t *testing.T) {
	r, _, state := newTestRasterizer()

	state.Pipeline = pica.PipelineState{
		NumVertices:  100,
		VertexOffset: 10,
	}
	state.Pipeline.Loaders[0] = pica.AttributeLoader{ByteCount: 12, ComponentCount: 3}

	info := r.AnalyzeVertexArray(false, 16)
	if info.VertexMin != 10 || info.VertexMax != 109 {
		t.Errorf("vertex range [%d,%d], expected [10,109]", info.VertexMin, info.VertexMax)
	}
	// 12 bytes aligned up to 16, times 100 vertices.
	if info.VSInputSize != 1600 {
		t.Errorf("input size %d, expected 1600", info.VSInputSize)
	}
}

func TestAnalyzeVertexArrayIndexed(t *testing.T) {
	memory := mem.New()
	state := &pica.State{}
	r := New(memory, state, nopBackend{})
	flusher := &flushRecorder{}
	r.SetFlusher(flusher)

	base := mem.FCRAMBegin
	indexes := []uint16{5, 2, 9, 2, 7}
	buf := memory.Physical(base)
	for i, idx := range indexes {
		binary.LittleEndian.PutUint16(buf[0x100+i*2:], idx)
	}

	state.Pipeline = pica.PipelineState{
		BaseAddress: base,
		IndexOffset: 0x100,
		IndexU16:    true,
		NumVertices: uint32(len(indexes)),
	}
	state.Pipeline.Loaders[0] = pica.AttributeLoader{ByteCount: 8, ComponentCount: 2}
	state.Pipeline.Loaders[1] = pica.AttributeLoader{ByteCount: 6, ComponentCount: 2}

	info := r.AnalyzeVertexArray(true, 4)
	if info.VertexMin != 2 || info.VertexMax != 9 {
		t.Errorf("vertex range [%d,%d], expected [2,9]", info.VertexMin, info.VertexMax)
	}
	// The index region is flushed before reading.
	if flusher.addr != base+0x100 || flusher.size != len(indexes)*2 {
		t.Errorf("index buffer not flushed: %#x %d", flusher.addr, flusher.size)
	}
	// Loader 0: 8 bytes * 8 vertices = 64; loader 1: align(6,4)=8 * 8 = 64.
	if info.VSInputSize != 128 {
		t.Errorf("input size %d, expected 128", info.VSInputSize)
	}
}
