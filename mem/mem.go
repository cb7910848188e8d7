// Package mem models the console's physical memory map as seen by the GPU.
// It owns the backing storage for VRAM and FCRAM and hands out byte slices
// into it by physical address.
//
// The rasterizer's page tracker reports cached page ranges through
// MarkRegionCached, which the memory system uses to begin or end write
// trapping on the affected pages.
package mem

import "github.com/ctremu/ctr/gpu"

// PAddr is a guest physical address.
type PAddr uint32

// Pages are the granularity of CPU write trapping.
const (
	PageBits = 12
	PageSize = 1 << PageBits
)

// Physical memory regions reachable by the GPU.
const (
	VRAMBegin PAddr = 0x1800_0000
	VRAMSize        = 0x0060_0000
	VRAMEnd         = VRAMBegin + VRAMSize

	FCRAMBegin PAddr = 0x2000_0000
	FCRAMSize        = 0x0800_0000
	FCRAMEnd         = FCRAMBegin + FCRAMSize
)

// CacheObserver is notified when page ranges transition between cached and
// uncached.  The emulator's MMU implements it to install or remove write
// traps; tests implement it to record the notifications.
type CacheObserver interface {
	MarkRegionCached(addr PAddr, size int, cached bool)
}

// Memory holds the physical memory backing.  All methods are safe to call
// from the rasterizer thread and the CPU write callbacks; the backing slices
// themselves are not synchronized, matching the hardware's lack of coherency
// between GPU and CPU accesses.
type Memory struct {
	vram     []byte
	fcram    []byte
	observer CacheObserver
}

func New() *Memory {
	return &Memory{
		vram:  make([]byte, VRAMSize),
		fcram: make([]byte, FCRAMSize),
	}
}

// SetCacheObserver installs the observer that receives MarkRegionCached
// notifications.  A nil observer drops them.
func (m *Memory) SetCacheObserver(o CacheObserver) { m.observer = o }

// Physical returns the bytes from addr to the end of its region, or nil if
// addr is unmapped.  The slice aliases the backing storage.
//
// This collapses the pointer/ref split of the hardware interface: a Go slice
// carries its length.
func (m *Memory) Physical(addr PAddr) []byte {
	switch {
	case addr >= VRAMBegin && addr < VRAMEnd:
		return m.vram[addr-VRAMBegin:]
	case addr >= FCRAMBegin && addr < FCRAMEnd:
		return m.fcram[addr-FCRAMBegin:]
	}
	gpu.Logger().Error("invalid physical address", "addr", uint32(addr))
	return nil
}

// PhysicalSized returns at most size bytes at addr, clamped to the region
// end.  Returns nil if addr is unmapped.
func (m *Memory) PhysicalSized(addr PAddr, size int) []byte {
	p := m.Physical(addr)
	if p == nil {
		return nil
	}
	return p[:min(size, len(p))]
}

// MarkRegionCached forwards a page tracking notification to the observer.
func (m *Memory) MarkRegionCached(addr PAddr, size int, cached bool) {
	if m.observer != nil {
		m.observer.MarkRegionCached(addr, size, cached)
	}
}
