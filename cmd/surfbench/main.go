// Command surfbench drives the surface cache with a synthetic frame
// workload against the software runtime.  It exercises the hot paths of a
// typical frame: transfer engine fills, framebuffer binding, texture
// uploads and present readbacks.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/profile"

	"github.com/ctremu/ctr/gpu/pica"
	"github.com/ctremu/ctr/gpu/rastercache"
	"github.com/ctremu/ctr/gpu/rasterizer"
	"github.com/ctremu/ctr/gpu/soft"
	"github.com/ctremu/ctr/mem"
)

type nopBackend struct{}

func (nopBackend) NotifyFixedFunction(id uint32) {}

func main() {
	frames := flag.Int("frames", 60, "number of frames to simulate")
	scale := flag.Int("scale", 2, "resolution scale factor")
	texSize := flag.Int("tex", 64, "texture edge length in pixels")
	prof := flag.String("profile", "", "write a profile: cpu or mem")
	flag.Parse()

	switch *prof {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "":
	default:
		fmt.Fprintln(os.Stderr, "surfbench: unknown profile mode", *prof)
		os.Exit(1)
	}

	memory := mem.New()
	state := &pica.State{}
	rast := rasterizer.New(memory, state, nopBackend{})
	runtime := soft.New()
	cache := rastercache.New(memory, runtime, rast, uint16(*scale))
	rast.SetFlusher(cache)

	const width, height = 320, 240
	fb := pica.FramebufferConfig{
		Width:        width,
		Height:       height,
		ColorAddress: mem.VRAMBegin,
		DepthAddress: mem.VRAMBegin + 0x0010_0000,
		ColorFormat:  pica.ColorRGBA8,
		DepthFormat:  pica.DepthD24S8,
	}
	viewport := rastercache.Viewport{Left: 0, Top: height, Right: width, Bottom: 0}

	texAddr := mem.FCRAMBegin
	texBytes := *texSize * *texSize * 4

	for frame := range *frames {
		// Transfer engine clears the color buffer.
		fill := cache.GetFillSurface(pica.MemoryFillConfig{
			Start:  fb.ColorAddress,
			End:    fb.ColorAddress + width*height*4,
			Value:  0xff202020,
			Fill32: true,
		})
		cache.InvalidateRegion(fill.Addr, int(fill.Size), fill)

		// The CPU streams a new texture every frame.
		tex := memory.Physical(texAddr)[:texBytes]
		for i := 0; i < texBytes; i += 4 {
			binary.LittleEndian.PutUint32(tex[i:], uint32(frame)*0x01010101+uint32(i))
		}
		cache.InvalidateRegion(texAddr, texBytes, nil)
		cache.GetTextureSurface(pica.TextureInfo{
			PhysicalAddress: texAddr,
			Width:           uint32(*texSize),
			Height:          uint32(*texSize),
			Format:          pica.TexRGBA8,
		}, 0)

		// Bind and draw into the framebuffer.
		color, _, _ := cache.GetFramebufferSurfaces(fb, true, true, viewport)
		if color != nil {
			cache.InvalidateRegion(color.Addr, int(color.Size), color)
		}

		// Present readback every few frames.
		if frame%8 == 7 {
			cache.FlushRegion(fb.ColorAddress, width*height*4)
		}
	}

	fmt.Printf("frames=%d uploads=%d downloads=%d finishes=%d\n",
		*frames, runtime.Uploads(), runtime.Downloads(), runtime.Finishes())
}
