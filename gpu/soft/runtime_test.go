package soft

import (
	"bytes"
	"testing"

	"github.com/ctremu/ctr/gpu/rastercache"
)

func newSurface(width, height uint32, format rastercache.PixelFormat, scale uint16, r *Runtime) *rastercache.Surface {
	params := rastercache.SurfaceParams{
		Addr:        0x1810_0000,
		Width:       width,
		Height:      height,
		PixelFormat: format,
		ResScale:    scale,
		IsTiled:     true,
	}
	params.UpdateParams()
	s := rastercache.NewSurface(params)
	s.Texture = r.NewTexture(&params)
	return s
}

func TestTransfersDeferUntilFinish(t *testing.T) {
	r := New()
	s := newSurface(8, 8, rastercache.FormatRGBA8, 1, r)

	staging := r.FindStaging(8*8*4, true)
	for i := range staging.Mapped {
		staging.Mapped[i] = 0xaa
	}
	r.Upload(s, rastercache.BufferTextureCopy{
		TextureRect: rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0},
	}, staging)

	img := s.Texture.(*Image)
	if img.Pixel(0, 0)[0] == 0xaa {
		t.Fatal("upload must not execute before Finish")
	}
	r.Finish()
	if img.Pixel(0, 0)[0] != 0xaa {
		t.Fatal("upload not applied by Finish")
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	r := New()
	s := newSurface(8, 8, rastercache.FormatRGB565, 2, r)

	up := r.FindStaging(8*8*2, true)
	for i := range up.Mapped {
		up.Mapped[i] = byte(i)
	}
	rect := rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0}
	r.Upload(s, rastercache.BufferTextureCopy{TextureRect: rect}, up)

	down := r.FindStaging(8*8*2, false)
	r.Download(s, rastercache.BufferTextureCopy{TextureRect: rect}, down)
	r.Finish()

	if !bytes.Equal(up.Mapped, down.Mapped) {
		t.Error("scaled upload/download round trip altered pixels")
	}
}

func TestNibbleFormatsWidenToBytes(t *testing.T) {
	r := New()
	s := newSurface(8, 8, rastercache.FormatI4, 1, r)

	up := r.FindStaging(8*8/2, true)
	up.Mapped[0] = 0x21 // pixels 1 and 2
	rect := rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0}
	r.Upload(s, rastercache.BufferTextureCopy{TextureRect: rect}, up)
	r.Finish()

	img := s.Texture.(*Image)
	if img.Pixel(0, 0)[0] != 1 || img.Pixel(1, 0)[0] != 2 {
		t.Errorf("nibbles not widened: %v %v", img.Pixel(0, 0), img.Pixel(1, 0))
	}

	down := r.FindStaging(8*8/2, false)
	r.Download(s, rastercache.BufferTextureCopy{TextureRect: rect}, down)
	r.Finish()
	if down.Mapped[0] != 0x21 {
		t.Errorf("nibbles not repacked: %#x", down.Mapped[0])
	}
}

func TestBlitScalesBetweenSurfaces(t *testing.T) {
	r := New()
	src := newSurface(8, 8, rastercache.FormatRGBA8, 1, r)
	dst := newSurface(8, 8, rastercache.FormatRGBA8, 2, r)

	up := r.FindStaging(8*8*4, true)
	for i := 0; i < len(up.Mapped); i += 4 {
		up.Mapped[i] = byte(i / 4)
	}
	r.Upload(src, rastercache.BufferTextureCopy{
		TextureRect: rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0},
	}, up)

	r.BlitTextures(src, dst, rastercache.TextureBlit{
		SrcRect: rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0},
		DstRect: rastercache.Rect{Left: 0, Top: 16, Right: 16, Bottom: 0},
	})
	r.Finish()

	srcImg, dstImg := src.Texture.(*Image), dst.Texture.(*Image)
	for _, xy := range [][2]uint32{{0, 0}, {3, 5}, {7, 7}} {
		want := srcImg.Pixel(xy[0], xy[1])[0]
		for _, d := range [][2]uint32{
			{xy[0] * 2, xy[1] * 2}, {xy[0]*2 + 1, xy[1]*2 + 1},
		} {
			if got := dstImg.Pixel(d[0], d[1])[0]; got != want {
				t.Errorf("scaled pixel (%d,%d) = %d, expected %d", d[0], d[1], got, want)
			}
		}
	}
}

func TestClearTextureEncodesFormat(t *testing.T) {
	r := New()
	s := newSurface(8, 8, rastercache.FormatRGB565, 1, r)

	r.ClearTexture(s, rastercache.TextureClear{
		Rect: rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0},
	}, rastercache.ClearValue{Color: [4]float32{1, 0, 0, 1}})
	r.Finish()

	img := s.Texture.(*Image)
	// Pure red in RGB565 is 0xf800, stored little endian.
	if p := img.Pixel(4, 4); p[0] != 0x00 || p[1] != 0xf8 {
		t.Errorf("clear wrote % x", p)
	}
}

func TestCopyTexturesBetweenLayers(t *testing.T) {
	r := New()
	face := newSurface(8, 8, rastercache.FormatRGBA8, 1, r)
	cube := newSurface(8, 8, rastercache.FormatRGBA8, 1, r)

	up := r.FindStaging(8*8*4, true)
	for i := range up.Mapped {
		up.Mapped[i] = 0x42
	}
	r.Upload(face, rastercache.BufferTextureCopy{
		TextureRect: rastercache.Rect{Left: 0, Top: 8, Right: 8, Bottom: 0},
	}, up)

	r.CopyTextures(face, cube, rastercache.TextureCopy{
		DstLayer: 3,
		Extent:   rastercache.Extent{Width: 8, Height: 8},
	})
	r.Finish()

	img := cube.Texture.(*Image)
	layer := img.bytes(plane{layer: 3})
	if layer[0] != 0x42 {
		t.Error("copy did not reach the target layer")
	}
	if img.bytes(plane{})[0] == 0x42 {
		t.Error("copy leaked into layer 0")
	}
}
