package rastercache

import (
	"cmp"
	"slices"
	"sync"

	"github.com/ctremu/ctr/debug"
	"github.com/ctremu/ctr/gpu"
	"github.com/ctremu/ctr/gpu/pica"
	"github.com/ctremu/ctr/mem"
)

// ScaleMatch selects how a candidate's resolution scale is filtered during
// match finding.
type ScaleMatch int

const (
	ScaleExact   ScaleMatch = iota // only accept the same scale
	ScaleUpscale                   // accept the same or a higher scale
	ScaleIgnore                    // accept every scale
)

// MatchFlags select the predicates evaluated during match finding.
type MatchFlags uint32

const (
	MatchInvalid MatchFlags = 1 << iota // candidate may be partially valid
	MatchExact                          // candidate equals the request
	MatchSubRect                        // candidate encompasses the request
	MatchCopy                           // candidate can source a copy
	MatchExpand                         // candidate could grow to contain the request
	MatchTexCopy                        // candidate matches a texture copy transfer
)

// PageTracker maintains the per-page cached reference counts.  Implemented
// by the accelerated rasterizer.
type PageTracker interface {
	UpdatePagesCachedCount(addr mem.PAddr, size int, delta int)
}

// TextureCubeConfig keys a cube map by its six face addresses.
type TextureCubeConfig struct {
	PX, NX, PY, NY, PZ, NZ mem.PAddr
	Width                  uint32
	Format                 pica.TextureFormat
}

// Viewport is a viewport rectangle in unscaled framebuffer coordinates,
// possibly extending outside the framebuffer.
type Viewport struct {
	Left, Top, Right, Bottom int32
}

// Cache is the interval-indexed catalog of cached surfaces.
//
// A single mutex guards all mutating paths.  The CPU write callbacks enter
// FlushRegion and InvalidateRegion from other threads; everything else runs
// on the rasterizer thread.  Removal of surfaces discovered during a scan is
// staged in removeSurfaces and performed after the scan loops exit, so no
// reentrant locking is needed.
type Cache struct {
	mu      sync.Mutex
	memory  *mem.Memory
	runtime Runtime
	tracker PageTracker

	surfaces       []*Surface // registered surfaces ordered by Addr
	dirty          SurfaceMap
	removeSurfaces []*Surface
	cubeCache      map[TextureCubeConfig]*Surface
	downloadQueue  []func()

	scaleFactor  uint16
	desiredScale uint16
}

func New(memory *mem.Memory, runtime Runtime, tracker PageTracker, resolutionScale uint16) *Cache {
	return &Cache{
		memory:       memory,
		runtime:      runtime,
		tracker:      tracker,
		cubeCache:    make(map[TextureCubeConfig]*Surface),
		scaleFactor:  resolutionScale,
		desiredScale: resolutionScale,
	}
}

// SetResolutionScale requests a new resolution scale.  It takes effect at
// the next GetFramebufferSurfaces call, which flushes and resets the cache.
func (c *Cache) SetResolutionScale(scale uint16) {
	c.mu.Lock()
	c.desiredScale = scale
	c.mu.Unlock()
}

// overlapping returns the registered surfaces whose interval overlaps iv.
// The result is a snapshot; callers may register and unregister during
// iteration.
func (c *Cache) overlapping(iv Interval) []*Surface {
	var out []*Surface
	for _, s := range c.surfaces {
		if s.Interval().Overlaps(iv) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Cache) stageRemoval(s *Surface) {
	if !slices.Contains(c.removeSurfaces, s) {
		c.removeSurfaces = append(c.removeSurfaces, s)
	}
}

// findMatch returns the best candidate for params under the given flags, or
// nil.  Ties break on higher scale, then validity, then longer matched
// interval.
func (c *Cache) findMatch(params *SurfaceParams, matchScale ScaleMatch, flags MatchFlags, validate *Interval) *Surface {
	var (
		matchSurface  *Surface
		matchValid    bool
		matchScaleVal uint16
		matchInterval Interval
	)

	for _, surface := range c.overlapping(params.Interval()) {
		var resScaleMatched bool
		if matchScale == ScaleExact {
			resScaleMatched = params.ResScale == surface.ResScale
		} else {
			resScaleMatched = params.ResScale <= surface.ResScale
		}

		// Copy candidates check validity through CopyableInterval.
		isValid := true
		if flags&MatchCopy == 0 {
			iv := params.Interval()
			if validate != nil {
				iv = *validate
			}
			isValid = surface.IsRegionValid(iv)
		}
		if flags&MatchInvalid == 0 && !isValid {
			continue
		}

		tryMatch := func(flag MatchFlags, matchFn func() (bool, Interval)) {
			if flags&flag == 0 {
				return
			}
			matched, surfaceInterval := matchFn()
			if !matched {
				return
			}
			if !resScaleMatched && matchScale != ScaleIgnore && surface.Type != TypeFill {
				return
			}

			update := func() {
				matchSurface = surface
				matchValid = isValid
				matchScaleVal = surface.ResScale
				matchInterval = surfaceInterval
			}
			if surface.ResScale > matchScaleVal {
				update()
				return
			} else if surface.ResScale < matchScaleVal {
				return
			}
			if isValid && !matchValid {
				update()
				return
			} else if isValid != matchValid {
				return
			}
			if surfaceInterval.Len() > matchInterval.Len() {
				update()
			}
		}

		tryMatch(MatchExact, func() (bool, Interval) {
			return surface.ExactMatch(params), surface.Interval()
		})
		tryMatch(MatchSubRect, func() (bool, Interval) {
			return surface.CanSubRect(params), surface.Interval()
		})
		tryMatch(MatchCopy, func() (bool, Interval) {
			debug.Assert(validate != nil, "copy match without validate interval")
			sub := params.FromInterval(*validate)
			copyInterval := surface.CopyableInterval(&sub)
			matched := copyInterval.Intersect(*validate).Len() != 0 &&
				surface.CanCopy(params, copyInterval)
			return matched, copyInterval
		})
		tryMatch(MatchExpand, func() (bool, Interval) {
			return surface.CanExpand(params), surface.Interval()
		})
		tryMatch(MatchTexCopy, func() (bool, Interval) {
			return surface.CanTexCopy(params), surface.Interval()
		})
	}
	return matchSurface
}

// BlitSurfaces transfers src's rectangle into dst's, preferring a copy over
// a blit when neither scaling nor flipping is involved.
func (c *Cache) blitSurfaces(src *Surface, srcRect Rect, dst *Surface, dstRect Rect) bool {
	if !CheckFormatsBlittable(src.PixelFormat, dst.PixelFormat) {
		return false
	}

	dst.InvalidateAllWatcher()

	if srcRect.Width() == dstRect.Width() && srcRect.Height() == dstRect.Height() &&
		srcRect.Bottom < srcRect.Top {
		return c.runtime.CopyTextures(src, dst, TextureCopy{
			SrcOffset: Offset{srcRect.Left, srcRect.Bottom},
			DstOffset: Offset{dstRect.Left, dstRect.Bottom},
			Extent:    Extent{srcRect.Width(), srcRect.Height()},
		})
	}
	return c.runtime.BlitTextures(src, dst, TextureBlit{
		SrcRect: srcRect,
		DstRect: dstRect,
	})
}

// copySurface validates copyInterval of dst from src, either by clearing
// with src's fill pattern or by blitting.
func (c *Cache) copySurface(src, dst *Surface, copyInterval Interval) {
	subrectParams := dst.FromInterval(copyInterval)
	debug.Assert(subrectParams.Interval() == copyInterval && src != dst, "bad copy interval")

	if src.Type == TypeFill {
		// Rotate the pattern to the interval's phase within the fill.
		fillOffset := uint32(copyInterval.Start-src.Addr) % src.FillSize
		var fillBuffer [4]byte
		for i := range fillBuffer {
			fillBuffer[i] = src.FillData[(fillOffset+uint32(i))%src.FillSize]
		}

		value := MakeClearValue(dst.Type, dst.PixelFormat, fillBuffer[:])
		c.runtime.ClearTexture(dst, TextureClear{
			Rect: dst.GetScaledSubRect(&subrectParams),
		}, value)
		return
	}

	if src.CanSubRect(&subrectParams) {
		c.runtime.BlitTextures(src, dst, TextureBlit{
			SrcRect: src.GetScaledSubRect(&subrectParams),
			DstRect: dst.GetScaledSubRect(&subrectParams),
		})
		return
	}

	debug.Assert(false, "unreachable copy fallthrough")
}

// GetSurface returns a surface exactly covering params, creating and
// optionally validating it.
func (c *Cache) GetSurface(params SurfaceParams, matchScale ScaleMatch, loadIfCreate bool) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getSurface(params, matchScale, loadIfCreate)
}

func (c *Cache) getSurface(params SurfaceParams, matchScale ScaleMatch, loadIfCreate bool) *Surface {
	if params.Addr == 0 || params.Width*params.Height == 0 {
		return nil
	}

	// Use GetSurfaceSubRect for strided requests.
	debug.Assert(params.Width == params.Stride, "surfaces may not contain row gaps")
	debug.Assert(!params.IsTiled || (params.Width%8 == 0 && params.Height%8 == 0),
		"tiled surface dimensions not multiple of 8")

	surface := c.findMatch(&params, matchScale, MatchExact|MatchInvalid, nil)
	if surface == nil {
		targetScale := params.ResScale
		if matchScale != ScaleExact {
			// The request may be a subrect of a higher scaled surface.
			findParams := params
			expandable := c.findMatch(&findParams, matchScale, MatchExpand|MatchInvalid, nil)
			if expandable != nil && expandable.ResScale > targetScale {
				targetScale = expandable.ResScale
			}

			// Keep the scale when reinterpreting d24s8 -> rgba8.
			if params.PixelFormat == FormatRGBA8 {
				findParams.PixelFormat = FormatD24S8
				expandable = c.findMatch(&findParams, matchScale, MatchExpand|MatchInvalid, nil)
				if expandable != nil && expandable.ResScale > targetScale {
					targetScale = expandable.ResScale
				}
			}
		}

		newParams := params
		newParams.ResScale = targetScale
		surface = c.createSurface(&newParams)
		c.registerSurface(surface)
	}

	if loadIfCreate {
		c.validateSurface(surface, params.Addr, int(params.Size))
	}
	return surface
}

// GetSurfaceSubRect returns a surface containing the requested region and
// the scaled rectangle of the region within it.
func (c *Cache) GetSurfaceSubRect(params SurfaceParams, matchScale ScaleMatch, loadIfCreate bool) (*Surface, Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getSurfaceSubRect(params, matchScale, loadIfCreate)
}

func (c *Cache) getSurfaceSubRect(params SurfaceParams, matchScale ScaleMatch, loadIfCreate bool) (*Surface, Rect) {
	if params.Addr == 0 || params.Width*params.Height == 0 {
		return nil, Rect{}
	}

	surface := c.findMatch(&params, matchScale, MatchSubRect|MatchInvalid, nil)

	// A match may have failed only because of the scale filter.  Then
	// create a surface with the candidate's dimensions at the requested
	// scale to suggest the candidate should not be used again.
	if surface == nil && matchScale != ScaleIgnore {
		surface = c.findMatch(&params, ScaleIgnore, MatchSubRect|MatchInvalid, nil)
		if surface != nil {
			newParams := surface.SurfaceParams
			newParams.ResScale = params.ResScale
			surface = c.createSurface(&newParams)
			c.registerSurface(surface)
		}
	}

	alignedParams := params
	if params.IsTiled {
		alignedParams.Height = alignUp(params.Height, 8)
		alignedParams.Width = alignUp(params.Width, 8)
		alignedParams.Stride = alignUp(params.Stride, 8)
		alignedParams.UpdateParams()
	}

	// Check for a surface we can expand before creating a new one.
	if surface == nil {
		surface = c.findMatch(&alignedParams, matchScale, MatchExpand|MatchInvalid, nil)
		if surface != nil {
			alignedParams.Width = alignedParams.Stride
			alignedParams.UpdateParams()

			newParams := surface.SurfaceParams
			newParams.Addr = min(alignedParams.Addr, surface.Addr)
			newParams.End = max(alignedParams.End, surface.End)
			newParams.Size = uint32(newParams.End - newParams.Addr)
			newParams.Height = newParams.Size / alignedParams.BytesInPixels(alignedParams.Stride)
			debug.Assert(newParams.Size%alignedParams.BytesInPixels(alignedParams.Stride) == 0,
				"expanded surface not row aligned")

			newSurface := c.createSurface(&newParams)
			c.duplicateSurface(surface, newSurface)

			// The expanded surface can't be deleted safely yet, it may
			// still be in use.
			surface.UnlinkAllWatcher()
			c.stageRemoval(surface)

			surface = newSurface
			c.registerSurface(newSurface)
		}
	}

	// No subrect found, create and return a new surface.
	if surface == nil {
		newParams := alignedParams
		// Can't have gaps in a surface.
		newParams.Width = alignedParams.Stride
		newParams.UpdateParams()
		surface = c.getSurface(newParams, matchScale, loadIfCreate)
		if surface == nil {
			return nil, Rect{}
		}
	} else if loadIfCreate {
		c.validateSurface(surface, alignedParams.Addr, int(alignedParams.Size))
	}

	return surface, surface.GetScaledSubRect(&params)
}

// GetTextureSurface returns the surface for a texture unit configuration,
// keeping its mipmap levels in sync through the level watchers.
func (c *Cache) GetTextureSurface(info pica.TextureInfo, maxLevel uint32) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getTextureSurface(info, maxLevel)
}

func (c *Cache) getTextureSurface(info pica.TextureInfo, maxLevel uint32) *Surface {
	if info.PhysicalAddress == 0 {
		return nil
	}

	params := SurfaceParams{
		Addr:        info.PhysicalAddress,
		Width:       info.Width,
		Height:      info.Height,
		IsTiled:     true,
		PixelFormat: PixelFormatFromTextureFormat(info.Format),
		ResScale:    1,
	}
	params.UpdateParams()

	minWidth := info.Width >> maxLevel
	minHeight := info.Height >> maxLevel
	if minWidth%8 != 0 || minHeight%8 != 0 {
		gpu.Logger().Error("texture size is not multiple of 8",
			"width", minWidth, "height", minHeight)
		return nil
	}
	if info.Width != minWidth<<maxLevel || info.Height != minHeight<<maxLevel {
		gpu.Logger().Error("texture size does not support required mipmap level",
			"width", params.Width, "height", params.Height, "level", maxLevel)
		return nil
	}

	surface := c.getSurface(params, ScaleIgnore, true)
	if surface == nil {
		return nil
	}

	if maxLevel != 0 {
		if maxLevel >= 8 {
			// Texture sizes between 8 and 1024 allow at most eight levels.
			gpu.Logger().Error("unsupported mipmap level", "level", maxLevel)
			return nil
		}

		if surface.MaxLevel < maxLevel {
			surface.MaxLevel = maxLevel
		}

		// Blit mipmap levels that have been invalidated.  All levels are
		// stored next to each other in guest memory.
		levelParams := surface.SurfaceParams
		for level := uint32(1); level <= maxLevel; level++ {
			levelParams.Addr += mem.PAddr(levelParams.Width * levelParams.Height *
				levelParams.PixelFormat.Bpp() / 8)
			levelParams.Width /= 2
			levelParams.Height /= 2
			levelParams.Stride = 0 // let UpdateParams re-initialize it
			levelParams.UpdateParams()

			watcher := surface.LevelWatchers[level-1]
			if watcher == nil || watcher.Get() == nil {
				if levelSurface := c.getSurface(levelParams, ScaleIgnore, true); levelSurface != nil {
					watcher = levelSurface.CreateWatcher()
				} else {
					watcher = nil
				}
				surface.LevelWatchers[level-1] = watcher
			}

			if watcher != nil && !watcher.IsValid() {
				levelSurface := watcher.Get()
				if !levelSurface.Invalid.Empty() {
					c.validateSurface(levelSurface, levelSurface.Addr, int(levelSurface.Size))
				}
				c.runtime.BlitTextures(levelSurface, surface, TextureBlit{
					DstLevel: level,
					SrcRect:  levelSurface.GetScaledRect(),
					DstRect:  levelParams.GetScaledRect(),
				})
				watcher.Validate()
			}
		}
	}

	return surface
}

// GetTextureSurfaceFromConfig resolves a full texture unit configuration.
func (c *Cache) GetTextureSurfaceFromConfig(config pica.FullTextureConfig) *Surface {
	return c.GetTextureSurface(config.Info, config.MaxLevel)
}

// GetTextureCube returns the cube surface for config, keeping the six face
// watchers in sync.
func (c *Cache) GetTextureCube(config TextureCubeConfig) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()

	cube, ok := c.cubeCache[config]
	if !ok {
		params := SurfaceParams{
			Addr:        config.PX,
			Width:       config.Width,
			Height:      config.Width,
			Stride:      config.Width,
			TexType:     TextureCube,
			PixelFormat: PixelFormatFromTextureFormat(config.Format),
			Type:        TypeTexture,
			ResScale:    1,
			IsTiled:     true,
		}
		params.UpdateParams()
		cube = c.createSurface(&params)
		c.cubeCache[config] = cube
	}

	addresses := [6]mem.PAddr{config.PX, config.NX, config.PY, config.NY, config.PZ, config.NZ}

	for i, addr := range addresses {
		watcher := cube.LevelWatchers[i]
		if watcher == nil || watcher.Get() == nil {
			info := pica.TextureInfo{
				PhysicalAddress: addr,
				Width:           config.Width,
				Height:          config.Width,
				Format:          config.Format,
			}
			if face := c.getTextureSurface(info, 0); face != nil {
				watcher = face.CreateWatcher()
			} else {
				// Usually leftover texture unit setup; the face content
				// simply won't be updated.
				watcher = nil
			}
			cube.LevelWatchers[i] = watcher
		}
	}

	scaledSize := cube.GetScaledWidth()
	for i := range addresses {
		watcher := cube.LevelWatchers[i]
		if watcher == nil || watcher.IsValid() {
			continue
		}
		face := watcher.Get()
		if !face.Invalid.Empty() {
			c.validateSurface(face, face.Addr, int(face.Size))
		}
		c.runtime.BlitTextures(face, cube, TextureBlit{
			DstLayer: uint32(i),
			SrcRect:  face.GetScaledRect(),
			DstRect:  Rect{0, scaledSize, scaledSize, 0},
		})
		watcher.Validate()
	}

	return cube
}

func clampViewport(v, limit int32) uint32 {
	return uint32(min(max(v, 0), limit))
}

// GetFramebufferSurfaces returns the color and depth surfaces bound by
// config, validated over the viewport, and the common scaled framebuffer
// rectangle.
func (c *Cache) GetFramebufferSurfaces(config pica.FramebufferConfig, usingColor, usingDepth bool, viewport Viewport) (*Surface, *Surface, Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A changed resolution scale voids every cached surface.
	if c.scaleFactor != c.desiredScale {
		c.scaleFactor = c.desiredScale
		c.flushRegion(0, 0xffffffff, nil)
		for len(c.surfaces) > 0 {
			c.unregisterSurface(c.surfaces[0])
		}
		clear(c.cubeCache)
	}

	viewportClamped := Rect{
		Left:   clampViewport(viewport.Left, int32(config.Width)),
		Top:    clampViewport(viewport.Top, int32(config.Height)),
		Right:  clampViewport(viewport.Right, int32(config.Width)),
		Bottom: clampViewport(viewport.Bottom, int32(config.Height)),
	}

	colorParams := SurfaceParams{
		IsTiled:  true,
		ResScale: c.scaleFactor,
		Width:    config.Width,
		Height:   config.Height,
	}
	depthParams := colorParams

	colorParams.Addr = config.ColorAddress
	colorParams.PixelFormat = PixelFormatFromColorFormat(config.ColorFormat)
	colorParams.UpdateParams()

	depthParams.Addr = config.DepthAddress
	depthParams.PixelFormat = PixelFormatFromDepthFormat(config.DepthFormat)
	depthParams.UpdateParams()

	colorVp := colorParams.GetSubRectInterval(viewportClamped)
	depthVp := depthParams.GetSubRectInterval(viewportClamped)

	if usingColor && usingDepth && !colorVp.Intersect(depthVp).Empty() {
		gpu.Logger().Error("color and depth framebuffer memory regions overlap")
		usingDepth = false
	}

	var (
		colorSurface, depthSurface *Surface
		colorRect, depthRect       Rect
	)
	if usingColor {
		colorSurface, colorRect = c.getSurfaceSubRect(colorParams, ScaleExact, false)
	}
	if usingDepth {
		depthSurface, depthRect = c.getSurfaceSubRect(depthParams, ScaleExact, false)
	}

	var fbRect Rect
	switch {
	case colorSurface != nil && depthSurface != nil:
		fbRect = colorRect
		// Color and depth surfaces must have matching dimensions and
		// offsets.
		if colorRect != depthRect {
			colorSurface = c.getSurface(colorParams, ScaleExact, false)
			depthSurface = c.getSurface(depthParams, ScaleExact, false)
			fbRect = colorSurface.GetScaledRect()
		}
	case colorSurface != nil:
		fbRect = colorRect
	case depthSurface != nil:
		fbRect = depthRect
	}

	if colorSurface != nil {
		c.validateSurface(colorSurface, colorVp.Start, colorVp.Len())
		colorSurface.InvalidateAllWatcher()
	}
	if depthSurface != nil {
		c.validateSurface(depthSurface, depthVp.Start, depthVp.Len())
		depthSurface.InvalidateAllWatcher()
	}

	return colorSurface, depthSurface, fbRect
}

// GetFillSurface registers a surface representing a pending memory fill.
func (c *Cache) GetFillSurface(config pica.MemoryFillConfig) *Surface {
	c.mu.Lock()
	defer c.mu.Unlock()

	params := SurfaceParams{
		Addr:        config.Start,
		End:         config.End,
		Size:        uint32(config.End - config.Start),
		PixelFormat: FormatInvalid,
		Type:        TypeFill,
		ResScale:    FillResScale,
	}
	surface := NewSurface(params)

	surface.FillData[0] = byte(config.Value)
	surface.FillData[1] = byte(config.Value >> 8)
	surface.FillData[2] = byte(config.Value >> 16)
	surface.FillData[3] = byte(config.Value >> 24)
	switch {
	case config.Fill32:
		surface.FillSize = 4
	case config.Fill24:
		surface.FillSize = 3
	default:
		surface.FillSize = 2
	}

	c.registerSurface(surface)
	return surface
}

// GetTexCopySurface finds the surface matching a display transfer "texture
// copy" and the scaled rectangle it covers.
func (c *Cache) GetTexCopySurface(params SurfaceParams) (*Surface, Rect) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rect Rect
	match := c.findMatch(&params, ScaleIgnore, MatchTexCopy|MatchInvalid, nil)
	if match == nil {
		return nil, rect
	}

	c.validateSurface(match, params.Addr, int(params.Size))

	var matchSubrect SurfaceParams
	if params.Width != params.Stride {
		tiledSize := match.tileSize()
		matchSubrect = params
		matchSubrect.Width = match.PixelsInBytes(params.Width) / tiledSize
		matchSubrect.Stride = match.PixelsInBytes(params.Stride) / tiledSize
		matchSubrect.Height *= tiledSize
	} else {
		matchSubrect = match.FromInterval(params.Interval())
		debug.Assert(matchSubrect.Interval() == params.Interval(), "texcopy interval mismatch")
	}

	return match, match.GetScaledSubRect(&matchSubrect)
}

// duplicateSurface blits src into the matching subrect of dst and carries
// over validity and dirty ownership.
func (c *Cache) duplicateSurface(src, dst *Surface) {
	debug.Assert(dst.Addr <= src.Addr && dst.End >= src.End, "duplicate target does not contain source")

	c.blitSurfaces(src, src.GetScaledRect(), dst, dst.GetScaledSubRect(&src.SurfaceParams))

	dst.Invalid.Erase(src.Interval())
	dst.Invalid.AddSet(&src.Invalid)

	var regions RegionSet
	c.dirty.ForEachOverlapping(src.Interval(), func(piece Interval, owner *Surface) {
		if owner == src {
			regions.Add(piece)
		}
	})
	for _, iv := range regions.Intervals() {
		c.dirty.Set(iv, dst)
	}
}

// validateSurface brings the requested region of surface up to date, using
// other cached surfaces, reinterpreters or guest memory as sources.
func (c *Cache) validateSurface(surface *Surface, addr mem.PAddr, size int) {
	if size == 0 {
		return
	}

	validateInterval := MakeInterval(addr, size)

	if surface.Type == TypeFill {
		// Sanity check, fill surfaces are always valid when used.
		debug.Assert(surface.IsRegionValid(validateInterval), "invalid fill surface")
		return
	}

	var validateRegions RegionSet
	for _, iv := range surface.Invalid.Intersection(validateInterval) {
		validateRegions.Add(iv)
	}
	notifyValidated := func(iv Interval) {
		surface.Invalid.Erase(iv)
		validateRegions.Erase(iv)
	}

	for !validateRegions.Empty() {
		interval := validateRegions.First().Intersect(validateInterval)
		params := surface.FromInterval(interval)

		// Look for a valid surface to copy from.
		if copySurface := c.findMatch(&params, ScaleIgnore, MatchCopy, &interval); copySurface != nil {
			copyInterval := copySurface.CopyableInterval(&params)
			c.copySurface(copySurface, surface, copyInterval)
			notifyValidated(copyInterval)
			continue
		}

		// Try a surface of different format that can be reinterpreted to
		// the requested one.
		if c.validateByReinterpretation(surface, &params, interval) {
			notifyValidated(interval)
			continue
		}

		// Check whether a reinterpreter is missing before falling back to
		// guest memory: a region produced entirely on the GPU has no
		// up-to-date bytes there.
		if c.noUnimplementedReinterpretations(surface, &params, interval) &&
			!c.intervalHasInvalidPixelFormat(interval) {
			if c.dirty.Covers(interval) {
				gpu.Logger().Debug("region created on GPU without valid reinterpretation, skipping validation",
					"addr", uint32(interval.Start), "size", interval.Len())
				validateRegions.Erase(interval)
				continue
			}
		}

		// Load data from guest memory.
		c.flushRegion(params.Addr, int(params.Size), nil)
		c.uploadSurface(surface, interval)
		notifyValidated(params.Interval())
	}
}

// uploadSurface copies the interval's guest bytes into the surface image,
// unswizzling tiled data.
func (c *Cache) uploadSurface(surface *Surface, interval Interval) {
	loadInfo := surface.FromInterval(interval)
	debug.Assert(loadInfo.Addr >= surface.Addr && loadInfo.End <= surface.End, "upload outside surface")

	staging := c.runtime.FindStaging(int(loadInfo.BytesInPixels(loadInfo.Width*loadInfo.Height)), true)
	source := c.memory.PhysicalSized(loadInfo.Addr, int(loadInfo.End-loadInfo.Addr))
	if source == nil {
		return
	}

	if surface.IsTiled {
		UnswizzleTexture(&loadInfo, loadInfo.Addr, loadInfo.End, source, staging.Mapped,
			c.runtime.NeedsConversion(surface.PixelFormat))
	} else {
		c.runtime.FormatConvert(surface, true, source, staging.Mapped)
	}

	c.runtime.Upload(surface, BufferTextureCopy{
		BufferSize:  uint32(staging.Size),
		TextureRect: surface.GetSubRect(&loadInfo),
	}, staging)
}

// downloadSurface records an image download and queues the swizzle-and-copy
// back to guest memory for after the GPU barrier.
func (c *Cache) downloadSurface(surface *Surface, interval Interval) {
	flushInfo := surface.FromInterval(interval)
	flushStart, flushEnd := interval.Start, interval.End
	debug.Assert(flushStart >= surface.Addr && flushEnd <= surface.End, "download outside surface")

	staging := c.runtime.FindStaging(int(flushInfo.BytesInPixels(flushInfo.Width*flushInfo.Height)), false)
	c.runtime.Download(surface, BufferTextureCopy{
		BufferSize:  uint32(staging.Size),
		TextureRect: surface.GetSubRect(&flushInfo),
	}, staging)

	dest := c.memory.PhysicalSized(flushStart, int(flushEnd-flushStart))
	if dest == nil {
		return
	}

	c.downloadQueue = append(c.downloadQueue, func() {
		if surface.IsTiled {
			SwizzleTexture(&flushInfo, flushStart, flushEnd, staging.Mapped, dest,
				c.runtime.NeedsConversion(surface.PixelFormat))
		} else {
			c.runtime.FormatConvert(surface, false, staging.Mapped, dest)
		}
	})
}

// downloadFillSurface splats the fill pattern over the interval's guest
// bytes, preserving head bytes that straddle the pattern period.
func (c *Cache) downloadFillSurface(surface *Surface, interval Interval) {
	flushStart, flushEnd := interval.Start, interval.End
	debug.Assert(flushStart >= surface.Addr && flushEnd <= surface.End, "fill download outside surface")

	dest := c.memory.Physical(flushStart)
	if dest == nil {
		return
	}

	startOffset := uint32(flushStart - surface.Addr)
	downloadSize := min(uint32(flushEnd-flushStart), uint32(len(dest)))
	coarseStartOffset := startOffset - startOffset%surface.FillSize
	backupBytes := startOffset % surface.FillSize

	// dest is addressed relative to the coarse start
	dest = c.memory.Physical(surface.Addr + mem.PAddr(coarseStartOffset))

	var backup [4]byte
	copy(backup[:backupBytes], dest)

	span := downloadSize + backupBytes
	for offset := uint32(0); offset < span; offset += surface.FillSize {
		n := min(surface.FillSize, span-offset)
		copy(dest[offset:offset+n], surface.FillData[:n])
	}

	copy(dest[:backupBytes], backup[:backupBytes])
}

var allFormats = [...]PixelFormat{
	FormatRGBA8, FormatRGB8, FormatRGB5A1, FormatRGB565, FormatRGBA4,
	FormatIA8, FormatRG8, FormatI8, FormatA8, FormatIA4, FormatI4,
	FormatA4, FormatETC1, FormatETC1A4, FormatD16, FormatD24, FormatD24S8,
}

// noUnimplementedReinterpretations returns false if a surface with the same
// bit-width exists at the interval, i.e. a reinterpreter is missing.
func (c *Cache) noUnimplementedReinterpretations(surface *Surface, params *SurfaceParams, interval Interval) bool {
	implemented := true
	for _, format := range allFormats {
		if format.Bpp() != surface.PixelFormat.Bpp() {
			continue
		}
		params.PixelFormat = format
		if test := c.findMatch(params, ScaleIgnore, MatchCopy, &interval); test != nil {
			gpu.Logger().Warn("missing pixel format reinterpreter",
				"from", format.String(), "to", surface.PixelFormat.String())
			implemented = false
		}
	}
	return implemented
}

// intervalHasInvalidPixelFormat reports whether a surface of invalid format
// lies in the interval.
func (c *Cache) intervalHasInvalidPixelFormat(interval Interval) bool {
	for _, surface := range c.overlapping(interval) {
		if surface.PixelFormat == FormatInvalid {
			gpu.Logger().Debug("surface with invalid pixel format", "addr", uint32(surface.Addr))
			return true
		}
	}
	return false
}

// validateByReinterpretation looks for a cached surface of a different
// format that a registered reinterpreter can rewrite into surface.
func (c *Cache) validateByReinterpretation(surface *Surface, params *SurfaceParams, interval Interval) bool {
	destFormat := surface.PixelFormat
	for _, reinterpreter := range c.runtime.Reinterpreters(destFormat) {
		params.PixelFormat = reinterpreter.SourceFormat()
		src := c.findMatch(params, ScaleIgnore, MatchCopy, &interval)
		if src == nil {
			continue
		}
		reinterpretInterval := src.CopyableInterval(params)
		reinterpretParams := surface.FromInterval(reinterpretInterval)
		srcRect := src.GetScaledSubRect(&reinterpretParams)
		destRect := surface.GetScaledSubRect(&reinterpretParams)

		reinterpreter.Reinterpret(src, srcRect, surface, destRect)
		return true
	}
	return false
}

// FlushRegion writes any dirty cached bytes overlapping the region back to
// guest memory.
func (c *Cache) FlushRegion(addr mem.PAddr, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushRegion(addr, size, nil)
}

// FlushSurfaceRegion flushes only the dirty bytes owned by surface within
// the region.
func (c *Cache) FlushSurfaceRegion(addr mem.PAddr, size int, surface *Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushRegion(addr, size, surface)
}

// FlushAll flushes every dirty byte.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushRegion(0, 0xffffffff, nil)
}

func (c *Cache) flushRegion(addr mem.PAddr, size int, flushSurface *Surface) {
	if size == 0 {
		return
	}

	flushInterval := MakeInterval(addr, size)
	var flushed RegionSet

	c.dirty.ForEachOverlapping(flushInterval, func(piece Interval, surface *Surface) {
		// Small sizes imply the flush comes from the CPU: flush the whole
		// dirty piece to avoid thousands of small writes per frame.
		interval := piece
		if size > 8 {
			interval = piece.Intersect(flushInterval)
		}

		if flushSurface != nil && surface != flushSurface {
			return
		}

		// Sanity check, this surface is the last one that marked this
		// region dirty.
		debug.Assert(surface.IsRegionValid(interval), "dirty bytes invalid in their owner")

		if surface.Type == TypeFill {
			c.downloadFillSurface(surface, interval)
		} else {
			c.downloadSurface(surface, interval)
		}
		flushed.Add(interval)
	})

	// Execute the requested downloads after a single barrier, so the CPU
	// swizzle only runs on completed GPU output.
	if len(c.downloadQueue) > 0 {
		c.runtime.Finish()
		for _, download := range c.downloadQueue {
			download()
		}
		c.downloadQueue = c.downloadQueue[:0]
	}

	c.dirty.Subtract(&flushed)
}

// InvalidateRegion marks the region as mutated by owner, nil meaning the
// CPU wrote guest memory directly.
func (c *Cache) InvalidateRegion(addr mem.PAddr, size int, owner *Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateRegion(addr, size, owner)
}

func (c *Cache) invalidateRegion(addr mem.PAddr, size int, owner *Surface) {
	if size == 0 {
		return
	}

	invalidInterval := MakeInterval(addr, size)
	if owner != nil {
		debug.Assert(owner.Type != TypeTexture, "texture surfaces cannot own invalidations")
		debug.Assert(addr >= owner.Addr && invalidInterval.End <= owner.End,
			"invalidation outside owner")
		// Surfaces can't have a gap.
		debug.Assert(owner.Width == owner.Stride, "invalidation owner with row gaps")
		owner.Invalid.Erase(invalidInterval)
	}

	for _, cached := range c.overlapping(invalidInterval) {
		if cached == owner {
			continue
		}

		// A small CPU write means the pages should likely be uncached, so
		// remove the surface entirely.
		if owner == nil && size <= 8 {
			c.flushRegion(cached.Addr, int(cached.Size), cached)
			c.stageRemoval(cached)
			continue
		}

		cached.Invalid.Add(cached.Interval().Intersect(invalidInterval))
		cached.InvalidateAllWatcher()

		// Fully invalid surfaces only clog the cache.
		if cached.IsFullyInvalid() {
			c.stageRemoval(cached)
		}
	}

	if owner != nil {
		c.dirty.Set(invalidInterval, owner)
	} else {
		c.dirty.Erase(invalidInterval)
	}

	for _, remove := range c.removeSurfaces {
		if remove == owner {
			expanded := c.findMatch(&owner.SurfaceParams, ScaleIgnore,
				MatchSubRect|MatchInvalid, nil)
			debug.Assert(expanded != nil, "staged owner without successor")
			if expanded == nil || !invalidSubset(owner, expanded) {
				continue
			}
			c.duplicateSurface(owner, expanded)
		}
		c.unregisterSurface(remove)
	}
	c.removeSurfaces = c.removeSurfaces[:0]
}

// invalidSubset reports whether owner's invalid bytes are all invalid in
// successor too.
func invalidSubset(owner, successor *Surface) bool {
	var rest RegionSet
	rest.AddSet(&owner.Invalid)
	for _, iv := range successor.Invalid.Intervals() {
		rest.Erase(iv)
	}
	return rest.Empty()
}

func (c *Cache) createSurface(params *SurfaceParams) *Surface {
	surface := NewSurface(*params)
	surface.Invalid.Add(surface.Interval())
	surface.Texture = c.runtime.NewTexture(params)
	return surface
}

// Register inserts the surface into the cache and begins write trapping on
// its pages.
func (c *Cache) Register(surface *Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerSurface(surface)
}

// Unregister removes the surface from the cache, ending write trapping on
// pages no other surface covers.
func (c *Cache) Unregister(surface *Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregisterSurface(surface)
}

func (c *Cache) registerSurface(surface *Surface) {
	if surface.Registered {
		return
	}
	surface.Registered = true
	i, _ := slices.BinarySearchFunc(c.surfaces, surface, func(a, b *Surface) int {
		return cmp.Compare(a.Addr, b.Addr)
	})
	c.surfaces = slices.Insert(c.surfaces, i, surface)
	c.tracker.UpdatePagesCachedCount(surface.Addr, int(surface.Size), 1)
}

func (c *Cache) unregisterSurface(surface *Surface) {
	if !surface.Registered {
		return
	}
	surface.Registered = false
	c.tracker.UpdatePagesCachedCount(surface.Addr, int(surface.Size), -1)
	if i := slices.Index(c.surfaces, surface); i >= 0 {
		c.surfaces = slices.Delete(c.surfaces, i, i+1)
	}
}
