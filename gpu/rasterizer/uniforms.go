package rasterizer

import "github.com/ctremu/ctr/gpu/pica"

// NumLightingLuts is the number of lighting lookup tables selectable by the
// LUT index register.
const NumLightingLuts = 24

// LightSrc is the per-light uniform state.
type LightSrc struct {
	Specular0      [3]float32
	Specular1      [3]float32
	Diffuse        [3]float32
	Ambient        [3]float32
	Position       [3]float32
	SpotDirection  [3]float32
	DistAttenBias  float32
	DistAttenScale float32
}

// UniformData shadows the register state consumed by the generated
// fragment shaders.
type UniformData struct {
	DepthScale  float32
	DepthOffset float32

	FogColor [3]float32

	ProcTexNoiseF [2]float32
	ProcTexNoiseA [2]float32
	ProcTexNoiseP [2]float32
	ProcTexBias   float32

	AlphaTestRef uint32

	TevCombinerBufferColor [4]float32
	ConstColor             [6][4]float32

	LightingGlobalAmbient [3]float32
	LightSrc              [8]LightSrc

	ShadowBiasConstant float32
	ShadowBiasLinear   float32
	ShadowTextureBias  int32
}

// UniformBlock is the shadowed uniform data together with its dirty flags.
// Dirty is set when any uniform value changed; the LUT flags mark tables
// that must be re-uploaded.
type UniformBlock struct {
	Data  UniformData
	Dirty bool

	FogLutDirty          bool
	ProcTexNoiseLutDirty bool
	ProcTexColorMapDirty bool
	ProcTexAlphaMapDirty bool
	ProcTexLutDirty      bool
	ProcTexDiffLutDirty  bool

	LightingLutDirty    [NumLightingLuts]bool
	LightingLutDirtyAny bool
}

// Register writes route to up to three behaviors: a uniform sync, a LUT
// dirty flag and a shader invalidation.
type lutKind uint8

const (
	lutNone lutKind = iota
	lutFog
	lutProcTex // second tier dispatch on the LUT reference table
	lutLighting
)

type regAction struct {
	sync   func(*Accelerated)
	lut    lutKind
	shader bool
}

var regActions = make(map[uint32]regAction)

func addAction(id uint32, action regAction) { regActions[id] = action }

func init() {
	// depth modifiers
	addAction(pica.RegDepthMapScale, regAction{sync: (*Accelerated).syncDepthScale})
	addAction(pica.RegDepthMapOffset, regAction{sync: (*Accelerated).syncDepthOffset})
	addAction(pica.RegDepthMapEnable, regAction{shader: true})

	// shadow texture
	addAction(pica.RegTexUnitShadow, regAction{sync: (*Accelerated).syncShadowTextureBias})

	// fog
	addAction(pica.RegFogColor, regAction{sync: (*Accelerated).syncFogColor})
	for id := uint32(pica.RegFogLutData0); id <= pica.RegFogLutData7; id++ {
		addAction(id, regAction{lut: lutFog})
	}

	// proctex
	for _, id := range []uint32{pica.RegProcTex0, pica.RegProcTexLut, pica.RegProcTex5} {
		addAction(id, regAction{sync: (*Accelerated).syncProcTexBias, shader: true})
	}
	for _, id := range []uint32{pica.RegProcTexNoiseU, pica.RegProcTexNoiseV, pica.RegProcTexNoiseFreq} {
		addAction(id, regAction{sync: (*Accelerated).syncProcTexNoise})
	}
	for id := uint32(pica.RegProcTexLutData0); id <= pica.RegProcTexLutData7; id++ {
		addAction(id, regAction{lut: lutProcTex})
	}

	// alpha test
	addAction(pica.RegAlphaTest, regAction{sync: (*Accelerated).syncAlphaTest, shader: true})

	addAction(pica.RegFragShadow, regAction{sync: (*Accelerated).syncShadowBias})

	addAction(pica.RegScissorMode, regAction{shader: true})
	addAction(pica.RegTexUnitConfig, regAction{shader: true})
	addAction(pica.RegTexUnit0Type, regAction{shader: true})

	// TEV stages: sources, operands, combiners and scales are baked into
	// the shader; the constant color is a uniform.
	for stage := range 6 {
		base := pica.TevStageBase(stage)
		for _, off := range []uint32{0, 1, 2, 4} {
			addAction(base+off, regAction{shader: true})
		}
		addAction(base+pica.TevConst, regAction{sync: syncTevConstColor(stage)})
	}
	addAction(pica.RegTevBufferInput, regAction{shader: true})
	addAction(pica.RegTevBufferColor, regAction{sync: (*Accelerated).syncCombinerColor})

	// lighting switches are read at draw time
	for _, id := range []uint32{
		pica.RegLightingEnable, pica.RegLightingNumLights,
		pica.RegLightingConfig0, pica.RegLightingConfig1,
		pica.RegLightingLutInputAbs, pica.RegLightingLutInput,
		pica.RegLightingLutScale, pica.RegLightingPermutation,
	} {
		addAction(id, regAction{})
	}

	for light := range 8 {
		base := uint32(pica.RegLight0 + light*pica.RegLightStride)
		addAction(base+pica.LightSpecular0, regAction{sync: syncLight(light, (*Accelerated).syncLightSpecular0)})
		addAction(base+pica.LightSpecular1, regAction{sync: syncLight(light, (*Accelerated).syncLightSpecular1)})
		addAction(base+pica.LightDiffuse, regAction{sync: syncLight(light, (*Accelerated).syncLightDiffuse)})
		addAction(base+pica.LightAmbient, regAction{sync: syncLight(light, (*Accelerated).syncLightAmbient)})
		addAction(base+pica.LightXY, regAction{sync: syncLight(light, (*Accelerated).syncLightPosition)})
		addAction(base+pica.LightZ, regAction{sync: syncLight(light, (*Accelerated).syncLightPosition)})
		addAction(base+pica.LightSpotXY, regAction{sync: syncLight(light, (*Accelerated).syncLightSpotDirection)})
		addAction(base+pica.LightSpotZ, regAction{sync: syncLight(light, (*Accelerated).syncLightSpotDirection)})
		addAction(base+pica.LightConfig, regAction{shader: true})
		addAction(base+pica.LightAttenBias, regAction{sync: syncLight(light, (*Accelerated).syncLightDistAttenBias)})
		addAction(base+pica.LightAttenScale, regAction{sync: syncLight(light, (*Accelerated).syncLightDistAttenScale)})
	}
	addAction(pica.RegLightingAmbient, regAction{sync: (*Accelerated).syncGlobalAmbient})
	for id := uint32(pica.RegLightingLutData0); id <= pica.RegLightingLutData7; id++ {
		addAction(id, regAction{lut: lutLighting})
	}
}

func syncLight(light int, fn func(*Accelerated, int)) func(*Accelerated) {
	return func(r *Accelerated) { fn(r, light) }
}

func syncTevConstColor(stage int) func(*Accelerated) {
	return func(r *Accelerated) {
		color := colorRGBA8(r.state.Regs.TevConstColor(stage))
		if color != r.uniform.Data.ConstColor[stage] {
			r.uniform.Data.ConstColor[stage] = color
			r.uniform.Dirty = true
		}
	}
}

// NotifyRegisterChanged routes a register write to its shadow behavior.
// Unrecognized registers map to fixed function state and forward to the
// backend.
func (r *Accelerated) NotifyRegisterChanged(id uint32) {
	action, ok := regActions[id]
	if !ok {
		r.backend.NotifyFixedFunction(id)
		return
	}

	if action.sync != nil {
		action.sync(r)
	}

	switch action.lut {
	case lutFog:
		r.uniform.FogLutDirty = true
	case lutProcTex:
		switch r.state.Regs.ProcTexLutRefTable() {
		case pica.ProcTexLutNoise:
			r.uniform.ProcTexNoiseLutDirty = true
		case pica.ProcTexLutColorMap:
			r.uniform.ProcTexColorMapDirty = true
		case pica.ProcTexLutAlphaMap:
			r.uniform.ProcTexAlphaMapDirty = true
		case pica.ProcTexLutColor:
			r.uniform.ProcTexLutDirty = true
		case pica.ProcTexLutColorDiff:
			r.uniform.ProcTexDiffLutDirty = true
		}
	case lutLighting:
		lut := r.state.Regs.LightingLutType()
		if lut < NumLightingLuts {
			r.uniform.LightingLutDirty[lut] = true
			r.uniform.LightingLutDirtyAny = true
		}
	}

	if action.shader {
		r.shaderDirty = true
	}
}

func colorRGBA8(color uint32) [4]float32 {
	return [4]float32{
		float32(color&0xff) / 255,
		float32(color>>8&0xff) / 255,
		float32(color>>16&0xff) / 255,
		float32(color>>24&0xff) / 255,
	}
}

func (r *Accelerated) syncDepthScale() {
	if v := r.state.Regs.DepthScale(); v != r.uniform.Data.DepthScale {
		r.uniform.Data.DepthScale = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncDepthOffset() {
	if v := r.state.Regs.DepthOffset(); v != r.uniform.Data.DepthOffset {
		r.uniform.Data.DepthOffset = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncFogColor() {
	red, green, blue := r.state.Regs.FogColor()
	color := [3]float32{
		float32(red) / 255, float32(green) / 255, float32(blue) / 255,
	}
	if color != r.uniform.Data.FogColor {
		r.uniform.Data.FogColor = color
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncProcTexNoise() {
	amplitude, phase, frequency := r.state.Regs.ProcTexNoise()
	d := &r.uniform.Data
	if frequency != d.ProcTexNoiseF || amplitude != d.ProcTexNoiseA || phase != d.ProcTexNoiseP {
		d.ProcTexNoiseF = frequency
		d.ProcTexNoiseA = amplitude
		d.ProcTexNoiseP = phase
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncProcTexBias() {
	if v := r.state.Regs.ProcTexBias(); v != r.uniform.Data.ProcTexBias {
		r.uniform.Data.ProcTexBias = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncAlphaTest() {
	if v := r.state.Regs.AlphaTestRef(); v != r.uniform.Data.AlphaTestRef {
		r.uniform.Data.AlphaTestRef = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncCombinerColor() {
	if v := colorRGBA8(r.state.Regs.TevBufferColor()); v != r.uniform.Data.TevCombinerBufferColor {
		r.uniform.Data.TevCombinerBufferColor = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncGlobalAmbient() {
	if v := r.state.Regs.GlobalAmbient(); v != r.uniform.Data.LightingGlobalAmbient {
		r.uniform.Data.LightingGlobalAmbient = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightSpecular0(light int) {
	if v := r.state.Regs.LightSpecular0(light); v != r.uniform.Data.LightSrc[light].Specular0 {
		r.uniform.Data.LightSrc[light].Specular0 = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightSpecular1(light int) {
	if v := r.state.Regs.LightSpecular1(light); v != r.uniform.Data.LightSrc[light].Specular1 {
		r.uniform.Data.LightSrc[light].Specular1 = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightDiffuse(light int) {
	if v := r.state.Regs.LightDiffuse(light); v != r.uniform.Data.LightSrc[light].Diffuse {
		r.uniform.Data.LightSrc[light].Diffuse = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightAmbient(light int) {
	if v := r.state.Regs.LightAmbient(light); v != r.uniform.Data.LightSrc[light].Ambient {
		r.uniform.Data.LightSrc[light].Ambient = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightPosition(light int) {
	if v := r.state.Regs.LightPosition(light); v != r.uniform.Data.LightSrc[light].Position {
		r.uniform.Data.LightSrc[light].Position = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightSpotDirection(light int) {
	if v := r.state.Regs.LightSpotDirection(light); v != r.uniform.Data.LightSrc[light].SpotDirection {
		r.uniform.Data.LightSrc[light].SpotDirection = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightDistAttenBias(light int) {
	if v := r.state.Regs.LightAttenBias(light); v != r.uniform.Data.LightSrc[light].DistAttenBias {
		r.uniform.Data.LightSrc[light].DistAttenBias = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncLightDistAttenScale(light int) {
	if v := r.state.Regs.LightAttenScale(light); v != r.uniform.Data.LightSrc[light].DistAttenScale {
		r.uniform.Data.LightSrc[light].DistAttenScale = v
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncShadowBias() {
	constant, linear := r.state.Regs.ShadowBias()
	if constant != r.uniform.Data.ShadowBiasConstant ||
		linear != r.uniform.Data.ShadowBiasLinear {
		r.uniform.Data.ShadowBiasConstant = constant
		r.uniform.Data.ShadowBiasLinear = linear
		r.uniform.Dirty = true
	}
}

func (r *Accelerated) syncShadowTextureBias() {
	if bias := r.state.Regs.ShadowTextureBias() << 1; bias != r.uniform.Data.ShadowTextureBias {
		r.uniform.Data.ShadowTextureBias = bias
		r.uniform.Dirty = true
	}
}
