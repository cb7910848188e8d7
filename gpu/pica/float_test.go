package pica

import (
	"math"
	"testing"
)

func TestF24KnownValues(t *testing.T) {
	// 1.0: exponent 63, empty mantissa.
	if got := (F24(63 << 16)).Float32(); got != 1.0 {
		t.Errorf("f24 1.0 decoded as %g", got)
	}
	// -2.0
	if got := (F24(1<<23 | 64<<16)).Float32(); got != -2.0 {
		t.Errorf("f24 -2.0 decoded as %g", got)
	}
	// 1.5: highest mantissa bit set.
	if got := (F24(63<<16 | 1<<15)).Float32(); got != 1.5 {
		t.Errorf("f24 1.5 decoded as %g", got)
	}
	// All-zero word decodes to zero.
	if got := (F24(0)).Float32(); got != 0 {
		t.Errorf("f24 zero decoded as %g", got)
	}
}

func TestF16IsHalfFloat(t *testing.T) {
	// f16 matches IEEE half floats: 0x3c00 is 1.0, 0xc000 is -2.0.
	if got := (F16(0x3c00)).Float32(); got != 1.0 {
		t.Errorf("f16 1.0 decoded as %g", got)
	}
	if got := (F16(0xc000)).Float32(); got != -2.0 {
		t.Errorf("f16 -2.0 decoded as %g", got)
	}
}

func TestFloatRoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 2, -3.25, 1024, 0.0625}
	for _, v := range values {
		if got := F24FromFloat32(v).Float32(); got != v {
			t.Errorf("f24 round trip %g -> %g", v, got)
		}
		if got := F20FromFloat32(v).Float32(); got != v {
			t.Errorf("f20 round trip %g -> %g", v, got)
		}
		if got := F16FromFloat32(v).Float32(); got != v {
			t.Errorf("f16 round trip %g -> %g", v, got)
		}
	}
}

func TestFloatSaturates(t *testing.T) {
	// Values outside the 7-bit exponent range clamp to the largest
	// finite magnitude instead of wrapping.
	huge := float32(math.MaxFloat32)
	got := F24FromFloat32(huge).Float32()
	if math.IsInf(float64(got), 0) || got <= 0 {
		t.Errorf("f24 saturation produced %g", got)
	}
	if tiny := F24FromFloat32(1e-30).Float32(); tiny != 0 {
		t.Errorf("f24 underflow produced %g", tiny)
	}
}
