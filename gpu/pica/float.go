package pica

import "math"

// The PICA encodes floating point values in three non-IEEE widths.  All of
// them have a sign bit and, unlike IEEE half floats, f20 and f24 use a 7-bit
// exponent.  Conversion to float32 widens the exponent and shifts the
// mantissa into place.
//
//	f16: 1 sign, 5 exponent, 10 mantissa
//	f20: 1 sign, 7 exponent, 12 mantissa
//	f24: 1 sign, 7 exponent, 16 mantissa

type F16 uint32
type F20 uint32
type F24 uint32

func (f F16) Float32() float32 { return fromRaw(uint32(f), 10, 5) }
func (f F20) Float32() float32 { return fromRaw(uint32(f), 12, 7) }
func (f F24) Float32() float32 { return fromRaw(uint32(f), 16, 7) }

func F16FromFloat32(v float32) F16 { return F16(toRaw(v, 10, 5)) }
func F20FromFloat32(v float32) F20 { return F20(toRaw(v, 12, 7)) }
func F24FromFloat32(v float32) F24 { return F24(toRaw(v, 16, 7)) }

func fromRaw(hex uint32, m, e uint) float32 {
	// Widening the exponent re-biases it from 2^(e-1)-1 to 127.
	bias := uint32(128 - (1 << (e - 1)))
	exponent := (hex >> m) & (1<<e - 1)
	mantissa := hex & (1<<m - 1)
	sign := (hex >> (e + m) & 1) << 31

	var bits uint32
	if hex&(1<<(m+e)-1) != 0 {
		if exponent == 1<<e-1 {
			exponent = 255 // infinity and NaN
		} else {
			exponent += bias
		}
		bits = sign | mantissa<<(23-m) | exponent<<23
	} else {
		bits = sign // signed zero
	}
	return math.Float32frombits(bits)
}

func toRaw(v float32, m, e uint) uint32 {
	bias := uint32(128 - (1 << (e - 1)))
	bits := math.Float32bits(v)
	sign := bits >> 31 << (e + m)
	exponent := bits >> 23 & 0xff
	mantissa := bits & (1<<23 - 1) >> (23 - m)

	if exponent == 0 {
		return sign // flush denormals
	}
	if exponent == 255 {
		return sign | (1<<e-1)<<m | mantissa
	}
	if exponent <= bias {
		return sign
	}
	if exponent >= bias+1<<e-1 {
		// Saturate to the largest finite value.
		return sign | (1<<e-2)<<m | (1<<m - 1)
	}
	return sign | (exponent-bias)<<m | mantissa
}
