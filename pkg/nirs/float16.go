package nirs

import "math"

// Float16ToFloat32 decodes a half precision value: 1 sign bit, 5 exponent bits, 10 mantissa bits
func Float16ToFloat32(h uint16) float32 {
	sign := float32(1)
	if h&0x8000 != 0 {
		sign = -1
	}
	exp := int((h >> 10) & 0x1f)
	mant := float64(h & 0x3ff)

	switch exp {
	case 0:
		// subnormal
		return sign * float32(math.Ldexp(mant, -24))
	case 0x1f:
		if mant != 0 {
			return float32(math.NaN())
		}
		return sign * float32(math.Inf(1))
	}
	return sign * float32(math.Ldexp(1+mant/1024, exp-15))
}

// Float32ToFloat16 encodes f with round-half-to-even, saturating to infinity
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int((bits >> 23) & 0xff)
	mant := bits & 0x7fffff

	if exp == 0xff {
		if mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}

	e := exp - 127 + 15
	if e >= 0x1f {
		return sign | 0x7c00
	}

	if e <= 0 {
		if e < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint(14 - e)
		half := uint32(1) << (shift - 1)
		rounded := (mant + half - 1 + ((mant >> shift) & 1)) >> shift
		return sign | uint16(rounded)
	}

	rounded := mant + 0xfff + ((mant >> 13) & 1)
	// a carry out of the mantissa bumps the exponent
	out := uint16(e)<<10 + uint16(rounded>>13)
	if out >= 0x7c00 {
		return sign | 0x7c00
	}
	return sign | out
}
