package tensor

import (
	"fmt"
	"math"
	"strings"
)

// DType is the storage encoding of a weight matrix. Arithmetic is always
// carried out in float32; DType only controls how weights sit in memory.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "float32"
	case F16:
		return "float16"
	case BF16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// ParseDType accepts the names used by torch_dtype and the safetensors
// header ("float16", "fp16", "F16", "torch.float16", ...).
func ParseDType(s string) (DType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "torch.")
	switch name {
	case "float32", "fp32", "f32", "float":
		return F32, nil
	case "float16", "fp16", "f16", "half":
		return F16, nil
	case "bfloat16", "bf16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unsupported dtype %q", s)
	}
}

// BF16ToF32 widens a bfloat16 bit pattern.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToBF16 narrows with round-to-nearest-even.
func F32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		// keep NaN quiet instead of rounding it into Inf
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// F16ToF32 widens an IEEE 754 binary16 bit pattern.
func F16ToF32(h uint16) float32 {
	return f16Table[h]
}

var f16Table = func() *[1 << 16]float32 {
	var t [1 << 16]float32
	for i := range t {
		t[i] = decodeF16(uint16(i))
	}
	return &t
}()

func decodeF16(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
			break
		}
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3FF
		f = (sign << 31) | (e << 23) | (frac << 13)
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		f = (sign << 31) | ((exp + 127 - 15) << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

// F32ToF16 narrows to binary16 with round-to-nearest-even. Values beyond the
// f16 range saturate to ±Inf.
func F32ToF16(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	if exp == 0xFF {
		if frac != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	}

	e := exp - 127
	switch {
	case e > 15:
		return sign | 0x7C00
	case e < -25:
		return sign
	case e < -14:
		// subnormal
		frac |= 0x800000
		shift := uint32(-e - 1)
		half := uint32(1) << (shift - 1)
		mant := frac >> shift
		rem := frac & ((1 << shift) - 1)
		if rem > half || (rem == half && mant&1 == 1) {
			mant++
		}
		return sign | uint16(mant)
	}

	exp16 := uint32(e + 15)
	mant := frac >> 13
	rem := frac & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && mant&1 == 1) {
		mant++
		if mant == 0x400 {
			mant = 0
			exp16++
			if exp16 >= 0x1F {
				return sign | 0x7C00
			}
		}
	}
	return sign | uint16(exp16<<10) | uint16(mant)
}
