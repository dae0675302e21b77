package tensor

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("tensor: shape mismatch")

// Mat is a dense row-major matrix. Exactly one of F32 and U16 is populated,
// depending on DType; U16 holds f16 or bf16 bit patterns.
type Mat struct {
	R, C  int
	DType DType
	F32   []float32
	U16   []uint16
}

// NewMat allocates a zeroed r×c matrix stored as dtype.
func NewMat(r, c int, dtype DType) Mat {
	if r < 0 || c < 0 {
		panic("tensor: negative dimension")
	}
	m := Mat{R: r, C: c, DType: dtype}
	if dtype == F32 {
		m.F32 = make([]float32, r*c)
	} else {
		m.U16 = make([]uint16, r*c)
	}
	return m
}

// FromF32 stores data (row-major, r*c values) in the requested dtype. When
// dtype is F32 the slice is used directly.
func FromF32(r, c int, data []float32, dtype DType) (Mat, error) {
	if r < 0 || c < 0 || len(data) != r*c {
		return Mat{}, fmt.Errorf("%w: %dx%d from %d values", ErrShape, r, c, len(data))
	}
	m := Mat{R: r, C: c, DType: dtype}
	switch dtype {
	case F32:
		m.F32 = data
	case F16:
		m.U16 = make([]uint16, len(data))
		for i, v := range data {
			m.U16[i] = F32ToF16(v)
		}
	case BF16:
		m.U16 = make([]uint16, len(data))
		for i, v := range data {
			m.U16[i] = F32ToBF16(v)
		}
	default:
		return Mat{}, fmt.Errorf("tensor: unsupported dtype %s", dtype)
	}
	return m, nil
}

// RowTo decodes row i into dst[:C].
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("tensor: row index out of range")
	}
	if len(dst) < m.C {
		panic("tensor: row buffer too small")
	}
	start := i * m.C
	switch m.DType {
	case F32:
		copy(dst[:m.C], m.F32[start:start+m.C])
	case F16:
		for j, u := range m.U16[start : start+m.C] {
			dst[j] = F16ToF32(u)
		}
	case BF16:
		for j, u := range m.U16[start : start+m.C] {
			dst[j] = BF16ToF32(u)
		}
	}
}

// Bytes reports the storage footprint of the matrix.
func (m *Mat) Bytes() int64 {
	return int64(m.R) * int64(m.C) * int64(m.DType.Size())
}
