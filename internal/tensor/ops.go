package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm writes src * rsqrt(mean(src²) + eps) * weight to dst.
func RMSNorm(dst, src, weight []float32, eps float32) {
	scale := rmsScale(src, eps)
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// RMSNormOffset is the Gemma variant, scaling by (1 + weight).
func RMSNormOffset(dst, src, weight []float32, eps float32) {
	scale := rmsScale(src, eps)
	for i := range src {
		dst[i] = src[i] * scale * (1 + weight[i])
	}
}

func rmsScale(src []float32, eps float32) float32 {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	return float32(1 / math.Sqrt(mean+float64(eps)))
}

// Softmax normalises x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// GELUTanh is the tanh approximation used by gelu_pytorch_tanh:
// 0.5·x·(1 + tanh(√(2/π)·(x + 0.044715·x³))).
func GELUTanh(x float32) float32 {
	const sqrt2OverPi = 0.7978845608028654
	v := float64(x)
	return float32(0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+0.044715*v*v*v))))
}

// GELUMul computes dst[i] = GELUTanh(gate[i]) * up[i].
func GELUMul(dst, gate, up []float32) {
	for i := range dst {
		dst[i] = GELUTanh(gate[i]) * up[i]
	}
}

// SoftCap applies cap·tanh(x/cap) in place. A cap <= 0 is a no-op.
func SoftCap(x []float32, limit float32) {
	if limit <= 0 {
		return
	}
	for i, v := range x {
		x[i] = limit * float32(math.Tanh(float64(v/limit)))
	}
}

// RoPE holds precomputed inverse frequencies for rotary embeddings in the
// half-rotation layout: element i pairs with element i + dim/2.
type RoPE struct {
	dim     int
	invFreq []float64
}

// NewRoPE prepares rotary embeddings for heads of size dim.
func NewRoPE(dim int, theta float64) *RoPE {
	half := dim / 2
	inv := make([]float64, half)
	for i := range inv {
		inv[i] = 1 / math.Pow(theta, float64(2*i)/float64(dim))
	}
	return &RoPE{dim: dim, invFreq: inv}
}

// Apply rotates every head in x (length heads*dim) for position pos.
func (r *RoPE) Apply(x []float32, pos int) {
	half := r.dim / 2
	for h := 0; h+r.dim <= len(x); h += r.dim {
		head := x[h : h+r.dim]
		for i := 0; i < half; i++ {
			sin, cos := math.Sincos(float64(pos) * r.invFreq[i])
			a, b := float64(head[i]), float64(head[i+half])
			head[i] = float32(a*cos - b*sin)
			head[i+half] = float32(b*cos + a*sin)
		}
	}
}

// Argmax returns the index of the largest value, or -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
