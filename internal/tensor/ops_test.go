package tensor

import (
	"math"
	"testing"
)

func approx(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func TestF16RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float32
		want float32
	}{
		{0, 0},
		{1, 1},
		{-2.5, -2.5},
		{65504, 65504},
		{1e6, float32(math.Inf(1))},
		{5.960464477539063e-08, 5.960464477539063e-08}, // smallest subnormal
		{1.0009765625, 1.0009765625},                   // 1 + 2^-10
		{1.00048828125, 1},                             // tie rounds to even
	}
	for _, tc := range tests {
		if got := F16ToF32(F32ToF16(tc.in)); got != tc.want {
			t.Errorf("f16 round trip %v: got %v want %v", tc.in, got, tc.want)
		}
	}
	if !math.IsNaN(float64(F16ToF32(F32ToF16(float32(math.NaN()))))) {
		t.Error("NaN should survive f16 round trip")
	}
}

func TestBF16RoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []float32{0, 1, -3, 0.5, 256} {
		if got := BF16ToF32(F32ToBF16(v)); got != v {
			t.Errorf("bf16 round trip %v: got %v", v, got)
		}
	}
	if got := BF16ToF32(F32ToBF16(1.00390625)); got != 1 {
		t.Errorf("bf16 tie should round to even, got %v", got)
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()

	tests := map[string]DType{
		"float16":        F16,
		"torch.float16":  F16,
		"F16":            F16,
		"half":           F16,
		"bfloat16":       BF16,
		"BF16":           BF16,
		"float32":        F32,
		" torch.float32": F32,
	}
	for in, want := range tests {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Errorf("ParseDType(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Error("expected error for int8")
	}
}

func TestRMSNormOffset(t *testing.T) {
	t.Parallel()
	src := []float32{1, 2, 3, 4}
	dst := make([]float32, 4)
	RMSNormOffset(dst, src, []float32{0, 0, 0, 0}, 0)

	// rms = sqrt(30/4)
	inv := float32(1 / math.Sqrt(7.5))
	for i, v := range src {
		if !approx(dst[i], v*inv, 1e-6) {
			t.Fatalf("dst[%d] = %v want %v", i, dst[i], v*inv)
		}
	}

	plain := make([]float32, 4)
	RMSNorm(plain, src, []float32{1, 1, 1, 1}, 0)
	for i := range plain {
		if !approx(plain[i], dst[i], 1e-6) {
			t.Fatalf("RMSNorm with w=1 should equal RMSNormOffset with w=0 at %d", i)
		}
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()
	x := []float32{1, 2, 3}
	Softmax(x)
	var sum float32
	for _, v := range x {
		sum += v
	}
	if !approx(sum, 1, 1e-6) {
		t.Fatalf("softmax sums to %v", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Fatalf("softmax not monotonic: %v", x)
	}
}

func TestGELUTanh(t *testing.T) {
	t.Parallel()
	if GELUTanh(0) != 0 {
		t.Fatal("gelu(0) != 0")
	}
	if !approx(GELUTanh(1), 0.8411920, 1e-5) {
		t.Fatalf("gelu(1) = %v", GELUTanh(1))
	}
	if !approx(GELUTanh(-10), 0, 1e-5) {
		t.Fatalf("gelu(-10) = %v", GELUTanh(-10))
	}
}

func TestSoftCap(t *testing.T) {
	t.Parallel()
	x := []float32{0, 1000, -1000}
	SoftCap(x, 30)
	if x[0] != 0 || !approx(x[1], 30, 1e-4) || !approx(x[2], -30, 1e-4) {
		t.Fatalf("unexpected softcap result %v", x)
	}
	y := []float32{1000}
	SoftCap(y, 0)
	if y[0] != 1000 {
		t.Fatal("cap of 0 should be a no-op")
	}
}

func TestRoPE(t *testing.T) {
	t.Parallel()
	r := NewRoPE(4, 10000)

	x := []float32{1, 2, 3, 4}
	r.Apply(x, 0)
	for i, v := range []float32{1, 2, 3, 4} {
		if x[i] != v {
			t.Fatalf("position 0 must be identity, got %v", x)
		}
	}

	// First pair rotates with frequency 1: (1, 3) at pos 1 -> (cos1 - 3 sin1, 3 cos1 + sin1).
	y := []float32{1, 0, 3, 0}
	r.Apply(y, 1)
	c, s := float32(math.Cos(1)), float32(math.Sin(1))
	if !approx(y[0], c-3*s, 1e-5) || !approx(y[2], 3*c+s, 1e-5) {
		t.Fatalf("unexpected rotation %v", y)
	}

	// Rotation preserves the norm of each pair.
	z := []float32{0.3, -1.2, 0.7, 2.5}
	before := z[1]*z[1] + z[3]*z[3]
	r.Apply(z, 17)
	if after := z[1]*z[1] + z[3]*z[3]; !approx(before, after, 1e-4) {
		t.Fatalf("norm changed: %v -> %v", before, after)
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	if got := Argmax([]float32{-1, 5, 3, 7, 2}); got != 3 {
		t.Fatalf("Argmax = %d, want 3", got)
	}
	if got := Argmax(nil); got != -1 {
		t.Fatalf("Argmax(nil) = %d, want -1", got)
	}
}
