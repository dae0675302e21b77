package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/hfgen/internal/tensor"
)

func writeTestFile(t *testing.T, path string, tensors ...NamedTensor) {
	t.Helper()
	if err := WriteFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestOpenAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeTestFile(t, path,
		NamedTensor{Name: "w", DType: tensor.F32, Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		NamedTensor{Name: "h", DType: tensor.F16, Shape: []int{2}, Data: []float32{0.5, -1}},
		NamedTensor{Name: "b", DType: tensor.BF16, Shape: []int{2}, Data: []float32{2, -4}},
	)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if len(f.Tensors) != 3 {
		t.Fatalf("expected 3 tensors, got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata not parsed: %v", f.Metadata)
	}

	tests := []struct {
		name  string
		dtype string
		want  []float32
	}{
		{"w", "F32", []float32{1, 2, 3, 4, 5, 6}},
		{"h", "F16", []float32{0.5, -1}},
		{"b", "BF16", []float32{2, -4}},
	}
	for _, tc := range tests {
		got, info, err := f.ReadF32(tc.name)
		if err != nil {
			t.Fatalf("ReadF32(%s): %v", tc.name, err)
		}
		if info.DType != tc.dtype {
			t.Fatalf("%s: dtype %q, want %q", tc.name, info.DType, tc.dtype)
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Fatalf("%s[%d] = %v, want %v", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestReadMatConvertsDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeTestFile(t, path,
		NamedTensor{Name: "w32", DType: tensor.F32, Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		NamedTensor{Name: "w16", DType: tensor.F16, Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		NamedTensor{Name: "norm", DType: tensor.F32, Shape: []int{4}, Data: []float32{1, 1, 1, 1}},
	)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	for _, name := range []string{"w32", "w16"} {
		for _, dt := range []tensor.DType{tensor.F32, tensor.F16, tensor.BF16} {
			m, err := f.ReadMat(name, dt)
			if err != nil {
				t.Fatalf("ReadMat(%s, %s): %v", name, dt, err)
			}
			if m.DType != dt || m.R != 2 || m.C != 2 {
				t.Fatalf("ReadMat(%s, %s): got %s %dx%d", name, dt, m.DType, m.R, m.C)
			}
			row := make([]float32, 2)
			m.RowTo(row, 1)
			if row[0] != 3 || row[1] != 4 {
				t.Fatalf("ReadMat(%s, %s): row 1 = %v", name, dt, row)
			}
		}
	}

	norm, err := f.ReadMat("norm", tensor.F32)
	if err != nil {
		t.Fatalf("ReadMat(norm): %v", err)
	}
	if norm.R != 1 || norm.C != 4 {
		t.Fatalf("1-D tensor should be a single row, got %dx%d", norm.R, norm.C)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	writeTestFile(t, path, NamedTensor{Name: "a", DType: tensor.F32, Shape: []int{1}, Data: []float32{1}})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.ReadF32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("expected ErrTensorNotFound, got %v", err)
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	header := func(js string) []byte {
		b := make([]byte, 8, 8+len(js))
		binary.LittleEndian.PutUint64(b, uint64(len(js)))
		return append(b, js...)
	}
	tests := map[string][]byte{
		"truncated":       {0, 0, 0, 0},
		"header too long": header(`{}`)[:9],
		"invalid json":    header(`{not json`),
		"bad offsets":     header(`{"w":{"dtype":"F32","shape":[1],"data_offsets":[0]}}`),
		"out of range":    header(`{"w":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`),
		"inverted":        append(header(`{"w":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`), 0, 0, 0, 0),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Open(path); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDecodeF32SizeMismatch(t *testing.T) {
	t.Parallel()
	_, err := DecodeF32(make([]byte, 6), TensorInfo{DType: "F32", Shape: []int{2}})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if _, err := DecodeF32(nil, TensorInfo{DType: "I64", Shape: []int{1}}); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{}, 1, false},
		{[]int{0, 5}, 0, false},
		{[]int{-1}, 0, true},
	}
	for _, tc := range tests {
		got, err := numElements(tc.shape)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("numElements(%v) = %d, %v", tc.shape, got, err)
		}
	}
}
