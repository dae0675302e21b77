// Package safetensors reads Hugging Face .safetensors checkpoints, single
// file or sharded, without copying tensor payloads until they are requested.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hfgen/internal/tensor"
)

// Header length cap; real checkpoints stay well below a few MB.
const maxHeaderLen = 100 << 20

var (
	ErrCorrupt        = errors.New("safetensors: corrupt file")
	ErrTensorNotFound = errors.New("safetensors: tensor not found")
)

// TensorInfo describes one tensor entry of the header. Offsets are relative
// to the start of the data section.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Elements returns the product of the shape.
func (t TensorInfo) Elements() (int, error) {
	return numElements(t.Shape)
}

// File is one opened .safetensors file. Its data section is memory-mapped
// when the platform allows it.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data    []byte
	release func() error
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of path and maps the whole file read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, path, size)
	}

	data, release, err := mapFile(f, size)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}
	sf, err := parse(path, data)
	if err != nil {
		_ = release()
		return nil, err
	}
	sf.release = release
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: %s header length %d", ErrCorrupt, path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: %s header: %v", ErrCorrupt, path, err)
	}

	sf := &File{
		Path:    path,
		Tensors: make(map[string]TensorInfo, len(raw)),
		data:    data[8+headerLen:],
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s metadata: %v", ErrCorrupt, path, err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorrupt, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorrupt, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > int64(len(sf.data)) {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes",
				ErrCorrupt, name, info.Start, info.End, len(sf.data))
		}
		sf.Tensors[name] = info
	}
	return sf, nil
}

// Close releases the mapping. Slices returned by Raw become invalid.
func (f *File) Close() error {
	if f == nil || f.release == nil {
		return nil
	}
	err := f.release()
	f.release = nil
	f.data = nil
	return err
}

// Tensor returns the header entry for name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the payload bytes of name. The slice aliases the mapping.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.data[t.Start:t.End], t, nil
}

// ReadF32 decodes name into a freshly allocated float32 slice.
func (f *File) ReadF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(raw, info)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 converts a raw F32/F16/BF16 payload to float32.
func DecodeF32(raw []byte, info TensorInfo) ([]float32, error) {
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}
	dt, err := tensor.ParseDType(info.DType)
	if err != nil {
		return nil, err
	}
	if len(raw) != n*dt.Size() {
		return nil, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrCorrupt, info.DType, len(raw), n*dt.Size())
	}
	out := make([]float32, n)
	switch dt {
	case tensor.F32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.F16:
		for i := range out {
			out[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case tensor.BF16:
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, nil
}

// ReadMat loads a 1-D or 2-D tensor as a matrix stored in dtype. 1-D tensors
// become a single row.
func (f *File) ReadMat(name string, dtype tensor.DType) (tensor.Mat, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	var r, c int
	switch len(info.Shape) {
	case 1:
		r, c = 1, info.Shape[0]
	case 2:
		r, c = info.Shape[0], info.Shape[1]
	default:
		return tensor.Mat{}, fmt.Errorf("tensor %s: want rank 1 or 2, got shape %v", name, info.Shape)
	}

	src, err := tensor.ParseDType(info.DType)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if src == dtype && dtype != tensor.F32 {
		// Same 16-bit encoding: copy bit patterns without a float round trip.
		if len(raw) != r*c*2 {
			return tensor.Mat{}, fmt.Errorf("%w: tensor %s size", ErrCorrupt, name)
		}
		m := tensor.NewMat(r, c, dtype)
		for i := range m.U16 {
			m.U16[i] = binary.LittleEndian.Uint16(raw[i*2:])
		}
		return m, nil
	}

	vals, err := DecodeF32(raw, info)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return tensor.FromF32(r, c, vals, dtype)
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}
