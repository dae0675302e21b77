package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hfgen/internal/tensor"
)

// NamedTensor is one entry for WriteFile.
type NamedTensor struct {
	Name  string
	DType tensor.DType
	Shape []int
	Data  []float32
}

// WriteFile writes tensors to path in safetensors layout, sorted by name,
// encoding each one in its DType.
func WriteFile(path string, tensors []NamedTensor, metadata map[string]string) (err error) {
	sorted := append([]NamedTensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, t := range sorted {
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		end := off + int64(n*t.DType.Size())
		header[t.Name] = tensorHeader{DType: headerDType(t.DType), Shape: t.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	var b [4]byte
	for _, t := range sorted {
		for _, v := range t.Data {
			switch t.DType {
			case tensor.F32:
				binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
				_, err = w.Write(b[:4])
			case tensor.F16:
				binary.LittleEndian.PutUint16(b[:], tensor.F32ToF16(v))
				_, err = w.Write(b[:2])
			case tensor.BF16:
				binary.LittleEndian.PutUint16(b[:], tensor.F32ToBF16(v))
				_, err = w.Write(b[:2])
			}
			if err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func headerDType(d tensor.DType) string {
	switch d {
	case tensor.F16:
		return "F16"
	case tensor.BF16:
		return "BF16"
	default:
		return "F32"
	}
}
