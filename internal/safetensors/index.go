package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hfgen/internal/tensor"
)

const (
	SingleFileName = "model.safetensors"
	IndexFileName  = "model.safetensors.index.json"
)

// IndexFile is the layout of model.safetensors.index.json.
type IndexFile struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// ParseIndex decodes a sharded checkpoint index.
func ParseIndex(data []byte) (*IndexFile, error) {
	var idx IndexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFileName, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("parse %s: empty weight_map", IndexFileName)
	}
	for name, shard := range idx.WeightMap {
		if !localShard(shard) {
			return nil, fmt.Errorf("%w: %s maps %s to %q outside the checkpoint", ErrCorrupt, IndexFileName, name, shard)
		}
	}
	return &idx, nil
}

// localShard reports whether shard names a file inside the checkpoint
// directory itself.
func localShard(shard string) bool {
	if shard == "" || strings.ContainsRune(shard, '\\') || filepath.IsAbs(shard) || !filepath.IsLocal(shard) {
		return false
	}
	for _, elem := range strings.Split(shard, "/") {
		if elem == ".." {
			return false
		}
	}
	return true
}

// Shards returns the distinct shard file names in sorted order.
func (idx *IndexFile) Shards() []string {
	seen := make(map[string]struct{}, 4)
	for _, shard := range idx.WeightMap {
		seen[shard] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for shard := range seen {
		out = append(out, shard)
	}
	sort.Strings(out)
	return out
}

// Checkpoint is the union of every shard of a model directory.
type Checkpoint struct {
	files  []*File
	byName map[string]*File
}

// OpenDir opens the checkpoint in dir: the sharded index when present,
// otherwise model.safetensors.
func OpenDir(dir string) (*Checkpoint, error) {
	raw, err := os.ReadFile(filepath.Join(dir, IndexFileName))
	switch {
	case err == nil:
		idx, err := ParseIndex(raw)
		if err != nil {
			return nil, err
		}
		paths := make([]string, 0, 4)
		for _, shard := range idx.Shards() {
			paths = append(paths, filepath.Join(dir, shard))
		}
		return OpenFiles(paths...)
	case errors.Is(err, os.ErrNotExist):
		return OpenFiles(filepath.Join(dir, SingleFileName))
	default:
		return nil, err
	}
}

// OpenFiles opens each path and merges their tensor tables. A tensor name
// present in more than one file is rejected.
func OpenFiles(paths ...string) (*Checkpoint, error) {
	c := &Checkpoint{byName: make(map[string]*File)}
	for _, p := range paths {
		f, err := Open(p)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.files = append(c.files, f)
		for name := range f.Tensors {
			if prev, dup := c.byName[name]; dup {
				_ = c.Close()
				return nil, fmt.Errorf("%w: tensor %s in both %s and %s", ErrCorrupt, name, prev.Path, p)
			}
			c.byName[name] = f
		}
	}
	return c, nil
}

// Close releases every shard.
func (c *Checkpoint) Close() error {
	var errs []error
	for _, f := range c.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.files = nil
	return errors.Join(errs...)
}

// Tensor returns the header entry for name.
func (c *Checkpoint) Tensor(name string) (TensorInfo, bool) {
	f, ok := c.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

// Has reports whether name is present in any shard.
func (c *Checkpoint) Has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Len is the total number of tensors.
func (c *Checkpoint) Len() int { return len(c.byName) }

// DType returns the dtype of the first floating-point tensor in name order,
// which is what torch_dtype="auto" resolves to.
func (c *Checkpoint) DType() (tensor.DType, error) {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		info, _ := c.Tensor(n)
		if dt, err := tensor.ParseDType(info.DType); err == nil {
			return dt, nil
		}
	}
	return tensor.F32, errors.New("safetensors: no floating-point tensors")
}

func (c *Checkpoint) ReadF32(name string) ([]float32, TensorInfo, error) {
	f, ok := c.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.ReadF32(name)
}

func (c *Checkpoint) ReadMat(name string, dtype tensor.DType) (tensor.Mat, error) {
	f, ok := c.byName[name]
	if !ok {
		return tensor.Mat{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.ReadMat(name, dtype)
}
