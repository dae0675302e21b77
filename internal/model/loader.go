package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/hfgen/internal/backend"
	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/safetensors"
	"github.com/samcharles93/hfgen/internal/tensor"
)

// DefaultMaxContext caps the KV cache when the caller sets no limit.
const DefaultMaxContext = 8192

// LoadOptions controls how a checkpoint is materialised.
type LoadOptions struct {
	// DType is the storage precision: float32, float16, bfloat16 or auto.
	// auto follows torch_dtype and then the checkpoint itself.
	DType string
	// Device is a placement hint; auto selects the best compiled backend.
	Device string
	// MaxContext bounds the KV cache. Zero means the smaller of
	// max_position_embeddings and DefaultMaxContext.
	MaxContext int
	Logger     logger.Logger
}

// Load reads config.json and the safetensors weights in dir.
func Load(ctx context.Context, dir string, opts LoadOptions) (*Gemma, error) {
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	start := time.Now()

	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	spec, err := detectArch(cfg)
	if err != nil {
		return nil, err
	}
	if !isGeluActivation(cfg.Activation()) {
		return nil, fmt.Errorf("%w: activation %q", ErrUnsupportedArch, cfg.Activation())
	}

	device, err := backend.Resolve(opts.Device)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	ckpt, err := safetensors.OpenDir(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ckpt.Close() }()

	dtype, err := resolveDType(opts.DType, cfg, ckpt)
	if err != nil {
		return nil, err
	}

	maxCtx := opts.MaxContext
	if maxCtx <= 0 {
		maxCtx = DefaultMaxContext
	}
	if cfg.MaxPositionEmbeddings > 0 {
		maxCtx = min(maxCtx, cfg.MaxPositionEmbeddings)
	}

	g := newGemma(cfg, spec, dtype, device, maxCtx)
	l := &weightLoader{ckpt: ckpt, dtype: dtype, info: &g.info}

	names := spec.Names
	hidden := cfg.HiddenSize
	qDim := cfg.NumAttentionHeads * cfg.HeadDim
	kvDim := cfg.NumKeyValueHeads * cfg.HeadDim
	inter := cfg.IntermediateSize

	g.embed = l.mat(names.embedding, cfg.VocabSize, hidden)
	g.outNorm = l.vec(names.outputNorm, hidden)
	if !cfg.tied() {
		head := l.mat(names.lmHead, cfg.VocabSize, hidden)
		g.lmHead = &head
	}

	g.layers = make([]layer, cfg.NumHiddenLayers)
	for i := range g.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ly := &g.layers[i]
		ly.attnNorm = l.vec(names.attnNorm(i), hidden)
		ly.preFFNNorm = l.vec(names.preFFNNorm(i), hidden)
		if names.postAttnNorm != nil {
			ly.postAttnNorm = l.vec(names.postAttnNorm(i), hidden)
		}
		if names.postFFNNorm != nil {
			ly.postFFNNorm = l.vec(names.postFFNNorm(i), hidden)
		}
		ly.wq = l.mat(names.wq(i), qDim, hidden)
		ly.wk = l.mat(names.wk(i), kvDim, hidden)
		ly.wv = l.mat(names.wv(i), kvDim, hidden)
		ly.wo = l.mat(names.wo(i), hidden, qDim)
		ly.gate = l.mat(names.ffnGate(i), inter, hidden)
		ly.up = l.mat(names.ffnUp(i), inter, hidden)
		ly.down = l.mat(names.ffnDown(i), hidden, inter)
		ly.sliding = spec.SlidingEveryOther && i%2 == 0
		if l.err != nil {
			return nil, l.err
		}
	}
	if l.err != nil {
		return nil, l.err
	}

	log.Info("model loaded",
		"arch", spec.Name,
		"dtype", dtype.String(),
		"device", device,
		"layers", cfg.NumHiddenLayers,
		"params", g.info.Params,
		"weight_bytes", g.info.WeightBytes,
		"context", maxCtx,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return g, nil
}

func resolveDType(want string, cfg *Config, ckpt *safetensors.Checkpoint) (tensor.DType, error) {
	want = strings.ToLower(strings.TrimSpace(want))
	if want != "" && want != "auto" {
		dt, err := tensor.ParseDType(want)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, want)
		}
		return dt, nil
	}
	if cfg.TorchDType != "" {
		if dt, err := tensor.ParseDType(cfg.TorchDType); err == nil {
			return dt, nil
		}
	}
	dt, err := ckpt.DType()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedDType, err)
	}
	return dt, nil
}

// weightLoader keeps the first error so the per-layer code stays flat.
type weightLoader struct {
	ckpt  *safetensors.Checkpoint
	dtype tensor.DType
	info  *Info
	err   error
}

func (l *weightLoader) mat(name string, rows, cols int) tensor.Mat {
	if l.err != nil {
		return tensor.Mat{}
	}
	if !l.ckpt.Has(name) {
		l.err = fmt.Errorf("%w: %s", ErrMissingTensor, name)
		return tensor.Mat{}
	}
	m, err := l.ckpt.ReadMat(name, l.dtype)
	if err != nil {
		l.err = err
		return tensor.Mat{}
	}
	if m.R != rows || m.C != cols {
		l.err = fmt.Errorf("%w: %s is %dx%d, want %dx%d", tensor.ErrShape, name, m.R, m.C, rows, cols)
		return tensor.Mat{}
	}
	l.info.Params += int64(rows) * int64(cols)
	l.info.WeightBytes += m.Bytes()
	return m
}

// vec loads a norm weight as float32.
func (l *weightLoader) vec(name string, n int) []float32 {
	if l.err != nil {
		return nil
	}
	if !l.ckpt.Has(name) {
		l.err = fmt.Errorf("%w: %s", ErrMissingTensor, name)
		return nil
	}
	v, _, err := l.ckpt.ReadF32(name)
	if err != nil {
		l.err = err
		return nil
	}
	if len(v) != n {
		l.err = fmt.Errorf("%w: %s has %d values, want %d", tensor.ErrShape, name, len(v), n)
		return nil
	}
	l.info.Params += int64(n)
	l.info.WeightBytes += int64(n) * 4
	return v
}
