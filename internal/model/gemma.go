package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/hfgen/internal/tensor"
)

type layer struct {
	attnNorm     []float32
	postAttnNorm []float32
	preFFNNorm   []float32
	postFFNNorm  []float32

	wq, wk, wv, wo tensor.Mat
	gate, up, down tensor.Mat
	sliding        bool
	keys, values   []float32
}

// Gemma is a loaded Gemma or Gemma 2 checkpoint with its KV cache. It is not
// safe for concurrent use.
type Gemma struct {
	info Info
	spec *archSpec

	heads, kvHeads, headDim int
	eps                     float32
	embedScale              float32
	attnScale               float32
	attnCap, finalCap       float32
	window                  int

	embed   tensor.Mat
	lmHead  *tensor.Mat
	outNorm []float32
	layers  []layer
	rope    *tensor.RoPE

	pos int

	x, h, q, k, v, att, o []float32
	gate, up              []float32
	scores, logits        []float32
}

func newGemma(cfg *Config, spec *archSpec, dtype tensor.DType, device string, maxCtx int) *Gemma {
	g := &Gemma{
		spec:      spec,
		heads:     cfg.NumAttentionHeads,
		kvHeads:   cfg.NumKeyValueHeads,
		headDim:   cfg.HeadDim,
		eps:       float32(cfg.RMSNormEps),
		attnScale: float32(1 / math.Sqrt(float64(cfg.HeadDim))),
		rope:      tensor.NewRoPE(cfg.HeadDim, cfg.RopeTheta),
		info: Info{
			Arch:          spec.Name,
			DType:         dtype,
			Device:        device,
			Layers:        cfg.NumHiddenLayers,
			Hidden:        cfg.HiddenSize,
			VocabSize:     cfg.VocabSize,
			ContextLength: maxCtx,
		},
	}
	if spec.PostNorms {
		g.attnScale = float32(1 / math.Sqrt(cfg.QueryPreAttnScalar))
		g.attnCap = softcap(cfg.AttnLogitSoftcapping)
		g.finalCap = softcap(cfg.FinalLogitSoftcapping)
	}
	if spec.SlidingEveryOther {
		g.window = cfg.SlidingWindow
	}

	// The embedding scale is materialised in the weight dtype, as the
	// reference implementation does.
	scale := float32(math.Sqrt(float64(cfg.HiddenSize)))
	switch dtype {
	case tensor.F16:
		scale = tensor.F16ToF32(tensor.F32ToF16(scale))
	case tensor.BF16:
		scale = tensor.BF16ToF32(tensor.F32ToBF16(scale))
	}
	g.embedScale = scale

	qDim := g.heads * g.headDim
	g.x = make([]float32, cfg.HiddenSize)
	g.h = make([]float32, cfg.HiddenSize)
	g.o = make([]float32, cfg.HiddenSize)
	g.q = make([]float32, qDim)
	g.att = make([]float32, qDim)
	g.k = make([]float32, g.kvHeads*g.headDim)
	g.v = make([]float32, g.kvHeads*g.headDim)
	g.gate = make([]float32, cfg.IntermediateSize)
	g.up = make([]float32, cfg.IntermediateSize)
	g.logits = make([]float32, cfg.VocabSize)
	return g
}

// Info describes the loaded model.
func (g *Gemma) Info() Info { return g.info }

// Pos is the number of tokens in the KV cache.
func (g *Gemma) Pos() int { return g.pos }

// ForwardToken advances the model by one token. The returned logits are
// owned by the model and overwritten by the next call.
func (g *Gemma) ForwardToken(id int) ([]float32, error) {
	if id < 0 || id >= g.embed.R {
		return nil, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, id, g.embed.R)
	}
	if g.pos >= g.info.ContextLength {
		return nil, fmt.Errorf("%w: %d tokens", ErrContextFull, g.info.ContextLength)
	}

	g.embed.RowTo(g.x, id)
	tensor.Scale(g.x, g.embedScale)
	for i := range g.layers {
		g.block(&g.layers[i])
	}
	tensor.RMSNormOffset(g.h, g.x, g.outNorm, g.eps)

	head := &g.embed
	if g.lmHead != nil {
		head = g.lmHead
	}
	tensor.MatVec(g.logits, head, g.h)
	tensor.SoftCap(g.logits, g.finalCap)
	g.pos++
	return g.logits, nil
}

func (g *Gemma) block(l *layer) {
	tensor.RMSNormOffset(g.h, g.x, l.attnNorm, g.eps)
	tensor.MatVec(g.q, &l.wq, g.h)
	tensor.MatVec(g.k, &l.wk, g.h)
	tensor.MatVec(g.v, &l.wv, g.h)
	g.rope.Apply(g.q, g.pos)
	g.rope.Apply(g.k, g.pos)
	l.keys = append(l.keys, g.k...)
	l.values = append(l.values, g.v...)

	g.attention(l)
	tensor.MatVec(g.o, &l.wo, g.att)
	if l.postAttnNorm != nil {
		tensor.RMSNormOffset(g.o, g.o, l.postAttnNorm, g.eps)
	}
	tensor.Add(g.x, g.o)

	tensor.RMSNormOffset(g.h, g.x, l.preFFNNorm, g.eps)
	tensor.MatVec(g.gate, &l.gate, g.h)
	tensor.MatVec(g.up, &l.up, g.h)
	tensor.GELUMul(g.gate, g.gate, g.up)
	tensor.MatVec(g.o, &l.down, g.gate)
	if l.postFFNNorm != nil {
		tensor.RMSNormOffset(g.o, g.o, l.postFFNNorm, g.eps)
	}
	tensor.Add(g.x, g.o)
}

// attention computes causal attention for the current position over the
// cached keys. Query heads share key/value heads in groups.
func (g *Gemma) attention(l *layer) {
	hd := g.headDim
	kvDim := g.kvHeads * hd
	group := g.heads / g.kvHeads

	start := 0
	if l.sliding && g.window > 0 && g.pos+1 > g.window {
		start = g.pos + 1 - g.window
	}
	n := g.pos + 1 - start
	if cap(g.scores) < n {
		g.scores = make([]float32, n, max(n, 2*cap(g.scores)))
	}
	scores := g.scores[:n]

	for h := 0; h < g.heads; h++ {
		q := g.q[h*hd : (h+1)*hd]
		off := (h / group) * hd
		for t := start; t <= g.pos; t++ {
			base := t*kvDim + off
			scores[t-start] = tensor.Dot(q, l.keys[base:base+hd]) * g.attnScale
		}
		tensor.SoftCap(scores, g.attnCap)
		tensor.Softmax(scores)

		out := g.att[h*hd : (h+1)*hd]
		clear(out)
		for t := start; t <= g.pos; t++ {
			p := scores[t-start]
			base := t*kvDim + off
			for i, v := range l.values[base : base+hd] {
				out[i] += p * v
			}
		}
	}
}

// Reset clears the KV cache.
func (g *Gemma) Reset() {
	g.pos = 0
	for i := range g.layers {
		g.layers[i].keys = g.layers[i].keys[:0]
		g.layers[i].values = g.layers[i].values[:0]
	}
}

// Close drops the weights and cache.
func (g *Gemma) Close() error {
	g.layers = nil
	g.lmHead = nil
	g.embed = tensor.Mat{}
	g.pos = 0
	return nil
}
