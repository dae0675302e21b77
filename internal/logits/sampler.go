// Package logits picks the next token from a logits vector.
package logits

import (
	"math"
	"math/rand/v2"
)

// DefaultTopK matches the generate() default of transformers.
const DefaultTopK = 50

// Config configures a Sampler. A Temperature <= 0 selects greedy decoding.
type Config struct {
	Seed          uint64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	// RepeatLastN limits the penalty window; <= 0 penalises the whole history.
	RepeatLastN int
}

type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
}

// New returns a sampler. The same Config always yields the same sequence
// of choices for the same inputs.
func New(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	return &Sampler{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Config returns the effective configuration after defaults.
func (s *Sampler) Config() Config { return s.cfg }

// Sample picks an index from logits, which it may modify in place:
//
//  1. Tokens in history get the repetition penalty.
//  2. Greedy samplers return the argmax.
//  3. Otherwise logits are scaled by 1/temperature, cut to the top k,
//     softmaxed, filtered by min-p then top-p, and drawn from.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if len(logits) == 0 {
		return -1
	}
	if s.cfg.RepeatPenalty != 1 && len(history) > 0 {
		s.penalise(logits, history)
	}
	if s.greedy || s.cfg.TopK == 1 {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n], topIdx[n] = prob[i], topIdx[i]
				kept += prob[i]
				n++
			}
		}
		prob = prob[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
	}
	var mass float64
	for i := 0; i < cut; i++ {
		mass += prob[i]
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// penalise divides positive logits of seen tokens by the penalty and
// multiplies negative ones, once per distinct token.
func (s *Sampler) penalise(logits []float32, history []int) {
	window := history
	if n := s.cfg.RepeatLastN; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
		s.seenEpoch = 0
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	for _, id := range window {
		if id < 0 || id >= len(logits) || s.seenMark[id] == s.seenEpoch {
			continue
		}
		s.seenMark[id] = s.seenEpoch
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK returns the k largest logits scaled by invTemp, largest first.
// O(V*K), fine for the small k used in practice.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}
