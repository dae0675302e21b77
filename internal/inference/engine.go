package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/logits"
	"github.com/samcharles93/hfgen/internal/model"
)

var ErrEmptyPrompt = errors.New("inference: empty prompt")

// Generator runs the prefill and decode loop for one sequence.
type Generator struct {
	Model      model.Model
	Sampler    *logits.Sampler
	StopTokens []int
	Logger     logger.Logger
}

// Run resets the model, feeds prompt and samples up to maxNew tokens. The
// returned sequence starts with prompt. A sampled stop token is kept in the
// sequence and ends generation.
func (g *Generator) Run(ctx context.Context, prompt []int, maxNew int) ([]int, Stats, error) {
	stats := Stats{PromptTokens: len(prompt), StopReason: StopLength}
	if len(prompt) == 0 {
		return nil, stats, ErrEmptyPrompt
	}
	log := g.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	if err := safeReset(g.Model); err != nil {
		return nil, stats, err
	}

	start := time.Now()
	var logitsVec []float32
	var err error
	for _, id := range prompt {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		logitsVec, err = safeForward(g.Model, id)
		if err != nil {
			return nil, stats, fmt.Errorf("forward error during prefill: %w", err)
		}
	}
	stats.PrefillDuration = time.Since(start)

	seq := make([]int, len(prompt), len(prompt)+maxNew)
	copy(seq, prompt)

	decodeStart := time.Now()
	for i := 0; i < maxNew; i++ {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		next, err := safeSample(g.Sampler, logitsVec, seq)
		if err != nil {
			return nil, stats, err
		}
		if next < 0 {
			return nil, stats, fmt.Errorf("sampler returned no token at step %d", i)
		}
		seq = append(seq, next)
		stats.TokensGenerated++

		if slices.Contains(g.StopTokens, next) {
			stats.StopReason = StopEOS
			break
		}
		if i == maxNew-1 {
			break
		}
		logitsVec, err = safeForward(g.Model, next)
		if errors.Is(err, model.ErrContextFull) {
			log.Warn("context window full, stopping generation", "tokens", len(seq))
			stats.StopReason = StopContext
			break
		}
		if err != nil {
			return nil, stats, fmt.Errorf("forward error during generation step %d: %w", i, err)
		}
	}

	stats.Duration = time.Since(decodeStart)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	return seq, stats, nil
}
