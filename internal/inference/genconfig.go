package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hfgen/internal/logits"
	"github.com/samcharles93/hfgen/internal/model"
)

const GenerationConfigFileName = "generation_config.json"

// GenerationConfig is the part of generation_config.json that affects
// decoding.
type GenerationConfig struct {
	DoSample          *bool          `json:"do_sample"`
	Temperature       *float64       `json:"temperature"`
	TopK              *int           `json:"top_k"`
	TopP              *float64       `json:"top_p"`
	MinP              *float64       `json:"min_p"`
	RepetitionPenalty *float64       `json:"repetition_penalty"`
	EOSTokenID        model.TokenIDs `json:"eos_token_id"`
}

// LoadGenerationConfig reads generation_config.json from dir. A missing
// file yields the zero config.
func LoadGenerationConfig(dir string) (GenerationConfig, error) {
	var gc GenerationConfig
	raw, err := os.ReadFile(filepath.Join(dir, GenerationConfigFileName))
	if errors.Is(err, os.ErrNotExist) {
		return gc, nil
	}
	if err != nil {
		return gc, err
	}
	if err := json.Unmarshal(raw, &gc); err != nil {
		return gc, fmt.Errorf("parse %s: %w", GenerationConfigFileName, err)
	}
	return gc, nil
}

// Sampling holds caller overrides; nil fields defer to the checkpoint's
// generation_config.json.
type Sampling struct {
	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   int
	Seed          uint64
}

// SamplerConfig merges the checkpoint defaults with s. Without do_sample or
// an explicit temperature decoding is greedy.
func (s Sampling) SamplerConfig(gc GenerationConfig) logits.Config {
	cfg := logits.Config{Seed: s.Seed, RepeatLastN: s.RepeatLastN}
	if gc.DoSample != nil && *gc.DoSample {
		cfg.Temperature = 1
		cfg.TopK = logits.DefaultTopK
		cfg.TopP = 1
		setF(&cfg.Temperature, gc.Temperature)
		if gc.TopK != nil {
			cfg.TopK = *gc.TopK
		}
		setF(&cfg.TopP, gc.TopP)
		setF(&cfg.MinP, gc.MinP)
	}
	setF(&cfg.RepeatPenalty, gc.RepetitionPenalty)

	setF(&cfg.Temperature, s.Temperature)
	if s.TopK != nil {
		cfg.TopK = *s.TopK
	}
	setF(&cfg.TopP, s.TopP)
	setF(&cfg.MinP, s.MinP)
	setF(&cfg.RepeatPenalty, s.RepeatPenalty)
	return cfg
}

func setF(dst *float32, v *float64) {
	if v != nil {
		*dst = float32(*v)
	}
}

// BuildStopTokens collects the end-of-sequence ids: generation_config.json
// first, then config.json, then the tokenizer's EOS. Negative ids are
// ignored.
func BuildStopTokens(gc GenerationConfig, cfg *model.Config, tokenizerEOS int) []int {
	var out []int
	add := func(ids ...int) {
		for _, id := range ids {
			if id >= 0 && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	add(gc.EOSTokenID...)
	if cfg != nil {
		add(cfg.EOSTokenID...)
	}
	add(tokenizerEOS)
	return out
}
