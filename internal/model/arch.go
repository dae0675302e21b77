package model

import (
	"fmt"
	"strings"
)

// archNames maps a layer index to the checkpoint tensor names.
type archNames struct {
	embedding  string
	outputNorm string
	lmHead     string

	attnNorm     func(layer int) string
	postAttnNorm func(layer int) string
	preFFNNorm   func(layer int) string
	postFFNNorm  func(layer int) string

	wq, wk, wv, wo          func(layer int) string
	ffnGate, ffnUp, ffnDown func(layer int) string
}

type archSpec struct {
	Name string
	// PostNorms adds RMSNorm after attention and after the MLP (Gemma 2).
	PostNorms bool
	// SlidingEveryOther limits even layers to the sliding window (Gemma 2).
	SlidingEveryOther bool
	Names             archNames
}

func layerName(format string) func(int) string {
	return func(layer int) string { return fmt.Sprintf(format, layer) }
}

func gemmaNames() archNames {
	return archNames{
		embedding:  "model.embed_tokens.weight",
		outputNorm: "model.norm.weight",
		lmHead:     "lm_head.weight",

		attnNorm:     layerName("model.layers.%d.input_layernorm.weight"),
		postAttnNorm: layerName("model.layers.%d.post_attention_layernorm.weight"),
		preFFNNorm:   layerName("model.layers.%d.pre_feedforward_layernorm.weight"),
		postFFNNorm:  layerName("model.layers.%d.post_feedforward_layernorm.weight"),

		wq: layerName("model.layers.%d.self_attn.q_proj.weight"),
		wk: layerName("model.layers.%d.self_attn.k_proj.weight"),
		wv: layerName("model.layers.%d.self_attn.v_proj.weight"),
		wo: layerName("model.layers.%d.self_attn.o_proj.weight"),

		ffnGate: layerName("model.layers.%d.mlp.gate_proj.weight"),
		ffnUp:   layerName("model.layers.%d.mlp.up_proj.weight"),
		ffnDown: layerName("model.layers.%d.mlp.down_proj.weight"),
	}
}

func gemmaSpec() *archSpec {
	names := gemmaNames()
	// Gemma 1 calls its pre-MLP norm post_attention_layernorm.
	names.preFFNNorm = names.postAttnNorm
	names.postAttnNorm = nil
	names.postFFNNorm = nil
	return &archSpec{Name: "gemma", Names: names}
}

func gemma2Spec() *archSpec {
	return &archSpec{
		Name:              "gemma2",
		PostNorms:         true,
		SlidingEveryOther: true,
		Names:             gemmaNames(),
	}
}

// SupportedArchitectures lists the config.json architectures Load accepts.
var SupportedArchitectures = []string{"GemmaForCausalLM", "Gemma2ForCausalLM"}

func detectArch(cfg *Config) (*archSpec, error) {
	arch := cfg.Architecture()
	switch {
	case arch == "Gemma2ForCausalLM", strings.EqualFold(arch, "gemma2"):
		return gemma2Spec(), nil
	case arch == "GemmaForCausalLM", strings.EqualFold(arch, "gemma"):
		return gemmaSpec(), nil
	}
	return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedArch, arch, strings.Join(SupportedArchitectures, ", "))
}
