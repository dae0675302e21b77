// Package toy writes tiny, randomly initialised Gemma repositories: a
// config.json, a safetensors checkpoint and a matching SentencePiece-style
// tokenizer. They load through the same code paths as real downloads and
// keep tests fast.
package toy

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/hfgen/internal/safetensors"
	"github.com/samcharles93/hfgen/internal/tensor"
)

// Special token ids of the toy tokenizer.
const (
	PadID = 0
	EOSID = 1
	BOSID = 2
	UNKID = 3
)

// chars have their own vocabulary entries; everything else falls back to
// byte tokens.
const chars = "▁abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.,?!'"

// VocabSize is the vocabulary of the toy tokenizer and checkpoint.
func VocabSize() int { return 4 + 256 + len([]rune(chars)) }

// Options shapes the generated repository.
type Options struct {
	Arch         string // GemmaForCausalLM or Gemma2ForCausalLM
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	KVHeads      int
	HeadDim      int
	MaxPositions int

	// DType is the on-disk encoding. TorchDType goes into config.json and
	// defaults to DType's name.
	DType      tensor.DType
	TorchDType string

	Seed          uint64
	Untied        bool
	SlidingWindow int
	Softcap       bool

	// Omit skips tensors by name; Overrides replaces their values.
	Omit      []string
	Overrides map[string][]float32

	// Generation is written to generation_config.json when non-nil.
	Generation map[string]any
}

// DefaultOptions returns a two-layer Gemma with grouped-query attention.
func DefaultOptions() Options {
	return Options{
		Arch:         "GemmaForCausalLM",
		Hidden:       16,
		Intermediate: 32,
		Layers:       2,
		Heads:        2,
		KVHeads:      1,
		HeadDim:      8,
		MaxPositions: 128,
		DType:        tensor.F32,
		Seed:         1,
	}
}

// Write creates the repository files in dir.
func Write(dir string, opts Options) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), configJSON(opts)); err != nil {
		return err
	}
	if err := WriteTokenizer(dir); err != nil {
		return err
	}
	if opts.Generation != nil {
		if err := writeJSON(filepath.Join(dir, "generation_config.json"), opts.Generation); err != nil {
			return err
		}
	}
	return safetensors.WriteFile(filepath.Join(dir, safetensors.SingleFileName), Tensors(opts), map[string]string{"format": "pt"})
}

func configJSON(o Options) map[string]any {
	torch := o.TorchDType
	if torch == "" {
		torch = o.DType.String()
	}
	cfg := map[string]any{
		"architectures":           []string{o.Arch},
		"model_type":              modelType(o.Arch),
		"torch_dtype":             torch,
		"hidden_size":             o.Hidden,
		"intermediate_size":       o.Intermediate,
		"num_hidden_layers":       o.Layers,
		"num_attention_heads":     o.Heads,
		"num_key_value_heads":     o.KVHeads,
		"head_dim":                o.HeadDim,
		"vocab_size":              VocabSize(),
		"max_position_embeddings": o.MaxPositions,
		"rms_norm_eps":            1e-6,
		"rope_theta":              10000.0,
		"hidden_activation":       "gelu_pytorch_tanh",
		"tie_word_embeddings":     !o.Untied,
		"bos_token_id":            BOSID,
		"eos_token_id":            EOSID,
		"pad_token_id":            PadID,
	}
	if o.Arch == "Gemma2ForCausalLM" {
		cfg["query_pre_attn_scalar"] = o.HeadDim
		cfg["sliding_window"] = o.SlidingWindow
		if o.Softcap {
			cfg["attn_logit_softcapping"] = 50.0
			cfg["final_logit_softcapping"] = 30.0
		}
	}
	return cfg
}

func modelType(arch string) string {
	if arch == "Gemma2ForCausalLM" {
		return "gemma2"
	}
	return "gemma"
}

// Tensors returns the checkpoint for opts with seeded random weights.
func Tensors(o Options) []safetensors.NamedTensor {
	rng := rand.New(rand.NewPCG(o.Seed, o.Seed+1))
	vocab := VocabSize()
	qDim, kvDim := o.Heads*o.HeadDim, o.KVHeads*o.HeadDim

	var out []safetensors.NamedTensor
	add := func(name string, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = (rng.Float32()*2 - 1) * 0.3
		}
		if v, ok := o.Overrides[name]; ok {
			data = v
		}
		if slices.Contains(o.Omit, name) {
			return
		}
		out = append(out, safetensors.NamedTensor{Name: name, DType: o.DType, Shape: shape, Data: data})
	}

	add("model.embed_tokens.weight", vocab, o.Hidden)
	add("model.norm.weight", o.Hidden)
	if o.Untied {
		add("lm_head.weight", vocab, o.Hidden)
	}
	gemma2 := o.Arch == "Gemma2ForCausalLM"
	for i := 0; i < o.Layers; i++ {
		p := fmt.Sprintf("model.layers.%d.", i)
		add(p+"input_layernorm.weight", o.Hidden)
		add(p+"post_attention_layernorm.weight", o.Hidden)
		if gemma2 {
			add(p+"pre_feedforward_layernorm.weight", o.Hidden)
			add(p+"post_feedforward_layernorm.weight", o.Hidden)
		}
		add(p+"self_attn.q_proj.weight", qDim, o.Hidden)
		add(p+"self_attn.k_proj.weight", kvDim, o.Hidden)
		add(p+"self_attn.v_proj.weight", kvDim, o.Hidden)
		add(p+"self_attn.o_proj.weight", o.Hidden, qDim)
		add(p+"mlp.gate_proj.weight", o.Intermediate, o.Hidden)
		add(p+"mlp.up_proj.weight", o.Intermediate, o.Hidden)
		add(p+"mlp.down_proj.weight", o.Hidden, o.Intermediate)
	}
	return out
}

// WriteTokenizer writes tokenizer.json and tokenizer_config.json to dir.
func WriteTokenizer(dir string) error {
	vocab := map[string]int{"<pad>": PadID, "<eos>": EOSID, "<bos>": BOSID, "<unk>": UNKID}
	next := 4
	for b := 0; b < 256; b++ {
		vocab[fmt.Sprintf("<0x%02X>", b)] = next
		next++
	}
	for _, r := range chars {
		vocab[string(r)] = next
		next++
	}

	special := func(id int, content string) map[string]any {
		return map[string]any{"id": id, "content": content, "special": true}
	}
	doc := map[string]any{
		"version": "1.0",
		"model": map[string]any{
			"type":          "BPE",
			"vocab":         vocab,
			"merges":        []string{},
			"byte_fallback": true,
			"fuse_unk":      true,
			"unk_token":     "<unk>",
		},
		"normalizer": map[string]any{
			"type": "Replace", "pattern": map[string]any{"String": " "}, "content": "▁",
		},
		"post_processor": map[string]any{
			"type": "TemplateProcessing",
			"single": []any{
				map[string]any{"SpecialToken": map[string]any{"id": "<bos>", "type_id": 0}},
				map[string]any{"Sequence": map[string]any{"id": "A", "type_id": 0}},
			},
			"special_tokens": map[string]any{
				"<bos>": map[string]any{"id": "<bos>", "ids": []int{BOSID}, "tokens": []string{"<bos>"}},
			},
		},
		"decoder": map[string]any{
			"type": "Sequence",
			"decoders": []any{
				map[string]any{"type": "Replace", "pattern": map[string]any{"String": "▁"}, "content": " "},
				map[string]any{"type": "ByteFallback"},
				map[string]any{"type": "Fuse"},
			},
		},
		"added_tokens": []any{
			special(PadID, "<pad>"), special(EOSID, "<eos>"),
			special(BOSID, "<bos>"), special(UNKID, "<unk>"),
		},
	}
	if err := writeJSON(filepath.Join(dir, "tokenizer.json"), doc); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "tokenizer_config.json"), map[string]any{
		"add_bos_token": true,
		"add_eos_token": false,
		"bos_token":     "<bos>",
		"eos_token":     "<eos>",
		"pad_token":     "<pad>",
		"unk_token":     "<unk>",
	})
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
