// Package model runs Gemma-family causal language models on the CPU from
// Hugging Face safetensors checkpoints.
package model

import (
	"errors"

	"github.com/samcharles93/hfgen/internal/tensor"
)

var (
	ErrUnsupportedArch   = errors.New("model: unsupported architecture")
	ErrUnsupportedDType  = errors.New("model: unsupported dtype")
	ErrDeviceUnavailable = errors.New("model: device unavailable")
	ErrMissingTensor     = errors.New("model: missing tensor")
	ErrContextFull       = errors.New("model: context length exceeded")
	ErrTokenOutOfRange   = errors.New("model: token id out of range")
)

// Model represents a generative language model capable of autoregressive inference.
type Model interface {
	// ForwardToken advances the model by one token and returns the logits for the next token.
	ForwardToken(id int) ([]float32, error)
	// Reset clears the model's internal state (KV cache, etc.)
	Reset()
}

// Info describes a loaded model.
type Info struct {
	Arch          string
	DType         tensor.DType
	Device        string
	Layers        int
	Hidden        int
	VocabSize     int
	ContextLength int
	Params        int64
	WeightBytes   int64
}
