// Package inference turns a prompt into generated text: it loads a tokenizer
// and a causal LM, encodes, generates under a length bound and decodes.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/hfgen/internal/tokenizer"
)

// Precision and placement hints used when the caller sets none.
const (
	DefaultDType  = "float16"
	DefaultDevice = "auto"
)

// ModelOptions are the hints passed to a ModelLoader.
type ModelOptions struct {
	DType  string
	Device string
}

// BoundKind selects what a LengthBound counts.
type BoundKind string

const (
	// BoundNew counts generated tokens only (max_new_tokens).
	BoundNew BoundKind = "new"
	// BoundTotal counts prompt plus generated tokens (max_length).
	BoundTotal BoundKind = "total"
)

// DefaultMaxNewTokens is the bound used when none is configured.
const DefaultMaxNewTokens = 200

var ErrInvalidBound = errors.New("inference: invalid length bound")

// LengthBound caps the generated sequence.
type LengthBound struct {
	Kind  BoundKind
	Limit int
}

// DefaultBound allows DefaultMaxNewTokens new tokens.
func DefaultBound() LengthBound {
	return LengthBound{Kind: BoundNew, Limit: DefaultMaxNewTokens}
}

func (b LengthBound) Validate() error {
	switch b.Kind {
	case BoundNew, BoundTotal:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidBound, b.Kind)
	}
	if b.Limit < 0 {
		return fmt.Errorf("%w: limit %d", ErrInvalidBound, b.Limit)
	}
	return nil
}

// MaxNew is the number of tokens that may follow a prompt of promptLen.
func (b LengthBound) MaxNew(promptLen int) int {
	if b.Kind == BoundTotal {
		return max(0, b.Limit-promptLen)
	}
	return b.Limit
}

func (b LengthBound) String() string {
	return fmt.Sprintf("%s=%d", b.Kind, b.Limit)
}

// ParseBoundKind accepts "new", "total" and their transformers names.
func ParseBoundKind(s string) (BoundKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new", "max_new_tokens":
		return BoundNew, nil
	case "total", "max_length":
		return BoundTotal, nil
	}
	return "", fmt.Errorf("%w: kind %q", ErrInvalidBound, s)
}

// StopReason says why generation ended.
type StopReason string

const (
	StopLength  StopReason = "length"
	StopEOS     StopReason = "eos"
	StopContext StopReason = "context"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	Duration        time.Duration
	TPS             float64
	StopReason      StopReason
}

// Output is what a CausalLM returns from Generate: the prompt ids followed
// by the new ids.
type Output struct {
	Sequence []int
	Stats    Stats
}

// CausalLM is a loaded model handle able to continue a token sequence.
type CausalLM interface {
	// Device is where inputs must be placed.
	Device() string
	Generate(ctx context.Context, ids []int, bound LengthBound) (*Output, error)
	Close() error
}

type TokenizerLoader func(ctx context.Context, modelID string) (tokenizer.Tokenizer, error)

type ModelLoader func(ctx context.Context, modelID string, opts ModelOptions) (CausalLM, error)

// Result is the outcome of one Runner.Run.
type Result struct {
	Text            string
	PromptTokens    int
	GeneratedTokens int
	Stats           Stats
}
