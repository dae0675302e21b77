// Package tokenizer implements the BPE tokenizers described by Hugging Face
// tokenizer.json files.
package tokenizer

import "errors"

var ErrUnsupportedModel = errors.New("tokenizer: unsupported model")

// Tokenizer is the encode/decode surface used by generation.
type Tokenizer interface {
	Encode(text string) (Encoding, error)
	Decode(ids []int, skipSpecial bool) (string, error)
}

// Encoding is one encoded, unpadded sequence.
type Encoding struct {
	IDs []int
	// AttentionMask has one entry per ID; all ones without padding.
	AttentionMask []int
	// Device names where the encoding has been placed; empty means host memory.
	Device string
}

func newEncoding(ids []int) Encoding {
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return Encoding{IDs: ids, AttentionMask: mask}
}

// Len is the number of tokens.
func (e Encoding) Len() int { return len(e.IDs) }

// To returns a copy of e placed on device.
func (e Encoding) To(device string) Encoding {
	out := Encoding{
		IDs:           append([]int(nil), e.IDs...),
		AttentionMask: append([]int(nil), e.AttentionMask...),
		Device:        device,
	}
	return out
}
