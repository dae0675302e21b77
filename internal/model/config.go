package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

const ConfigFileName = "config.json"

// Config is the subset of a Hugging Face config.json used by the runtime.
type Config struct {
	Architectures []string `json:"architectures"`
	ModelType     string   `json:"model_type"`
	TorchDType    string   `json:"torch_dtype"`

	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	NumKeyValueHeads      int     `json:"num_key_value_heads"`
	HeadDim               int     `json:"head_dim"`
	VocabSize             int     `json:"vocab_size"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	RMSNormEps            float64 `json:"rms_norm_eps"`
	RopeTheta             float64 `json:"rope_theta"`
	HiddenAct             string  `json:"hidden_act"`
	HiddenActivation      string  `json:"hidden_activation"`
	TieWordEmbeddings     *bool   `json:"tie_word_embeddings"`

	// Gemma 2.
	QueryPreAttnScalar    float64  `json:"query_pre_attn_scalar"`
	AttnLogitSoftcapping  *float64 `json:"attn_logit_softcapping"`
	FinalLogitSoftcapping *float64 `json:"final_logit_softcapping"`
	SlidingWindow         int      `json:"sliding_window"`

	BOSTokenID *int     `json:"bos_token_id"`
	EOSTokenID TokenIDs `json:"eos_token_id"`
	PadTokenID *int     `json:"pad_token_id"`
}

// TokenIDs accepts both a single id and a list of ids.
type TokenIDs []int

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = nil
		return nil
	}
	var one int
	if err := json.Unmarshal(b, &one); err == nil {
		*t = TokenIDs{one}
		return nil
	}
	var many []int
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("token ids: %w", err)
	}
	*t = many
	return nil
}

// LoadConfig reads config.json from dir.
func LoadConfig(dir string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

// ParseConfig decodes config.json and fills the defaults transformers uses.
func ParseConfig(raw []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFileName, err)
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.HeadDim == 0 && c.NumAttentionHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumAttentionHeads
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.QueryPreAttnScalar == 0 {
		c.QueryPreAttnScalar = float64(c.HeadDim)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch {
	case c.HiddenSize <= 0, c.IntermediateSize <= 0, c.NumHiddenLayers <= 0,
		c.NumAttentionHeads <= 0, c.VocabSize <= 0, c.HeadDim <= 0:
		return fmt.Errorf("%s: missing model dimensions", ConfigFileName)
	case c.NumKeyValueHeads <= 0 || c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("%s: %d attention heads not divisible by %d kv heads",
			ConfigFileName, c.NumAttentionHeads, c.NumKeyValueHeads)
	case c.HeadDim%2 != 0:
		return fmt.Errorf("%s: head_dim %d must be even", ConfigFileName, c.HeadDim)
	}
	return nil
}

// Architecture returns the first declared architecture, falling back to
// model_type.
func (c *Config) Architecture() string {
	if len(c.Architectures) > 0 {
		return c.Architectures[0]
	}
	return c.ModelType
}

// Activation returns the MLP activation name; Gemma checkpoints use the
// tanh approximation whatever hidden_act says.
func (c *Config) Activation() string {
	if c.HiddenActivation != "" {
		return c.HiddenActivation
	}
	if c.HiddenAct != "" {
		return c.HiddenAct
	}
	return "gelu_pytorch_tanh"
}

func (c *Config) tied() bool {
	return c.TieWordEmbeddings == nil || *c.TieWordEmbeddings
}

func softcap(v *float64) float32 {
	if v == nil {
		return 0
	}
	return float32(*v)
}

func isGeluActivation(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "gelu")
}
