package tokenizer

import (
	json "github.com/goccy/go-json"
)

// Config is the subset of tokenizer_config.json that affects encoding.
type Config struct {
	AddBOS *bool      `json:"add_bos_token"`
	AddEOS *bool      `json:"add_eos_token"`
	BOS    tokenField `json:"bos_token"`
	EOS    tokenField `json:"eos_token"`
	PAD    tokenField `json:"pad_token"`
	UNK    tokenField `json:"unk_token"`
}

// ParseConfig decodes tokenizer_config.json. An empty input is a zero Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if len(data) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(data, &cfg)
	return cfg, err
}

// tokenField accepts both "<bos>" and {"content": "<bos>", ...}.
type tokenField string

func (f *tokenField) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = tokenField(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*f = tokenField(obj.Content)
	return nil
}
