package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the hfgen configuration file (~/.config/hfgen/config.yaml
// or config.toml). All fields are pointers so we can distinguish "not set"
// from zero values.
type Config struct {
	Model    *string `yaml:"model" toml:"model"`
	Revision *string `yaml:"revision" toml:"revision"`
	Prompt   *string `yaml:"prompt" toml:"prompt"`
	DType    *string `yaml:"dtype" toml:"dtype"`
	Device   *string `yaml:"device" toml:"device"`

	MaxNewTokens *int64 `yaml:"max_new_tokens" toml:"max_new_tokens"`
	MaxLength    *int64 `yaml:"max_length" toml:"max_length"`
	MaxContext   *int64 `yaml:"max_context" toml:"max_context"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature" toml:"temperature"`
	TopK          *int64   `yaml:"top_k" toml:"top_k"`
	TopP          *float64 `yaml:"top_p" toml:"top_p"`
	MinP          *float64 `yaml:"min_p" toml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n" toml:"repeat_last_n"`
	Seed          *int64   `yaml:"seed" toml:"seed"`

	// Hub
	CacheDir *string `yaml:"cache_dir" toml:"cache_dir"`
	Endpoint *string `yaml:"endpoint" toml:"endpoint"`
	Offline  *bool   `yaml:"offline" toml:"offline"`

	// Output
	LogLevel    *string `yaml:"log_level" toml:"log_level"`
	LogFormat   *string `yaml:"log_format" toml:"log_format"`
	MetricsFile *string `yaml:"metrics_file" toml:"metrics_file"`
}

// loadConfig reads path, choosing the decoder by extension. A missing file
// is only an error when the path was given explicitly.
func loadConfig(path string, explicit bool) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	if cfg.MaxNewTokens != nil && cfg.MaxLength != nil {
		return cfg, fmt.Errorf("config %s: max_new_tokens and max_length are mutually exclusive", path)
	}
	return cfg, nil
}

// applyConfig copies config file values into o for every flag the user did
// not set on the command line.
func applyConfig(c *cli.Command, cfg Config, o *runOptions) {
	if o.configured == nil {
		o.configured = make(map[string]bool)
	}
	setS := func(flag string, dst *string, v *string) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
			o.configured[flag] = true
		}
	}
	setI := func(flag string, dst *int64, v *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
			o.configured[flag] = true
		}
	}
	setF := func(flag string, dst *float64, v *float64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
			o.configured[flag] = true
		}
	}

	setS("model", &o.Model, cfg.Model)
	setS("revision", &o.Revision, cfg.Revision)
	if !c.IsSet("prompt-file") {
		setS("prompt", &o.Prompt, cfg.Prompt)
	}
	setS("dtype", &o.DType, cfg.DType)
	setS("device", &o.Device, cfg.Device)

	// A bound flag replaces both bound keys of the file.
	if !c.IsSet("max-new-tokens") && !c.IsSet("max-length") {
		setI("max-new-tokens", &o.MaxNewTokens, cfg.MaxNewTokens)
		setI("max-length", &o.MaxLength, cfg.MaxLength)
	}
	setI("max-context", &o.MaxContext, cfg.MaxContext)

	setF("temperature", &o.Temperature, cfg.Temperature)
	setI("top-k", &o.TopK, cfg.TopK)
	setF("top-p", &o.TopP, cfg.TopP)
	setF("min-p", &o.MinP, cfg.MinP)
	setF("repeat-penalty", &o.RepeatPenalty, cfg.RepeatPenalty)
	setI("repeat-last-n", &o.RepeatLastN, cfg.RepeatLastN)
	setI("seed", &o.Seed, cfg.Seed)

	setS("cache-dir", &o.CacheDir, cfg.CacheDir)
	setS("endpoint", &o.Endpoint, cfg.Endpoint)
	if cfg.Offline != nil && !c.IsSet("offline") {
		o.Offline = *cfg.Offline
	}

	setS("log-level", &o.LogLevel, cfg.LogLevel)
	setS("log-format", &o.LogFormat, cfg.LogFormat)
	setS("metrics-file", &o.MetricsFile, cfg.MetricsFile)
}
