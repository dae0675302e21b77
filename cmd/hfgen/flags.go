package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hfgen/internal/inference"
)

const (
	defaultModel  = "google/gemma-2b"
	defaultPrompt = "You are a counselor. How would you help a student who feels anxious before exams?"
)

// runOptions collects the flag values of a run; each field is bound to one
// flag through Destination.
type runOptions struct {
	Model      string
	Revision   string
	Prompt     string
	PromptFile string
	DType      string
	Device     string

	MaxNewTokens int64
	MaxLength    int64
	MaxContext   int64

	Temperature   float64
	TopK          int64
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int64
	Seed          int64

	CacheDir string
	Endpoint string
	Offline  bool

	LogLevel    string
	LogFormat   string
	Debug       bool
	ConfigPath  string
	MetricsFile string

	// configured marks flags whose value came from the config file.
	configured map[string]bool
}

// isSet reports whether flag was given on the command line or in the
// config file.
func (o *runOptions) isSet(c *cli.Command, flag string) bool {
	return c.IsSet(flag) || o.configured[flag]
}

func defaultRunOptions() *runOptions {
	return &runOptions{
		Model:        defaultModel,
		Prompt:       defaultPrompt,
		DType:        inference.DefaultDType,
		Device:       inference.DefaultDevice,
		MaxNewTokens: inference.DefaultMaxNewTokens,
		LogLevel:     "info",
		LogFormat:    "auto",
	}
}

func runFlags(o *runOptions) []cli.Flag {
	var flags []cli.Flag
	flags = append(flags, modelFlags(o)...)
	flags = append(flags, generationFlags(o)...)
	flags = append(flags, hubFlags(o)...)
	flags = append(flags, loggingFlags(o)...)
	return flags
}

func modelFlags(o *runOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "hub model id (org/name) or local checkpoint directory",
			Value:       o.Model,
			Destination: &o.Model,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "hub branch, tag or commit",
			Value:       "main",
			Destination: &o.Revision,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Value:       o.Prompt,
			Destination: &o.Prompt,
		},
		&cli.StringFlag{
			Name:        "prompt-file",
			Usage:       "read the prompt from a file (- for stdin)",
			Destination: &o.PromptFile,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Aliases:     []string{"torch-dtype"},
			Usage:       "weight precision (float16, bfloat16, float32, auto)",
			Value:       o.DType,
			Destination: &o.DType,
		},
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"device-map"},
			Usage:       "device placement (auto, cpu, cuda, metal)",
			Value:       o.Device,
			Destination: &o.Device,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx"},
			Usage:       "KV cache limit in tokens (0 = model maximum, capped at 8192)",
			Destination: &o.MaxContext,
		},
	}
}

func generationFlags(o *runOptions) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "bound on generated tokens",
			Value:       o.MaxNewTokens,
			Destination: &o.MaxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "bound on prompt plus generated tokens (excludes --max-new-tokens)",
			Destination: &o.MaxLength,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy; default from generation_config.json)",
			Destination: &o.Temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling parameter",
			Destination: &o.TopK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling parameter",
			Destination: &o.TopP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p sampling parameter (0 = disabled)",
			Destination: &o.MinP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repetition-penalty"},
			Usage:       "repetition penalty (1 = disabled)",
			Destination: &o.RepeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "last n tokens to penalize (0 = whole sequence)",
			Destination: &o.RepeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Destination: &o.Seed,
		},
	}
}

func hubFlags(o *runOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "hub cache directory (default $HF_HUB_CACHE or $HF_HOME/hub)",
			Destination: &o.CacheDir,
		},
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "hub endpoint (default $HF_ENDPOINT or https://huggingface.co)",
			Destination: &o.Endpoint,
		},
		&cli.BoolFlag{
			Name:        "offline",
			Usage:       "use only the local cache (also $HF_HUB_OFFLINE)",
			Destination: &o.Offline,
		},
	}
}

func loggingFlags(o *runOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       o.LogLevel,
			Destination: &o.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       o.LogFormat,
			Destination: &o.LogFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &o.Debug,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (yaml or toml; default $HFGEN_CONFIG or ~/.config/hfgen/config.yaml)",
			Destination: &o.ConfigPath,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics to this file after the run",
			Destination: &o.MetricsFile,
		},
	}
}
