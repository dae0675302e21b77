package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hfgen/internal/hub"
	"github.com/samcharles93/hfgen/internal/inference"
	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/metrics"
)

func runAction(o *runOptions, stdin io.Reader, stdout, stderr io.Writer) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		path, explicit := resolveConfigPath(o.ConfigPath)
		cfg, err := loadConfig(path, explicit)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		applyConfig(c, cfg, o)

		log, err := newLogger(o, stderr)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		log = log.With("run_id", uuid.NewString())
		ctx = logger.WithContext(ctx, log)
		if path != "" {
			log.Debug("config resolved", "path", path)
		}

		bound, err := o.bound(c)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		prompt, err := resolvePrompt(o, stdin)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}

		m := metrics.New()
		hubCfg := hub.ConfigFromEnv()
		if o.CacheDir != "" {
			hubCfg.CacheDir = o.CacheDir
		}
		if o.Endpoint != "" {
			hubCfg.Endpoint = o.Endpoint
		}
		if o.Offline {
			hubCfg.Offline = true
		}
		client := hub.New(hubCfg,
			hub.WithLogger(log.With("component", "hub")),
			hub.WithDownloadCounter(m.Downloads()),
		)

		loader := &inference.Loader{
			Hub:        client,
			Revision:   o.Revision,
			Sampling:   o.sampling(c),
			MaxContext: int(o.MaxContext),
			Logger:     log,
			Metrics:    m,
		}
		runner := &inference.Runner{
			LoadTokenizer: loader.Tokenizer,
			LoadModel:     loader.Model,
			Model:         inference.ModelOptions{DType: o.DType, Device: o.Device},
			Bound:         bound,
			Out:           stdout,
			Logger:        log,
			Metrics:       m,
		}

		log.Debug("run starting", "model", o.Model, "bound", bound.String(), "dtype", o.DType, "device", o.Device)
		_, runErr := runner.Run(ctx, o.Model, prompt)

		if o.MetricsFile != "" {
			if err := m.WriteTextfile(o.MetricsFile); err != nil {
				log.Warn("write metrics", "path", o.MetricsFile, "error", err)
			}
		}
		if runErr != nil {
			return cli.Exit(fmt.Sprintf("error: %v", runErr), 1)
		}
		return nil
	}
}

func newLogger(o *runOptions, stderr io.Writer) (logger.Logger, error) {
	level, err := logger.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	if o.Debug {
		level = slog.LevelDebug
	}
	return logger.New(logger.Options{Level: level, Format: logger.Format(o.LogFormat), Writer: stderr})
}

// bound picks the length bound. --max-length selects a total bound; the two
// bound flags cannot be combined.
func (o *runOptions) bound(c *cli.Command) (inference.LengthBound, error) {
	if c.IsSet("max-new-tokens") && c.IsSet("max-length") {
		return inference.LengthBound{}, errors.New("--max-new-tokens and --max-length are mutually exclusive")
	}
	var b inference.LengthBound
	if o.isSet(c, "max-length") && !c.IsSet("max-new-tokens") {
		b = inference.LengthBound{Kind: inference.BoundTotal, Limit: int(o.MaxLength)}
	} else {
		b = inference.LengthBound{Kind: inference.BoundNew, Limit: int(o.MaxNewTokens)}
	}
	return b, b.Validate()
}

// sampling forwards only the values given on the command line or in the
// config file; the rest defer to generation_config.json.
func (o *runOptions) sampling(c *cli.Command) inference.Sampling {
	s := inference.Sampling{
		RepeatLastN: int(o.RepeatLastN),
		Seed:        uint64(o.Seed),
	}
	if o.isSet(c, "temperature") {
		s.Temperature = &o.Temperature
	}
	if o.isSet(c, "top-k") {
		k := int(o.TopK)
		s.TopK = &k
	}
	if o.isSet(c, "top-p") {
		s.TopP = &o.TopP
	}
	if o.isSet(c, "min-p") {
		s.MinP = &o.MinP
	}
	if o.isSet(c, "repeat-penalty") {
		s.RepeatPenalty = &o.RepeatPenalty
	}
	return s
}
