package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/metrics"
	"github.com/samcharles93/hfgen/internal/model"
)

// Status lines written to the runner output.
const (
	StatusDownloading = "Downloading model... this may take a while the first time.\n"
	StatusResponse    = "\nModel response:\n\n"
)

// Runner performs one prompt-to-text run: load the tokenizer, load the
// model, encode, generate, decode and print.
type Runner struct {
	LoadTokenizer TokenizerLoader
	LoadModel     ModelLoader

	Model ModelOptions
	Bound LengthBound

	// Out receives the status lines and the decoded text.
	Out     io.Writer
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Run executes the pipeline for modelID and prompt. Errors are wrapped with
// the stage that failed.
func (r *Runner) Run(ctx context.Context, modelID, prompt string) (res *Result, err error) {
	if r.LoadTokenizer == nil || r.LoadModel == nil {
		return nil, errors.New("inference: runner needs a tokenizer and a model loader")
	}
	if err := r.Bound.Validate(); err != nil {
		return nil, err
	}
	log := r.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	opts := r.Model
	if opts.DType == "" {
		opts.DType = DefaultDType
	}
	if opts.Device == "" {
		opts.Device = DefaultDevice
	}

	if _, err := io.WriteString(out, StatusDownloading); err != nil {
		return nil, err
	}

	start := time.Now()
	tok, err := r.LoadTokenizer(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	r.Metrics.ObserveStage(metrics.StageTokenizer, time.Since(start))

	start = time.Now()
	lm, err := r.LoadModel(ctx, modelID, opts)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	defer func() {
		if cerr := lm.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close model: %w", cerr)
		}
	}()
	r.Metrics.ObserveStage(metrics.StageModel, time.Since(start))
	if info, ok := lm.(interface{ Info() model.Info }); ok {
		mi := info.Info()
		r.Metrics.SetModel(modelID, mi.Arch, mi.DType.String(), mi.Device)
	}

	enc, err := safeEncode(tok, prompt)
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}
	enc = enc.To(lm.Device())
	log.Debug("prompt encoded", "tokens", enc.Len(), "device", enc.Device)

	if r.Bound.Kind == BoundTotal && r.Bound.Limit <= enc.Len() {
		log.Warn("length bound does not exceed the prompt, nothing will be generated",
			"bound", r.Bound.String(), "prompt_tokens", enc.Len())
	}
	gen, err := lm.Generate(ctx, enc.IDs, r.Bound)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	newTokens := max(0, len(gen.Sequence)-enc.Len())
	r.Metrics.ObserveGeneration(enc.Len(), newTokens, gen.Stats.PrefillDuration+gen.Stats.Duration)
	log.Info("generation finished",
		"prompt_tokens", enc.Len(),
		"new_tokens", newTokens,
		"stop", gen.Stats.StopReason,
		"tps", fmt.Sprintf("%.2f", gen.Stats.TPS),
	)

	if _, err := io.WriteString(out, StatusResponse); err != nil {
		return nil, err
	}
	text, err := safeDecode(tok, gen.Sequence)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := fmt.Fprintln(out, text); err != nil {
		return nil, err
	}

	return &Result{
		Text:            text,
		PromptTokens:    enc.Len(),
		GeneratedTokens: newTokens,
		Stats:           gen.Stats,
	}, nil
}
