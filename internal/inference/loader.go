package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/samcharles93/hfgen/internal/hub"
	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/logits"
	"github.com/samcharles93/hfgen/internal/metrics"
	"github.com/samcharles93/hfgen/internal/model"
	"github.com/samcharles93/hfgen/internal/tokenizer"
)

// Loader resolves model ids to local checkpoints, from a directory path or
// through the hub cache, and builds the tokenizer and model from them. Its
// methods match TokenizerLoader and ModelLoader.
type Loader struct {
	Hub        *hub.Client
	Revision   string
	Sampling   Sampling
	MaxContext int
	Logger     logger.Logger
	Metrics    *metrics.Metrics

	mu   sync.Mutex
	dirs map[string]string
	toks map[string]*tokenizer.HF
}

func (l *Loader) log(ctx context.Context) logger.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return logger.FromContext(ctx)
}

// Dir returns the local directory for modelID, downloading it if needed.
func (l *Loader) Dir(ctx context.Context, modelID string) (string, error) {
	l.mu.Lock()
	dir, ok := l.dirs[modelID]
	l.mu.Unlock()
	if ok {
		return dir, nil
	}

	if fi, err := os.Stat(modelID); err == nil && fi.IsDir() {
		dir = modelID
	} else {
		if l.Hub == nil {
			return "", fmt.Errorf("%q is not a directory and no hub client is configured", modelID)
		}
		start := time.Now()
		snap, err := l.Hub.Snapshot(ctx, modelID, l.Revision)
		if err != nil {
			return "", err
		}
		if len(snap.Downloaded) > 0 {
			l.Metrics.ObserveStage(metrics.StageDownload, time.Since(start))
		}
		l.log(ctx).Debug("snapshot ready", "repo", snap.RepoID, "commit", snap.Commit, "dir", snap.Dir,
			"downloaded", len(snap.Downloaded))
		dir = snap.Dir
	}

	l.mu.Lock()
	if l.dirs == nil {
		l.dirs = make(map[string]string)
	}
	l.dirs[modelID] = dir
	l.mu.Unlock()
	return dir, nil
}

// Tokenizer loads tokenizer.json for modelID.
func (l *Loader) Tokenizer(ctx context.Context, modelID string) (tokenizer.Tokenizer, error) {
	dir, err := l.Dir(ctx, modelID)
	if err != nil {
		return nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	if l.toks == nil {
		l.toks = make(map[string]*tokenizer.HF)
	}
	l.toks[modelID] = tok
	l.mu.Unlock()
	l.log(ctx).Debug("tokenizer loaded", "vocab", tok.VocabSize(), "bos", tok.BOSID(), "eos", tok.EOSID())
	return tok, nil
}

// Model loads the checkpoint for modelID and wraps it with a sampler and
// the checkpoint's stop tokens.
func (l *Loader) Model(ctx context.Context, modelID string, opts ModelOptions) (CausalLM, error) {
	dir, err := l.Dir(ctx, modelID)
	if err != nil {
		return nil, err
	}
	log := l.log(ctx)
	cfg, err := model.LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	gc, err := LoadGenerationConfig(dir)
	if err != nil {
		return nil, err
	}
	m, err := model.Load(ctx, dir, model.LoadOptions{
		DType:      opts.DType,
		Device:     opts.Device,
		MaxContext: l.MaxContext,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	eos := -1
	l.mu.Lock()
	if tok, ok := l.toks[modelID]; ok {
		eos = tok.EOSID()
	}
	l.mu.Unlock()

	sc := l.Sampling.SamplerConfig(gc)
	sampler := logits.New(sc)
	stops := BuildStopTokens(gc, cfg, eos)
	log.Debug("sampler configured", "greedy", sampler.Greedy(), "temperature", sc.Temperature,
		"top_k", sc.TopK, "top_p", sc.TopP, "seed", sc.Seed, "stop_tokens", stops)
	if len(stops) == 0 {
		log.Warn("checkpoint declares no end-of-sequence token; generation runs to the length bound")
	}

	return &causalLM{
		m:   m,
		log: log,
		gen: &Generator{Model: m, Sampler: sampler, StopTokens: stops, Logger: log},
	}, nil
}

// causalLM adapts a loaded Gemma to CausalLM.
type causalLM struct {
	m   *model.Gemma
	gen *Generator
	log logger.Logger
}

func (c *causalLM) Device() string   { return c.m.Info().Device }
func (c *causalLM) Info() model.Info { return c.m.Info() }

func (c *causalLM) Generate(ctx context.Context, ids []int, bound LengthBound) (*Output, error) {
	if err := bound.Validate(); err != nil {
		return nil, err
	}
	maxNew := bound.MaxNew(len(ids))
	room := c.m.Info().ContextLength - len(ids)
	if room < 0 {
		return nil, fmt.Errorf("%w: prompt has %d tokens, limit %d", model.ErrContextFull, len(ids), c.m.Info().ContextLength)
	}
	// The last sampled token is never fed back, so it needs no cache slot.
	if maxNew > room+1 {
		c.log.Warn("length bound exceeds the context window, clamping", "bound", bound.String(), "room", room+1)
		maxNew = room + 1
	}
	seq, stats, err := c.gen.Run(ctx, ids, maxNew)
	if err != nil {
		return nil, err
	}
	return &Output{Sequence: seq, Stats: stats}, nil
}

func (c *causalLM) Close() error {
	if c.m == nil {
		return errors.New("inference: model already closed")
	}
	err := c.m.Close()
	c.m = nil
	return err
}
