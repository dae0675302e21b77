package inference

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/hfgen/internal/logger"
	"github.com/samcharles93/hfgen/internal/logits"
	"github.com/samcharles93/hfgen/internal/model"
)

type panicModel struct{}

func (panicModel) ForwardToken(int) ([]float32, error) {
	panic("boom")
}

func (panicModel) Reset() {}

// scriptModel always prefers (id + 1) mod vocab and fails on request.
type scriptModel struct {
	vocab    int
	calls    int
	failAt   int
	failWith error
	resets   int
}

func (m *scriptModel) ForwardToken(id int) ([]float32, error) {
	m.calls++
	if m.failAt > 0 && m.calls == m.failAt {
		return nil, m.failWith
	}
	out := make([]float32, m.vocab)
	out[(id+1)%m.vocab] = 10
	return out, nil
}

func (m *scriptModel) Reset() {
	m.calls = 0
	m.resets++
}

func greedy() *logits.Sampler { return logits.New(logits.Config{}) }

func newGen(m model.Model, stops ...int) *Generator {
	return &Generator{Model: m, Sampler: greedy(), StopTokens: stops, Logger: logger.Discard()}
}

func TestGeneratorRun(t *testing.T) {
	t.Parallel()
	m := &scriptModel{vocab: 10}
	seq, stats, err := newGen(m).Run(context.Background(), []int{1, 2}, 4)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []int{1, 2, 3, 4, 5, 6}; !slices.Equal(seq, want) {
		t.Fatalf("seq = %v, want %v", seq, want)
	}
	if stats.TokensGenerated != 4 || stats.PromptTokens != 2 || stats.StopReason != StopLength {
		t.Fatalf("stats = %+v", stats)
	}
	// Prefill plus one forward per new token except the last.
	if m.calls != 2+3 || m.resets != 1 {
		t.Fatalf("forward calls = %d resets = %d", m.calls, m.resets)
	}
}

func TestGeneratorStopsOnStopToken(t *testing.T) {
	t.Parallel()
	seq, stats, err := newGen(&scriptModel{vocab: 10}, 4).Run(context.Background(), []int{2}, 50)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{2, 3, 4}; !slices.Equal(seq, want) || stats.StopReason != StopEOS {
		t.Fatalf("seq = %v stop = %s", seq, stats.StopReason)
	}
}

func TestGeneratorZeroBudget(t *testing.T) {
	t.Parallel()
	seq, stats, err := newGen(&scriptModel{vocab: 10}).Run(context.Background(), []int{7, 8}, 0)
	if err != nil || !slices.Equal(seq, []int{7, 8}) || stats.TokensGenerated != 0 {
		t.Fatalf("seq = %v stats = %+v err = %v", seq, stats, err)
	}
}

func TestGeneratorErrors(t *testing.T) {
	t.Parallel()
	forced := errors.New("forced forward failure")

	if _, _, err := newGen(&scriptModel{vocab: 4}).Run(context.Background(), nil, 3); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("empty prompt: %v", err)
	}
	if _, _, err := newGen(panicModel{}).Run(context.Background(), []int{1}, 1); err == nil ||
		!strings.Contains(err.Error(), "panic in ForwardToken") {
		t.Errorf("panic: %v", err)
	}
	if _, _, err := newGen(&scriptModel{vocab: 4, failAt: 2, failWith: forced}).Run(context.Background(), []int{1}, 3); !errors.Is(err, forced) {
		t.Errorf("forward error: %v", err)
	}

	g := newGen(&scriptModel{vocab: 4})
	g.Sampler = nil
	if _, _, err := g.Run(context.Background(), []int{1}, 1); err == nil || !strings.Contains(err.Error(), "panic in Sample") {
		t.Errorf("nil sampler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := newGen(&scriptModel{vocab: 4}).Run(ctx, []int{1}, 3); !errors.Is(err, context.Canceled) {
		t.Errorf("canceled: %v", err)
	}
}

func TestGeneratorStopsWhenContextFull(t *testing.T) {
	t.Parallel()
	m := &scriptModel{vocab: 10, failAt: 3, failWith: model.ErrContextFull}
	seq, stats, err := newGen(m).Run(context.Background(), []int{1}, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(seq, []int{1, 2, 3}) || stats.StopReason != StopContext {
		t.Fatalf("seq = %v stop = %s", seq, stats.StopReason)
	}
}
