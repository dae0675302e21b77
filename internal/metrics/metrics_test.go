package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveStage(StageModel, 1500*time.Millisecond)
	m.ObserveGeneration(12, 40, 2*time.Second)
	m.SetModel("google/gemma-2b", "gemma", "float16", "cpu")
	m.Downloads().Add(1024)

	if got := testutil.ToFloat64(m.LoadSeconds.WithLabelValues(StageModel)); got != 1.5 {
		t.Errorf("load_seconds = %v", got)
	}
	if got := testutil.ToFloat64(m.PromptTokens); got != 12 {
		t.Errorf("prompt_tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.GeneratedTokens); got != 40 {
		t.Errorf("generated_tokens_total = %v", got)
	}
	if got := testutil.ToFloat64(m.TokensPerSecond); got != 20 {
		t.Errorf("tokens_per_second = %v", got)
	}
	if got := testutil.ToFloat64(m.DownloadBytes); got != 1024 {
		t.Errorf("download bytes = %v", got)
	}
	if n := testutil.CollectAndCount(m.ModelInfo); n != 1 {
		t.Errorf("model_info series = %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveStage(StageTokenizer, time.Second)
	m.ObserveGeneration(1, 1, time.Second)
	m.SetModel("a", "b", "c", "d")
	if m.Downloads() != nil {
		t.Fatal("nil metrics should not hand out a counter")
	}
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Fatal(err)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()
	m := New()
	m.ObserveGeneration(3, 5, time.Second)
	path := filepath.Join(t.TempDir(), "hfgen.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"hfgen_generated_tokens_total 5", "hfgen_prompt_tokens 3"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("textfile missing %q:\n%s", want, b)
		}
	}
}
