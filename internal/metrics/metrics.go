// Package metrics collects per-run Prometheus metrics and can export them in
// the node-exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hfgen"

// Load stages.
const (
	StageTokenizer = "tokenizer"
	StageModel     = "model"
	StageDownload  = "download"
)

// Metrics groups the collectors of one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	LoadSeconds       *prometheus.GaugeVec
	PromptTokens      prometheus.Gauge
	GeneratedTokens   prometheus.Counter
	GenerationSeconds prometheus.Gauge
	TokensPerSecond   prometheus.Gauge
	DownloadBytes     prometheus.Counter
	ModelInfo         *prometheus.GaugeVec
}

// New registers the run collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		LoadSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_seconds",
			Help:      "Wall time spent loading each component.",
		}, []string{"stage"}),
		PromptTokens: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompt_tokens",
			Help:      "Tokens in the encoded prompt.",
		}),
		GeneratedTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generated_tokens_total",
			Help:      "Tokens produced by generation.",
		}),
		GenerationSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "Wall time of prefill and decode.",
		}),
		TokensPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation_tokens_per_second",
			Help:      "Decode throughput of the last run.",
		}),
		DownloadBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_download_bytes_total",
			Help:      "Bytes fetched from the model hub.",
		}),
		ModelInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_info",
			Help:      "Loaded model, always 1.",
		}, []string{"model", "arch", "dtype", "device"}),
	}
}

// ObserveStage records how long a load stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.LoadSeconds.WithLabelValues(stage).Set(d.Seconds())
}

// ObserveGeneration records the outcome of one generate call.
func (m *Metrics) ObserveGeneration(promptTokens, generated int, d time.Duration) {
	if m == nil {
		return
	}
	m.PromptTokens.Set(float64(promptTokens))
	m.GeneratedTokens.Add(float64(generated))
	m.GenerationSeconds.Set(d.Seconds())
	if d > 0 {
		m.TokensPerSecond.Set(float64(generated) / d.Seconds())
	}
}

// SetModel publishes the model_info series.
func (m *Metrics) SetModel(model, arch, dtype, device string) {
	if m == nil {
		return
	}
	m.ModelInfo.Reset()
	m.ModelInfo.WithLabelValues(model, arch, dtype, device).Set(1)
}

// Downloads returns the hub byte counter, or nil when m is nil.
func (m *Metrics) Downloads() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.DownloadBytes
}

// WriteTextfile writes every gathered metric to path for the node-exporter
// textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
