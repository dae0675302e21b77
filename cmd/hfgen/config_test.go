package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hfgen/internal/inference"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("yaml", func(t *testing.T) {
		t.Parallel()
		p := writeFile(t, "config.yaml", "model: org/name\nmax_new_tokens: 12\ntemperature: 0.5\noffline: true\n")
		cfg, err := loadConfig(p, true)
		if err != nil {
			t.Fatal(err)
		}
		if *cfg.Model != "org/name" || *cfg.MaxNewTokens != 12 || *cfg.Temperature != 0.5 || !*cfg.Offline {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.Prompt != nil {
			t.Fatal("unset keys should stay nil")
		}
	})

	t.Run("toml", func(t *testing.T) {
		t.Parallel()
		p := writeFile(t, "config.toml", "model = \"org/name\"\nmax_length = 64\ntop_k = 5\n")
		cfg, err := loadConfig(p, true)
		if err != nil {
			t.Fatal(err)
		}
		if *cfg.Model != "org/name" || *cfg.MaxLength != 64 || *cfg.TopK != 5 {
			t.Fatalf("unexpected config: %+v", cfg)
		}
	})

	t.Run("missing implicit file", func(t *testing.T) {
		t.Parallel()
		if _, err := loadConfig(filepath.Join(t.TempDir(), "config.yaml"), false); err != nil {
			t.Fatalf("implicit missing file should be ignored: %v", err)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		t.Parallel()
		if _, err := loadConfig(filepath.Join(t.TempDir(), "config.yaml"), true); err == nil {
			t.Fatal("explicit missing file should fail")
		}
	})

	t.Run("both bounds", func(t *testing.T) {
		t.Parallel()
		p := writeFile(t, "config.yaml", "max_new_tokens: 1\nmax_length: 2\n")
		if _, err := loadConfig(p, true); err == nil {
			t.Fatal("expected mutually exclusive bounds error")
		}
	})

	t.Run("unknown extension", func(t *testing.T) {
		t.Parallel()
		p := writeFile(t, "config.ini", "model=x\n")
		if _, err := loadConfig(p, true); err == nil {
			t.Fatal("expected unsupported extension error")
		}
	})
}

// parseWith runs a throwaway command so IsSet reflects args, then applies cfg.
func parseWith(t *testing.T, cfg Config, args ...string) (*runOptions, *cli.Command) {
	t.Helper()
	o := defaultRunOptions()
	var got *cli.Command
	cmd := &cli.Command{
		Name:  "hfgen",
		Flags: runFlags(o),
		Action: func(_ context.Context, c *cli.Command) error {
			applyConfig(c, cfg, o)
			got = c
			return nil
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"hfgen"}, args...)); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return o, got
}

func ptr[T any](v T) *T { return &v }

func TestApplyConfigPrecedence(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Model:       ptr("cfg/model"),
		Temperature: ptr(0.7),
		MaxLength:   ptr(int64(40)),
		Seed:        ptr(int64(3)),
	}

	t.Run("flags win", func(t *testing.T) {
		t.Parallel()
		o, c := parseWith(t, cfg, "--model", "flag/model", "--temperature", "0.2", "-n", "5")
		if o.Model != "flag/model" || o.Temperature != 0.2 {
			t.Fatalf("flags should win: %+v", o)
		}
		b, err := o.bound(c)
		if err != nil {
			t.Fatal(err)
		}
		if b != (inference.LengthBound{Kind: inference.BoundNew, Limit: 5}) {
			t.Fatalf("a bound flag should replace the file bound, got %v", b)
		}
		if s := o.sampling(c); s.Temperature == nil || *s.Temperature != 0.2 || s.Seed != 3 {
			t.Fatalf("unexpected sampling %+v", s)
		}
	})

	t.Run("config fills unset flags", func(t *testing.T) {
		t.Parallel()
		o, c := parseWith(t, cfg)
		if o.Model != "cfg/model" {
			t.Fatalf("model = %q", o.Model)
		}
		b, err := o.bound(c)
		if err != nil {
			t.Fatal(err)
		}
		if b != (inference.LengthBound{Kind: inference.BoundTotal, Limit: 40}) {
			t.Fatalf("bound = %v", b)
		}
		s := o.sampling(c)
		if s.Temperature == nil || *s.Temperature != 0.7 {
			t.Fatalf("configured temperature lost: %+v", s)
		}
		if s.TopP != nil || s.TopK != nil {
			t.Fatalf("unset sampling values should defer to the checkpoint: %+v", s)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		o, c := parseWith(t, Config{})
		b, err := o.bound(c)
		if err != nil {
			t.Fatal(err)
		}
		if b != inference.DefaultBound() {
			t.Fatalf("bound = %v, want default", b)
		}
		if o.DType != inference.DefaultDType || o.Device != inference.DefaultDevice || o.Model != defaultModel {
			t.Fatalf("unexpected defaults %+v", o)
		}
	})
}
