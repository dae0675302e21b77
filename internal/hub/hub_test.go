package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/samcharles93/hfgen/internal/safetensors"
)

const testCommit = "0123456789abcdef0123456789abcdef01234567"

// fakeHub serves a single repository through the resolve endpoint.
type fakeHub struct {
	files    map[string]string
	token    string
	requests atomic.Int32
	gets     atomic.Int32
	ranges   atomic.Int32
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	const prefix = "/org/model/resolve/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	_, name, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, prefix), "/")
	body, exists := f.files[name]
	if !ok || !exists {
		w.Header().Set("X-Error-Code", "EntryNotFound")
		http.NotFound(w, r)
		return
	}
	sum := sha256.Sum256([]byte(body))
	w.Header().Set("X-Repo-Commit", testCommit)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		return
	}
	f.gets.Add(1)
	if rg := r.Header.Get("Range"); rg != "" {
		f.ranges.Add(1)
		var start int
		if _, err := fmt.Sscanf(rg, "bytes=%d-", &start); err != nil || start > len(body) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(body[start:]))
		return
	}
	_, _ = w.Write([]byte(body))
}

func singleFileRepo() map[string]string {
	return map[string]string{
		"config.json":       `{"architectures":["GemmaForCausalLM"]}`,
		"tokenizer.json":    `{"model":{"type":"BPE"}}`,
		"model.safetensors": "weights",
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.Endpoint = srv.URL
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	return New(cfg, append([]Option{WithHTTPClient(srv.Client())}, opts...)...)
}

func readSnapshotFile(t *testing.T, snap *Snapshot, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(snap.Dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(b)
}

func TestSnapshotDownloadsAndCaches(t *testing.T) {
	fake := &fakeHub{files: singleFileRepo()}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctr := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_bytes_total"})
	c := newTestClient(t, srv, Config{}, WithDownloadCounter(ctr))

	snap, err := c.Snapshot(context.Background(), "org/model", "")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Commit != testCommit || snap.Revision != DefaultRevision {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(snap.Downloaded) != 3 {
		t.Fatalf("expected 3 downloads, got %v", snap.Downloaded)
	}
	if got := readSnapshotFile(t, snap, "model.safetensors"); got != "weights" {
		t.Fatalf("model.safetensors = %q", got)
	}
	wantBytes := 0
	for _, body := range fake.files {
		wantBytes += len(body)
	}
	if got := testutil.ToFloat64(ctr); got != float64(wantBytes) {
		t.Fatalf("download counter = %v, want %d", got, wantBytes)
	}

	ref, err := os.ReadFile(filepath.Join(c.CacheDir(), "models--org--model", "refs", "main"))
	if err != nil || string(ref) != testCommit {
		t.Fatalf("refs/main = %q, %v", ref, err)
	}

	before := fake.requests.Load()
	again, err := c.Snapshot(context.Background(), "org/model", "main")
	if err != nil {
		t.Fatalf("second Snapshot: %v", err)
	}
	if fake.requests.Load() != before {
		t.Fatalf("cache hit made %d requests", fake.requests.Load()-before)
	}
	if again.Dir != snap.Dir || len(again.Downloaded) != 0 {
		t.Fatalf("cache hit returned %+v", again)
	}
}

func TestSnapshotSharded(t *testing.T) {
	files := singleFileRepo()
	delete(files, "model.safetensors")
	files["model.safetensors.index.json"] = `{"weight_map":{"a":"model-00001-of-00002.safetensors","b":"model-00002-of-00002.safetensors"}}`
	files["model-00001-of-00002.safetensors"] = "shard1"
	files["model-00002-of-00002.safetensors"] = "shard2"
	fake := &fakeHub{files: files}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	snap, err := newTestClient(t, srv, Config{}).Snapshot(context.Background(), "org/model", "main")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := readSnapshotFile(t, snap, "model-00002-of-00002.safetensors"); got != "shard2" {
		t.Fatalf("shard 2 = %q", got)
	}
	if _, err := os.Stat(filepath.Join(snap.Dir, "model.safetensors")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("single-file weights should not be fetched for a sharded repo: %v", err)
	}
}

func TestSnapshotRejectsEscapingShard(t *testing.T) {
	files := singleFileRepo()
	delete(files, "model.safetensors")
	files["model.safetensors.index.json"] = `{"weight_map":{"w":"../../../../escaped.bin"}}`
	files["../../../../escaped.bin"] = "outside"
	srv := httptest.NewServer(&fakeHub{files: files})
	defer srv.Close()

	root := t.TempDir()
	cache := filepath.Join(root, "a", "b")
	_, err := newTestClient(t, srv, Config{CacheDir: cache}).Snapshot(context.Background(), "org/model", "main")
	if !errors.Is(err, safetensors.ErrCorrupt) {
		t.Fatalf("expected safetensors.ErrCorrupt, got %v", err)
	}
	escaped, _ := filepath.Glob(filepath.Join(root, "*", "escaped.bin"))
	top, _ := filepath.Glob(filepath.Join(root, "escaped.bin"))
	if len(escaped)+len(top) != 0 {
		t.Fatalf("shard written outside the cache: %v %v", escaped, top)
	}
}

func TestSnapshotOptionalFiles(t *testing.T) {
	files := singleFileRepo()
	files["generation_config.json"] = `{"do_sample":false}`
	fake := &fakeHub{files: files}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	snap, err := newTestClient(t, srv, Config{}).Snapshot(context.Background(), "org/model", "main")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := readSnapshotFile(t, snap, "generation_config.json"); got != files["generation_config.json"] {
		t.Fatalf("generation_config.json = %q", got)
	}
	if _, err := os.Stat(filepath.Join(snap.Dir, "tokenizer_config.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("absent optional file should be skipped: %v", err)
	}
}

func TestSnapshotErrors(t *testing.T) {
	t.Run("missing required file", func(t *testing.T) {
		files := singleFileRepo()
		delete(files, "tokenizer.json")
		srv := httptest.NewServer(&fakeHub{files: files})
		defer srv.Close()
		_, err := newTestClient(t, srv, Config{}).Snapshot(context.Background(), "org/model", "main")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(&fakeHub{files: singleFileRepo(), token: "secret"})
		defer srv.Close()
		_, err := newTestClient(t, srv, Config{Token: "wrong"}).Snapshot(context.Background(), "org/model", "main")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})
	t.Run("token accepted", func(t *testing.T) {
		srv := httptest.NewServer(&fakeHub{files: singleFileRepo(), token: "secret"})
		defer srv.Close()
		if _, err := newTestClient(t, srv, Config{Token: "secret"}).Snapshot(context.Background(), "org/model", "main"); err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
	})
	t.Run("invalid repo id", func(t *testing.T) {
		c := New(Config{CacheDir: t.TempDir(), Offline: true})
		for _, id := range []string{"", "a/b/c", "../x", "org/"} {
			if _, err := c.Snapshot(context.Background(), id, "main"); !errors.Is(err, ErrInvalidRepo) {
				t.Errorf("%q: expected ErrInvalidRepo, got %v", id, err)
			}
		}
	})
	t.Run("canceled context", func(t *testing.T) {
		srv := httptest.NewServer(&fakeHub{files: singleFileRepo()})
		defer srv.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestClient(t, srv, Config{}).Snapshot(ctx, "org/model", "main")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestSnapshotOffline(t *testing.T) {
	fake := &fakeHub{files: singleFileRepo()}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cache := t.TempDir()

	offline := newTestClient(t, srv, Config{CacheDir: cache, Offline: true})
	if _, err := offline.Snapshot(context.Background(), "org/model", "main"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline on empty cache, got %v", err)
	}
	if fake.requests.Load() != 0 {
		t.Fatalf("offline client made %d requests", fake.requests.Load())
	}

	if _, err := newTestClient(t, srv, Config{CacheDir: cache}).Snapshot(context.Background(), "org/model", "main"); err != nil {
		t.Fatalf("online Snapshot: %v", err)
	}
	before := fake.requests.Load()
	snap, err := offline.Snapshot(context.Background(), "org/model", "main")
	if err != nil {
		t.Fatalf("offline Snapshot after warm-up: %v", err)
	}
	if snap.Commit != testCommit || fake.requests.Load() != before {
		t.Fatalf("offline snapshot %+v used the network", snap)
	}

	// A cached snapshot that lost a required file is reported, not refetched.
	if err := os.Remove(filepath.Join(snap.Dir, "tokenizer.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := offline.Snapshot(context.Background(), "org/model", "main"); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline for incomplete snapshot, got %v", err)
	}
}

func TestDownloadResumesPartialBlob(t *testing.T) {
	fake := &fakeHub{files: singleFileRepo()}
	fake.files["model.safetensors"] = "0123456789abcdef"
	srv := httptest.NewServer(fake)
	defer srv.Close()
	c := newTestClient(t, srv, Config{})

	meta, err := c.head(context.Background(), "org/model", "main", "model.safetensors")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if meta.Size != 16 || meta.Commit != testCommit {
		t.Fatalf("unexpected meta %+v", meta)
	}
	rc := newRepoCache(c.CacheDir(), "org/model")
	if err := os.MkdirAll(filepath.Dir(rc.blob(meta.ETag)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rc.blob(meta.ETag)+".incomplete", []byte("01234567"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.download(context.Background(), rc, "org/model", "model.safetensors", meta); err != nil {
		t.Fatalf("download: %v", err)
	}
	if fake.ranges.Load() != 1 {
		t.Fatalf("expected one ranged request, got %d", fake.ranges.Load())
	}
	got, err := os.ReadFile(rc.blob(meta.ETag))
	if err != nil || string(got) != "0123456789abcdef" {
		t.Fatalf("blob = %q, %v", got, err)
	}
	if _, err := os.Stat(rc.blob(meta.ETag) + ".incomplete"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("incomplete file should be renamed: %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HF_HOME", home)
	t.Setenv("HF_HUB_CACHE", "")
	t.Setenv("HF_ENDPOINT", "https://mirror.example/")
	t.Setenv("HF_TOKEN", "")
	t.Setenv("HUGGING_FACE_HUB_TOKEN", "")
	t.Setenv("HF_HUB_OFFLINE", "TRUE")
	if err := os.WriteFile(filepath.Join(home, "token"), []byte("hf_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := ConfigFromEnv()
	if cfg.CacheDir != filepath.Join(home, "hub") {
		t.Fatalf("CacheDir = %q", cfg.CacheDir)
	}
	if cfg.Endpoint != "https://mirror.example" {
		t.Fatalf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.Token != "hf_file" || !cfg.Offline {
		t.Fatalf("unexpected cfg %+v", cfg)
	}

	t.Setenv("HF_HUB_CACHE", "/cache/hub")
	t.Setenv("HF_TOKEN", "hf_env")
	t.Setenv("HF_HUB_OFFLINE", "0")
	cfg = ConfigFromEnv()
	if cfg.CacheDir != "/cache/hub" || cfg.Token != "hf_env" || cfg.Offline {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestNormalizeETag(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		`"abc"`:   "abc",
		`W/"abc"`: "abc",
		" abc ":   "abc",
	}
	for in, want := range tests {
		if got := normalizeETag(in); got != want {
			t.Errorf("normalizeETag(%q) = %q, want %q", in, got, want)
		}
	}
}
