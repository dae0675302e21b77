// Package hub fetches model checkpoints from the Hugging Face hub into the
// standard hub cache layout, reusing anything already cached.
package hub

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/hfgen/internal/logger"
)

const DefaultEndpoint = "https://huggingface.co"

var (
	ErrNotFound     = errors.New("hub: not found")
	ErrUnauthorized = errors.New("hub: unauthorized (gated or private repo, check HF_TOKEN)")
	ErrOffline      = errors.New("hub: offline and not cached")
	ErrInvalidRepo  = errors.New("hub: invalid repo id")
)

// Config holds the client settings. Zero values fall back to defaults.
type Config struct {
	Endpoint string
	CacheDir string
	Token    string
	Offline  bool

	// ProgressInterval bounds how often download progress is logged.
	ProgressInterval time.Duration
}

// ConfigFromEnv reads the HF_* variables honoured by huggingface_hub.
func ConfigFromEnv() Config {
	cfg := Config{
		Endpoint: strings.TrimRight(os.Getenv("HF_ENDPOINT"), "/"),
		CacheDir: DefaultCacheDir(),
		Token:    os.Getenv("HF_TOKEN"),
		Offline:  envBool("HF_HUB_OFFLINE"),
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("HUGGING_FACE_HUB_TOKEN")
	}
	if cfg.Token == "" {
		if b, err := os.ReadFile(filepath.Join(hfHome(), "token")); err == nil {
			cfg.Token = strings.TrimSpace(string(b))
		}
	}
	return cfg
}

// DefaultCacheDir resolves HF_HUB_CACHE, then HF_HOME/hub, then
// $XDG_CACHE_HOME/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	return filepath.Join(hfHome(), "hub")
}

func hfHome() string {
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "huggingface")
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".cache", "huggingface")
	}
	return filepath.Join(os.TempDir(), "huggingface")
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Client downloads repository files. It is safe for sequential use.
type Client struct {
	cfg  Config
	http *http.Client
	log  logger.Logger

	downloaded prometheus.Counter
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDownloadCounter counts every payload byte received.
func WithDownloadCounter(ctr prometheus.Counter) Option {
	return func(c *Client) { c.downloaded = ctr }
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDir()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheDir is the hub cache root in use.
func (c *Client) CacheDir() string { return c.cfg.CacheDir }

// Offline reports whether the client refuses network access.
func (c *Client) Offline() bool { return c.cfg.Offline }

func validateRepoID(repoID string) error {
	parts := strings.Split(repoID, "/")
	if len(parts) > 2 {
		return ErrInvalidRepo
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\ `) {
			return ErrInvalidRepo
		}
	}
	return nil
}
