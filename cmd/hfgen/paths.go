package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const envHFGenConfig = "HFGEN_CONFIG"

// resolveConfigPath picks the config file: the flag, then $HFGEN_CONFIG,
// then the first existing file under the user config dir. explicit reports
// whether the caller named the file, in which case it must exist.
func resolveConfigPath(flagPath string) (string, bool) {
	if p := strings.TrimSpace(flagPath); p != "" {
		return filepath.Clean(p), true
	}
	if p := strings.TrimSpace(os.Getenv(envHFGenConfig)); p != "" {
		return filepath.Clean(p), true
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", false
	}
	dir := filepath.Join(base, "hfgen")
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, false
		}
	}
	return "", false
}

// resolvePrompt returns the prompt text. --prompt-file wins over --prompt;
// "-" reads stdin.
func resolvePrompt(o *runOptions, stdin io.Reader) (string, error) {
	path := strings.TrimSpace(o.PromptFile)
	if path == "" {
		return o.Prompt, nil
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		if stdin == nil {
			return "", errors.New("prompt: stdin is not available")
		}
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	// A single trailing newline comes from editors and echo, not the user.
	return strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r"), nil
}
