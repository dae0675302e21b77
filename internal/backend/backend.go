// Package backend names the compute devices a model can be placed on and
// resolves the "auto" hint to one that this build can drive.
package backend

import (
	"errors"
	"fmt"
	"strings"
)

const (
	Auto  = "auto"
	CPU   = "cpu"
	CUDA  = "cuda"
	Metal = "metal"
)

var ErrUnavailable = errors.New("device not available in this build")

// compiled lists the devices with kernels in this binary, best first.
var compiled = []string{CPU}

// Normalize lower-cases name and checks it is a known device. An empty name
// means Auto. A CUDA ordinal such as "cuda:0" is reduced to "cuda".
func Normalize(name string) (string, error) {
	dev := strings.ToLower(strings.TrimSpace(name))
	if dev == "" {
		return Auto, nil
	}
	if base, _, ok := strings.Cut(dev, ":"); ok {
		dev = base
	}
	switch dev {
	case Auto, CPU, CUDA, Metal:
		return dev, nil
	case "mps":
		return Metal, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, cuda or metal)", name)
	}
}

// Resolve maps a placement hint to a concrete device. Auto picks the best
// compiled device; an explicit device that is not compiled in is an error,
// never a silent fallback.
func Resolve(name string) (string, error) {
	dev, err := Normalize(name)
	if err != nil {
		return "", err
	}
	if dev == Auto {
		return compiled[0], nil
	}
	if !Has(dev) {
		return "", fmt.Errorf("%s: %w", dev, ErrUnavailable)
	}
	return dev, nil
}

// Has reports whether dev has kernels in this build.
func Has(dev string) bool {
	for _, c := range compiled {
		if c == dev {
			return true
		}
	}
	return false
}

// Available returns a comma-separated list of compiled devices.
func Available() string {
	return strings.Join(compiled, ",")
}
