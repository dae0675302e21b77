package backend

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{"", CPU, nil},
		{"auto", CPU, nil},
		{" AUTO ", CPU, nil},
		{"cpu", CPU, nil},
		{"cuda", "", ErrUnavailable},
		{"cuda:1", "", ErrUnavailable},
		{"mps", "", ErrUnavailable},
	}
	for _, tc := range tests {
		got, err := Resolve(tc.in)
		if !errors.Is(err, tc.wantErr) || got != tc.want {
			t.Errorf("Resolve(%q) = %q, %v; want %q, %v", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
	if _, err := Resolve("tpu"); err == nil || errors.Is(err, ErrUnavailable) {
		t.Errorf("unknown device should fail to normalize, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	if Available() != "cpu" || !Has(CPU) || Has(CUDA) {
		t.Fatalf("unexpected devices %q", Available())
	}
}
