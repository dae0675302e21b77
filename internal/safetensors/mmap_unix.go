//go:build unix

package safetensors

import (
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps f read-only, falling back to reading it into memory when mmap
// is refused (some FUSE and network filesystems).
func mapFile(f *os.File, size int64) ([]byte, func() error, error) {
	if size > math.MaxInt {
		return nil, nil, ErrCorrupt
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
		return data, func() error { return unix.Munmap(data) }, nil
	}
	return readFile(f, size)
}
