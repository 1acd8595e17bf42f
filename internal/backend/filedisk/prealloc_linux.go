//go:build linux

package filedisk

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves real blocks for flat disk layouts. Filesystems
// without fallocate support fall back to a plain truncate.
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}
