//go:build !linux

package filedisk

import "os"

func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}
