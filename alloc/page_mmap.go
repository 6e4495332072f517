//go:build linux || darwin || freebsd || netbsd || openbsd

package alloc

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapPage reserves anonymous, page-aligned memory outside the Go heap
func mapPage(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to map a page of %d bytes", size)
	}

	return data, nil
}

func unmapPage(data []byte) error {
	return unix.Munmap(data)
}
