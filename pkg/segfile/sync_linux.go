//go:build linux
// +build linux

package segfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseSequential(f *os.File) {
	// Linux: sequential access hint
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

func syncData(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
