//go:build !linux
// +build !linux

package segfile

import "os"

func adviseSequential(*os.File) {}

func syncData(f *os.File) error {
	return f.Sync()
}
