// Package segfile maps logical segments to files and performs the file
// level operations of append-only storage.
package segfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// NoColumn is the column index row-oriented relations pass to PathFor.
const NoColumn = -1

var ErrTruncateBeyondEOF = errors.New("truncate length exceeds file size")

// PseudoSegno linearizes (column, segno) for column-split siblings.
func PseudoSegno(segno, column int) int {
	if column <= NoColumn {
		return segno
	}
	return column*types.MaxConcurrency + segno
}

// PathFor returns the file holding a segment: base for 0, base.N otherwise.
func PathFor(base string, segno, column int) string {
	n := PseudoSegno(segno, column)
	if n == 0 {
		return base
	}
	return base + "." + strconv.Itoa(n)
}

type Mode int

const (
	// ModeRead opens an existing file read-only.
	ModeRead Mode = iota
	// ModeAppend opens for writing, creating the file when missing.
	ModeAppend
	// ModeCreate creates a file that must not exist yet.
	ModeCreate
)

func (m Mode) flags() int {
	switch m {
	case ModeAppend:
		return os.O_CREATE | os.O_RDWR
	case ModeCreate:
		return os.O_CREATE | os.O_EXCL | os.O_WRONLY
	default:
		return os.O_RDONLY
	}
}

// File is a segment file handle owned by one descriptor.
type File struct {
	*os.File
	path string
}

// Open opens path in the given mode.
func Open(path string, mode Mode) (*File, error) {
	f, err := os.OpenFile(path, mode.flags(), 0o644)
	if err != nil {
		return nil, err
	}
	sf := &File{File: f, path: path}
	if mode == ModeRead {
		adviseSequential(f)
	}
	return sf, nil
}

func (f *File) Path() string { return f.path }

// Size returns the current file length.
func (f *File) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Sync flushes file data to stable storage.
func (f *File) Sync() error {
	return syncData(f.File)
}

// AppendWriter positions f at offset and returns a buffered writer for it.
func (f *File) AppendWriter(offset int64, size int) (*bufio.Writer, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s to %d: %w", f.path, offset, err)
	}
	return bufio.NewWriterSize(f.File, size), nil
}

// Truncate cuts path down to length. A missing file counts as already empty.
func Truncate(path string, length int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		util.Debug("truncate %s: file does not exist, skipping", path)
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			util.Error("failed to close %s: %v", path, err)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if length > info.Size() {
		return fmt.Errorf("%w: %s is %d bytes, requested %d", ErrTruncateBeyondEOF, path, info.Size(), length)
	}
	if length == info.Size() {
		return nil
	}
	if err := f.Truncate(length); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", path, length, err)
	}
	return syncData(f)
}

// RemoveSegment deletes one segment file, ignoring a missing file.
func RemoveSegment(base string, segno int) error {
	path := PathFor(base, segno, NoColumn)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// UnlinkAll removes segment 0 by truncating it before unlinking, so readers
// holding it open see an empty file, then removes numbered files until the
// first one that is missing.
func UnlinkAll(base string) error {
	if err := Truncate(base, 0); err != nil {
		return fmt.Errorf("truncate %s before unlink: %w", base, err)
	}
	if err := os.Remove(base); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unlink %s: %w", base, err)
	}

	for segno := 1; segno < types.MaxConcurrency; segno++ {
		path := PathFor(base, segno, NoColumn)
		err := os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("unlink %s: %w", path, err)
		}
		util.Debug("unlinked segment file %s", path)
	}
	return nil
}
