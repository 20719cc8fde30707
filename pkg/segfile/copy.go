package segfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// DefaultCopyChunkSize bounds how much of a segment is held in memory while copying.
const DefaultCopyChunkSize = 1 << 20

// ChunkMirror receives every copied chunk, e.g. to log it for replicas.
type ChunkMirror interface {
	MirrorChunk(dstPath string, offset int64, chunk []byte) error
}

type CopyOptions struct {
	ChunkSize int
	Mirror    ChunkMirror
}

func (o CopyOptions) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultCopyChunkSize
	}
	return o.ChunkSize
}

// Copy duplicates one segment file byte for byte. The destination of
// segment 0 must already exist; any other destination must not.
func Copy(ctx context.Context, src, dst string, segno int, opts CopyOptions) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open copy source %s: %w", src, err)
	}
	defer in.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if segno == 0 {
		flags = os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open copy destination %s: %w", dst, err)
	}

	written, copyErr := copyChunks(ctx, in, out, dst, opts)
	if copyErr == nil {
		copyErr = syncData(out)
	}
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return written, fmt.Errorf("copy %s to %s: %w", src, dst, copyErr)
	}
	return written, nil
}

func copyChunks(ctx context.Context, in io.Reader, out io.Writer, dst string, opts CopyOptions) (int64, error) {
	buf := make([]byte, opts.chunkSize())
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return offset, err
		}
		n, err := io.ReadFull(in, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := out.Write(chunk); werr != nil {
				return offset, werr
			}
			if opts.Mirror != nil {
				if merr := opts.Mirror.MirrorChunk(dst, offset, chunk); merr != nil {
					return offset, fmt.Errorf("mirror chunk at %d: %w", offset, merr)
				}
			}
			offset += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
	}
}

// CopyAll copies every existing segment file of srcBase to dstBase and
// returns the segment numbers copied.
func CopyAll(ctx context.Context, srcBase, dstBase string, opts CopyOptions) ([]int, error) {
	var copied []int
	for segno := 0; segno < types.MaxConcurrency; segno++ {
		src := PathFor(srcBase, segno, NoColumn)
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return copied, err
		}

		dst := PathFor(dstBase, segno, NoColumn)
		n, err := Copy(ctx, src, dst, segno, opts)
		if err != nil {
			return copied, err
		}
		util.Debug("copied segment %d (%d bytes) to %s", segno, n, dst)
		copied = append(copied, segno)
	}
	return copied, nil
}
