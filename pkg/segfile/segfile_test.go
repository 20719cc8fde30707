package segfile_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFor(t *testing.T) {
	tests := []struct {
		name   string
		segno  int
		column int
		want   string
	}{
		{"segment zero", 0, segfile.NoColumn, "/data/16384"},
		{"numbered segment", 3, segfile.NoColumn, "/data/16384.3"},
		{"column zero segment zero", 0, 0, "/data/16384"},
		{"column multiplexed", 2, 1, "/data/16384.130"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, segfile.PathFor("/data/16384", tt.segno, tt.column))
		})
	}
}

func TestOpenModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rel.1")

	_, err := segfile.Open(path, segfile.ModeRead)
	require.Error(t, err)

	f, err := segfile.Open(path, segfile.ModeAppend)
	require.NoError(t, err)
	w, err := f.AppendWriter(0, 4096)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NoError(t, f.Sync())
	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	require.NoError(t, f.Close())

	_, err = segfile.Open(path, segfile.ModeCreate)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0o644))

	t.Run("shrink", func(t *testing.T) {
		require.NoError(t, segfile.Truncate(path, 40))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, int64(40), info.Size())
	})

	t.Run("cannot extend", func(t *testing.T) {
		err := segfile.Truncate(path, 41)
		assert.True(t, errors.Is(err, segfile.ErrTruncateBeyondEOF))
	})

	t.Run("missing file is empty", func(t *testing.T) {
		assert.NoError(t, segfile.Truncate(filepath.Join(dir, "missing"), 0))
	})
}

type recordingMirror struct {
	mu      sync.Mutex
	offsets []int64
	bytes   int
}

func (m *recordingMirror) MirrorChunk(_ string, offset int64, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = append(m.offsets, offset)
	m.bytes += len(chunk)
	return nil
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src.1")
	dst := filepath.Join(dir, "dst.1")
	payload := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	mirror := &recordingMirror{}
	n, err := segfile.Copy(ctx, src, dst, 1, segfile.CopyOptions{ChunkSize: 4096, Mirror: mirror})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, []int64{0, 4096, 8192}, mirror.offsets)
	assert.Equal(t, len(payload), mirror.bytes)

	// numbered destinations are created exclusively
	_, err = segfile.Copy(ctx, src, dst, 1, segfile.CopyOptions{})
	assert.Error(t, err)
}

func TestCopySegmentZeroNeedsDestination(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("seg0"), 0o644))

	_, err := segfile.Copy(ctx, src, dst, 0, segfile.CopyOptions{})
	require.Error(t, err)

	require.NoError(t, os.WriteFile(dst, []byte("stale contents"), 0o644))
	_, err = segfile.Copy(ctx, src, dst, 0, segfile.CopyOptions{})
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("seg0"), got)
}

func TestCopyAll(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srcBase := filepath.Join(dir, "src")
	dstBase := filepath.Join(dir, "dst")
	for _, segno := range []int{0, 1, 5} {
		require.NoError(t, os.WriteFile(segfile.PathFor(srcBase, segno, segfile.NoColumn), []byte{byte(segno)}, 0o644))
	}
	require.NoError(t, os.WriteFile(dstBase, nil, 0o644))

	copied, err := segfile.CopyAll(ctx, srcBase, dstBase, segfile.CopyOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 5}, copied)
	assert.FileExists(t, segfile.PathFor(dstBase, 5, segfile.NoColumn))
}

func TestUnlinkAll(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "rel")
	for _, segno := range []int{0, 1, 2, 4} {
		require.NoError(t, os.WriteFile(segfile.PathFor(base, segno, segfile.NoColumn), []byte("data"), 0o644))
	}

	require.NoError(t, segfile.UnlinkAll(base))
	assert.NoFileExists(t, base)
	assert.NoFileExists(t, base+".1")
	assert.NoFileExists(t, base+".2")
	// numbering is contiguous; a file past the first gap is not visited
	assert.FileExists(t, base+".4")

	require.NoError(t, segfile.RemoveSegment(base, 4))
	assert.NoFileExists(t, base+".4")

	// nothing left: still success
	require.NoError(t, segfile.UnlinkAll(base))
}
