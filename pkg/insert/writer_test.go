package insert_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/insert"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts types.RelationOptions, segnos ...int) (*catalog.Catalog, types.Relation) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	cat, err := catalog.Open(ctx, filepath.Join(dir, "catalog.db"), catalog.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	rel := types.Relation{ID: 16384, BasePath: filepath.Join(dir, "16384"), Options: opts}
	tx := cat.Begin()
	require.NoError(t, tx.CreateRelation(ctx, rel))
	for _, segno := range segnos {
		_, err := tx.Register(ctx, rel.ID, segno)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))
	return cat, rel
}

func openLocked(t *testing.T, cat *catalog.Catalog, rel types.Relation, segno int, opts insert.Options) (*catalog.Tx, *insert.Writer) {
	t.Helper()
	ctx := context.Background()
	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, segno)
	require.NoError(t, err)
	w, err := insert.Open(ctx, tx, cat.Sequences(), rel, segno, opts)
	require.NoError(t, err)
	return tx, w
}

func TestWriterScenario(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 64 * 1024, CompressType: "none"}, 3)

	tx, w := openLocked(t, cat, rel, 3, insert.Options{})
	assert.Equal(t, insert.StateBlockOpen, w.State())

	var rids []types.RowIdentifier
	for _, row := range [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 20),
		bytes.Repeat([]byte("c"), 5),
	} {
		rid, err := w.Insert(ctx, row)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	assert.Equal(t, []types.RowIdentifier{{SegmentNumber: 3, RowNumber: 1}, {SegmentNumber: 3, RowNumber: 2}, {SegmentNumber: 3, RowNumber: 3}}, rids)

	require.NoError(t, w.Close(ctx))
	assert.Equal(t, insert.StateClosed, w.State())
	require.NoError(t, w.Close(ctx))
	require.NoError(t, tx.Commit(ctx))

	// header + 35 bytes of rows + 3 item headers
	info, err := cat.Read(ctx, rel.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(32+35+3*4), info.EOF)
	assert.Equal(t, info.EOF, info.EOFUncompressed)
	assert.Equal(t, int64(3), info.TotalTupleCount)
	assert.Equal(t, int64(1), info.BlockCount)
	assert.Equal(t, int64(1), info.ModificationCount)

	st, err := os.Stat(segfile.PathFor(rel.BasePath, 3, segfile.NoColumn))
	require.NoError(t, err)
	assert.Equal(t, info.EOF, st.Size())

	entries, err := cat.BlockEntries(ctx, rel.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, []types.BlockEntry{{Relation: rel.ID, SegmentNumber: 3, FirstRow: 1, FileOffset: 0, RowCount: 3}}, entries)

	_, err = w.Insert(ctx, []byte("late"))
	assert.True(t, errors.Is(err, insert.ErrClosed))
}

func TestWriterRequiresLock(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)

	tx := cat.Begin()
	defer tx.Abort()
	_, err := insert.Open(ctx, tx, cat.Sequences(), rel, 1, insert.Options{})
	assert.True(t, errors.Is(err, catalog.ErrNotLocked))
}

func TestWriterRefusesAwaitingDrop(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)

	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.NoError(t, tx.MarkAwaitingDrop(ctx, rel.ID, 1))

	_, err = insert.Open(ctx, tx, cat.Sequences(), rel, 1, insert.Options{})
	assert.True(t, errors.Is(err, insert.ErrAwaitingDrop))
	tx.Abort()
}

func TestWriterAbortNeverReusesRowNumbers(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)
	path := segfile.PathFor(rel.BasePath, 1, segfile.NoColumn)

	tx, w := openLocked(t, cat, rel, 1, insert.Options{SeqBatchSize: 10})
	for i := 0; i < 3; i++ {
		_, err := w.Insert(ctx, []byte("aborted row"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))
	tx.Abort()

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Size())

	tx, w = openLocked(t, cat, rel, 1, insert.Options{SeqBatchSize: 10})
	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, st.Size(), "bytes of the aborted writer are truncated")

	rid, err := w.Insert(ctx, []byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, types.RowIdentifier{SegmentNumber: 1, RowNumber: 11}, rid)
	require.NoError(t, w.Close(ctx))
	require.NoError(t, tx.Commit(ctx))

	entries, err := cat.BlockEntries(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(11), entries[0].FirstRow)
}

func TestWriterRowNumberBatches(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 2)

	tx, w := openLocked(t, cat, rel, 2, insert.Options{SeqBatchSize: 2})
	for want := int64(1); want <= 5; want++ {
		rid, err := w.Insert(ctx, []byte("row"))
		require.NoError(t, err)
		assert.Equal(t, want, rid.RowNumber)
	}
	require.NoError(t, w.Close(ctx))
	require.NoError(t, tx.Commit(ctx))

	last, err := cat.Sequences().ReadLast(ctx, rel.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), last)
}

func TestWriterRowTooLarge(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192}, 1)

	tx, w := openLocked(t, cat, rel, 1, insert.Options{MaxRowSize: 100})
	defer tx.Abort()

	_, err := w.Insert(ctx, make([]byte, 101))
	assert.True(t, errors.Is(err, insert.ErrRowTooLarge))

	rid, err := w.Insert(ctx, make([]byte, 100))
	require.NoError(t, err)
	assert.Equal(t, int64(1), rid.RowNumber, "a rejected row consumes no row number")
	w.Discard()
}

func TestWriterLargeRow(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192, CompressType: "zstd", CompressLevel: 1, Checksum: true}, 1)

	tx, w := openLocked(t, cat, rel, 1, insert.Options{})
	_, err := w.Insert(ctx, []byte("small before"))
	require.NoError(t, err)
	_, err = w.Insert(ctx, bytes.Repeat([]byte("L"), 20000))
	require.NoError(t, err)
	_, err = w.Insert(ctx, []byte("small after"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))
	require.NoError(t, tx.Commit(ctx))

	info, err := cat.Read(ctx, rel.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.BlockCount)
	assert.Equal(t, int64(3), info.TotalTupleCount)
	assert.Equal(t, int64(32+len("small before"))+int64(32+20000)+int64(32+len("small after")), info.EOF)

	entries, err := cat.BlockEntries(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.FirstRow)
		assert.Equal(t, int32(1), e.RowCount)
	}
	assert.Equal(t, int64(32+len("small before")), entries[1].FileOffset)
}

func TestWriterExactBlockFill(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192}, 1)

	tx, w := openLocked(t, cat, rel, 1, insert.Options{})
	// two items of 4+4076 bytes fill the 8160 content bytes exactly
	for i := 0; i < 2; i++ {
		_, err := w.Insert(ctx, make([]byte, 4076))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx))
	require.NoError(t, tx.Commit(ctx))

	info, err := cat.Read(ctx, rel.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), info.EOF)
	assert.Equal(t, int64(1), info.BlockCount)
	assert.Equal(t, int64(2), info.TotalTupleCount)
}

func TestWriterAppendsAcrossTransactions(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)

	for round := 0; round < 2; round++ {
		tx, w := openLocked(t, cat, rel, 1, insert.Options{})
		_, err := w.Insert(ctx, []byte("0123456789"))
		require.NoError(t, err)
		require.NoError(t, w.Close(ctx))
		require.NoError(t, tx.Commit(ctx))
	}

	info, err := cat.Read(ctx, rel.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2*(32+10)), info.EOF)
	assert.Equal(t, int64(2), info.ModificationCount)

	entries, err := cat.BlockEntries(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(42), entries[1].FileOffset)
	assert.Equal(t, int64(101), entries[1].FirstRow)
}

func TestWriterStates(t *testing.T) {
	var zero insert.State
	assert.Equal(t, "state(0)", zero.String())
	assert.Equal(t, "block-open", insert.StateBlockOpen.String())
	assert.Equal(t, "closed", insert.StateClosed.String())

	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192}, 1)
	tx, w := openLocked(t, cat, rel, 1, insert.Options{})
	assert.Equal(t, insert.StateBlockOpen, w.State())
	w.Discard()
	assert.Equal(t, insert.StateClosed, w.State())
	tx.Abort()
}
