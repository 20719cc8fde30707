package scan_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/insert"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/scan"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/pkg/visimap"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

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

// writeRows appends rows to segno in one transaction and commits unless abort is set.
func writeRows(t *testing.T, cat *catalog.Catalog, rel types.Relation, segno int, rows [][]byte, abort bool) []types.RowIdentifier {
	t.Helper()
	ctx := context.Background()
	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, segno)
	require.NoError(t, err)
	w, err := insert.Open(ctx, tx, cat.Sequences(), rel, segno, insert.Options{})
	require.NoError(t, err)

	var rids []types.RowIdentifier
	for _, row := range rows {
		rid, err := w.Insert(ctx, row)
		require.NoError(t, err)
		rids = append(rids, rid)
	}
	require.NoError(t, w.Close(ctx))
	if abort {
		tx.Abort()
	} else {
		require.NoError(t, tx.Commit(ctx))
	}
	return rids
}

func scanAll(t *testing.T, s *scan.Scanner) ([]types.RowIdentifier, [][]byte) {
	t.Helper()
	var rids []types.RowIdentifier
	var rows [][]byte
	for {
		row, ok, err := s.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return rids, rows
		}
		rids = append(rids, row.ID)
		rows = append(rows, append([]byte(nil), row.Data...))
	}
}

func TestScenario(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 64 * 1024, CompressType: "none"}, 3)
	rows := [][]byte{
		bytes.Repeat([]byte("a"), 10),
		bytes.Repeat([]byte("b"), 20),
		bytes.Repeat([]byte("c"), 5),
	}
	writeRows(t, cat, rel, 3, rows, false)

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{})
	require.NoError(t, err)
	rids, got := scanAll(t, s)
	require.NoError(t, s.Close())
	assert.Equal(t, rows, got)
	assert.Equal(t, []types.RowIdentifier{{SegmentNumber: 3, RowNumber: 1}, {SegmentNumber: 3, RowNumber: 2}, {SegmentNumber: 3, RowNumber: 3}}, rids)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{})
	require.NoError(t, err)
	defer f.Close()

	row, found, err := f.Fetch(ctx, types.RowIdentifier{SegmentNumber: 3, RowNumber: 2})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rows[1], row)

	// the neighbouring row comes from the block already in memory
	hits := counterValue(metrics.FetchTotal.WithLabelValues("hit"))
	row, found, err = f.Fetch(ctx, types.RowIdentifier{SegmentNumber: 3, RowNumber: 3})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rows[2], row)
	assert.Equal(t, hits+1, counterValue(metrics.FetchTotal.WithLabelValues("hit")))

	_, found, err = f.Fetch(ctx, types.RowIdentifier{SegmentNumber: 3, RowNumber: 99})
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = f.Fetch(ctx, types.RowIdentifier{SegmentNumber: 7, RowNumber: 1})
	require.NoError(t, err)
	assert.False(t, found)
}

func randomRows(seed int64, n int, large int) [][]byte {
	rng := rand.New(rand.NewSource(seed))
	words := []string{"append", "only", "segment", "block", "row", "catalog", "zstd"}
	rows := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		var b bytes.Buffer
		fmt.Fprintf(&b, "row-%05d:", i)
		for j := rng.Intn(60); j > 0; j-- {
			b.WriteString(words[rng.Intn(len(words))])
		}
		rows = append(rows, b.Bytes())
		if i == n/2 {
			rows = append(rows, bytes.Repeat([]byte("large content "), large/14+1))
		}
	}
	return rows
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []struct {
		name  string
		level int
	}{
		{"none", 0},
		{"zlib", 6},
		{"gzip", 1},
		{"lz4", 0},
		{"snappy", 0},
		{"zstd", 3},
	} {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			cat, rel := setup(t, types.RelationOptions{
				BlockSize: 8192, CompressType: c.name, CompressLevel: c.level, Checksum: true,
			}, 1)
			rows := randomRows(42, 300, 3*8192)
			rids := writeRows(t, cat, rel, 1, rows, false)

			s, err := scan.NewScanner(ctx, cat, rel, scan.Options{})
			require.NoError(t, err)
			gotRids, got := scanAll(t, s)
			require.NoError(t, s.Close())
			require.Equal(t, len(rows), len(got))
			assert.Equal(t, rows, got)
			assert.Equal(t, rids, gotRids)

			f, err := scan.NewFetcher(cat, rel, nil, scan.Options{})
			require.NoError(t, err)
			defer f.Close()
			for i := len(rids) - 1; i >= 0; i -= 7 {
				row, found, err := f.Fetch(ctx, rids[i])
				require.NoError(t, err)
				require.True(t, found, "row %s", rids[i])
				assert.Equal(t, rows[i], row, "row %s", rids[i])
			}
		})
	}
}

func TestScanSegmentsInOrder(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 0, 1, 2, 4)
	writeRows(t, cat, rel, 2, [][]byte{[]byte("two-a"), []byte("two-b")}, false)
	writeRows(t, cat, rel, 1, [][]byte{[]byte("one")}, false)
	writeRows(t, cat, rel, 4, [][]byte{[]byte("four")}, false)

	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, 4)
	require.NoError(t, err)
	require.NoError(t, tx.MarkAwaitingDrop(ctx, rel.ID, 4))
	require.NoError(t, tx.Commit(ctx))

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{})
	require.NoError(t, err)
	defer s.Close()
	rids, got := scanAll(t, s)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two-a"), []byte("two-b")}, got)
	assert.Equal(t, []types.RowIdentifier{{SegmentNumber: 1, RowNumber: 1}, {SegmentNumber: 2, RowNumber: 1}, {SegmentNumber: 2, RowNumber: 2}}, rids)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{})
	require.NoError(t, err)
	defer f.Close()
	_, found, err := f.Fetch(ctx, types.RowIdentifier{SegmentNumber: 4, RowNumber: 1})
	require.NoError(t, err)
	assert.False(t, found, "awaiting drop segments are not fetched from")

	t.Run("rescan", func(t *testing.T) {
		require.NoError(t, s.Rescan(ctx))
		_, again := scanAll(t, s)
		assert.Equal(t, got, again)
	})
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)
	rids := writeRows(t, cat, rel, 1, [][]byte{[]byte("x"), []byte("y"), []byte("z")}, false)

	vm := visimap.New()
	vm.Delete(rids[1])

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{Visibility: vm})
	require.NoError(t, err)
	_, got := scanAll(t, s)
	require.NoError(t, s.Close())
	assert.Equal(t, [][]byte{[]byte("x"), []byte("z")}, got)

	s, err = scan.NewScanner(ctx, cat, rel, scan.Options{Visibility: vm, IgnoreVisibility: true})
	require.NoError(t, err)
	_, got = scanAll(t, s)
	require.NoError(t, s.Close())
	assert.Len(t, got, 3)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{Visibility: vm})
	require.NoError(t, err)
	defer f.Close()
	_, found, err := f.Fetch(ctx, rids[1])
	require.NoError(t, err)
	assert.False(t, found)
	row, found, err := f.Fetch(ctx, rids[2])
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("z"), row)
}

func TestFetchGapAfterAbort(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)
	kept := writeRows(t, cat, rel, 1, [][]byte{[]byte("first")}, false)
	aborted := writeRows(t, cat, rel, 1, [][]byte{[]byte("ghost")}, true)
	later := writeRows(t, cat, rel, 1, [][]byte{[]byte("second")}, false)
	require.Greater(t, later[0].RowNumber, aborted[0].RowNumber)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{})
	require.NoError(t, err)
	defer f.Close()

	for _, tt := range []struct {
		rid   types.RowIdentifier
		found bool
		want  string
	}{
		{kept[0], true, "first"},
		{aborted[0], false, ""},
		{later[0], true, "second"},
	} {
		row, found, err := f.Fetch(ctx, tt.rid)
		require.NoError(t, err)
		assert.Equal(t, tt.found, found, "row %s", tt.rid)
		if tt.found {
			assert.Equal(t, tt.want, string(row))
		}
	}

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{})
	require.NoError(t, err)
	defer s.Close()
	_, got := scanAll(t, s)
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, got)
}

func TestFetcherSeesLaterCommits(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)
	first := writeRows(t, cat, rel, 1, [][]byte{[]byte("one")}, false)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{})
	require.NoError(t, err)
	defer f.Close()
	_, found, err := f.Fetch(ctx, first[0])
	require.NoError(t, err)
	require.True(t, found)

	second := writeRows(t, cat, rel, 1, [][]byte{[]byte("two")}, false)
	row, found, err := f.Fetch(ctx, second[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("two"), row)
}

func TestSharedBlockCache(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768, CompressType: "lz4"}, 1)
	rids := writeRows(t, cat, rel, 1, randomRows(7, 50, 0), false)

	cache, err := scan.NewBlockCache(1 << 20)
	require.NoError(t, err)
	defer cache.Close()

	a, err := scan.NewFetcher(cat, rel, cache, scan.Options{})
	require.NoError(t, err)
	defer a.Close()
	want, found, err := a.Fetch(ctx, rids[10])
	require.NoError(t, err)
	require.True(t, found)
	want = append([]byte(nil), want...)
	cache.Wait()

	b, err := scan.NewFetcher(cat, rel, cache, scan.Options{})
	require.NoError(t, err)
	defer b.Close()
	misses := counterValue(metrics.FetchTotal.WithLabelValues("miss"))
	got, found, err := b.Fetch(ctx, rids[10])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.Equal(t, misses, counterValue(metrics.FetchTotal.WithLabelValues("miss")))

	none, err := scan.NewBlockCache(0)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSharedBlockCacheKeepsUpgradePerFetcher(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192}, 1)

	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, rel.ID, 1, catalog.Update{FormatVersion: types.FormatV1}))
	require.NoError(t, tx.Commit(ctx))
	rids := writeRows(t, cat, rel, 1, [][]byte{[]byte("abc"), []byte("defgh")}, false)

	cache, err := scan.NewBlockCache(1 << 20)
	require.NoError(t, err)
	defer cache.Close()

	plain, err := scan.NewFetcher(cat, rel, cache, scan.Options{})
	require.NoError(t, err)
	defer plain.Close()
	row, found, err := plain.Fetch(ctx, rids[1])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("defgh"), row)
	cache.Wait()

	upper, err := scan.NewFetcher(cat, rel, cache, scan.Options{
		Upgrade: func(row []byte, _ types.FormatVersion) ([]byte, error) { return bytes.ToUpper(row), nil },
	})
	require.NoError(t, err)
	defer upper.Close()
	row, found, err = upper.Fetch(ctx, rids[1])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("DEFGH"), row)
	cache.Wait()

	row, found, err = plain.Fetch(ctx, rids[0])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("abc"), row)
}

func TestLegacyFormatUpgrade(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 8192}, 1)

	tx := cat.Begin()
	_, err := tx.LockForUpdate(ctx, rel.ID, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, rel.ID, 1, catalog.Update{FormatVersion: types.FormatV1}))
	require.NoError(t, tx.Commit(ctx))
	rids := writeRows(t, cat, rel, 1, [][]byte{[]byte("abc"), []byte("defgh")}, false)

	upgrade := func(row []byte, from types.FormatVersion) ([]byte, error) {
		if from != types.FormatV1 {
			return nil, fmt.Errorf("unexpected version %d", from)
		}
		return bytes.ToUpper(row), nil
	}

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{Upgrade: upgrade})
	require.NoError(t, err)
	defer s.Close()
	_, got := scanAll(t, s)
	assert.Equal(t, [][]byte{[]byte("ABC"), []byte("DEFGH")}, got)

	f, err := scan.NewFetcher(cat, rel, nil, scan.Options{Upgrade: upgrade})
	require.NoError(t, err)
	defer f.Close()
	row, found, err := f.Fetch(ctx, rids[1])
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("DEFGH"), row)

	// on-disk bytes keep the legacy lowercase rows
	raw, err := os.ReadFile(segfile.PathFor(rel.BasePath, 1, segfile.NoColumn))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(raw, []byte("abc")))
}

func TestScanCancellation(t *testing.T) {
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)
	writeRows(t, cat, rel, 1, [][]byte{[]byte("r")}, false)

	s, err := scan.NewScanner(context.Background(), cat, rel, scan.Options{})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.Next(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestScanCorruptBlock(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768, Checksum: true}, 1)
	writeRows(t, cat, rel, 1, [][]byte{[]byte("good row"), []byte("another good row")}, false)

	path := segfile.PathFor(rel.BasePath, 1, segfile.NoColumn)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[block.HeaderSize+6] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{})
	require.NoError(t, err)
	defer s.Close()
	_, _, err = s.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, block.ErrCorrupt))

	var ce *block.CorruptError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Path)
	assert.Equal(t, 1, ce.Segment)
	assert.Zero(t, ce.Offset)
}

func TestCloseRunsHookOnce(t *testing.T) {
	ctx := context.Background()
	cat, rel := setup(t, types.RelationOptions{BlockSize: 32768}, 1)

	calls := 0
	s, err := scan.NewScanner(ctx, cat, rel, scan.Options{OnClose: func() { calls++ }})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, calls)

	_, _, err = s.Next(ctx)
	assert.True(t, errors.Is(err, scan.ErrClosed))
}
