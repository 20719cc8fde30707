package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// fetchSegment is the fetcher's view of one segment. seg is nil when the
// segment has nothing to fetch from.
type fetchSegment struct {
	info types.SegmentFileInfo
	seg  *segmentFile
}

// Fetcher resolves row identifiers to rows through the block directory. It
// keeps the last decoded block so that runs of nearby row numbers are served
// without I/O.
type Fetcher struct {
	cat     Catalog
	rel     types.Relation
	opts    Options
	decoder *block.Decoder
	cache   *BlockCache

	segments map[int]*fetchSegment

	cur       *block.Decoded
	curSeg    int
	curShared bool
	scratch   []byte

	closed    bool
	closeOnce sync.Once
}

// NewFetcher creates a fetcher. cache may be nil.
func NewFetcher(cat Catalog, rel types.Relation, cache *BlockCache, opts Options) (*Fetcher, error) {
	c, err := codec.Lookup(rel.Options.CompressType, rel.Options.CompressLevel)
	if err != nil {
		return nil, fmt.Errorf("fetch from relation %d: %w", rel.ID, err)
	}
	return &Fetcher{
		cat:      cat,
		rel:      rel,
		opts:     opts,
		decoder:  block.NewDecoder(c, opts.Upgrade),
		cache:    cache,
		segments: make(map[int]*fetchSegment),
	}, nil
}

// Fetch returns the row named by rid. found is false when the row was never
// committed, was reclaimed or is not visible. The returned slice must not be
// modified and is only valid until the next Fetch.
func (f *Fetcher) Fetch(ctx context.Context, rid types.RowIdentifier) ([]byte, bool, error) {
	if f.closed {
		return nil, false, ErrClosed
	}
	if !rid.Valid() {
		return f.absent()
	}

	if f.cur != nil && f.curSeg == rid.SegmentNumber && f.cur.Covers(rid.RowNumber) {
		return f.visibleRow(rid, "hit")
	}

	entry, ok, err := f.cat.LookupBlock(ctx, f.rel.ID, rid.SegmentNumber, rid.RowNumber)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return f.absent()
	}

	fs, err := f.segment(ctx, rid.SegmentNumber, false)
	if err != nil {
		return nil, false, err
	}
	if fs.seg == nil || entry.FileOffset >= fs.seg.eof {
		// the block may have been committed after the segment was mapped
		if fs, err = f.segment(ctx, rid.SegmentNumber, true); err != nil {
			return nil, false, err
		}
		if fs.seg == nil || entry.FileOffset >= fs.seg.eof {
			return f.absent()
		}
	}

	key := blockKey(f.rel.ID, entry)
	if d, ok := f.cache.get(key); ok && d.Covers(rid.RowNumber) && d.Header.Version >= types.LatestFormat {
		f.setCurrent(d, rid.SegmentNumber, true)
		return f.visibleRow(rid, "hit")
	}

	var reuse *block.Decoded
	if !f.curShared {
		reuse = f.cur
	}
	d, scratch, err := fs.seg.readBlock(entry.FileOffset, f.decoder, f.scratch, reuse)
	f.scratch = scratch
	if err != nil {
		f.cur = nil
		return nil, false, err
	}
	if !d.Covers(rid.RowNumber) {
		f.cur = nil
		return nil, false, fs.seg.corrupt(entry.FileOffset, fmt.Errorf("%w: block directory maps row %d to block [%d,+%d)",
			block.ErrCorrupt, rid.RowNumber, d.Header.FirstRow, d.Header.RowCount))
	}
	// rows of older formats went through this fetcher's upgrader, which
	// other fetchers may not share
	shared := f.cache != nil && d.Header.Version >= types.LatestFormat
	if shared {
		f.cache.put(key, d)
	}
	f.setCurrent(d, rid.SegmentNumber, shared)
	return f.visibleRow(rid, "miss")
}

func (f *Fetcher) setCurrent(d *block.Decoded, segno int, shared bool) {
	f.cur = d
	f.curSeg = segno
	f.curShared = shared
}

func (f *Fetcher) visibleRow(rid types.RowIdentifier, result string) ([]byte, bool, error) {
	if !f.opts.visible(rid) {
		return f.absent()
	}
	metrics.FetchTotal.WithLabelValues(result).Inc()
	return f.cur.Row(rid.RowNumber), true, nil
}

func (f *Fetcher) absent() ([]byte, bool, error) {
	metrics.FetchTotal.WithLabelValues("absent").Inc()
	return nil, false, nil
}

// segment returns the mapped segment, loading its catalog row on first use or
// when refresh is set.
func (f *Fetcher) segment(ctx context.Context, segno int, refresh bool) (*fetchSegment, error) {
	if fs, ok := f.segments[segno]; ok && !refresh {
		return fs, nil
	}
	if old, ok := f.segments[segno]; ok && old.seg != nil {
		if err := old.seg.Close(); err != nil {
			util.Warn("close segment %s: %v", old.seg.path, err)
		}
		if f.curSeg == segno {
			f.cur = nil
		}
	}
	delete(f.segments, segno)

	fs := &fetchSegment{}
	info, err := f.cat.Read(ctx, f.rel.ID, segno)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		f.segments[segno] = fs
		return fs, nil
	case err != nil:
		return nil, err
	}
	fs.info = info
	if info.Live() {
		seg, err := openSegment(f.rel, info)
		if err != nil {
			return nil, err
		}
		fs.seg = seg
	}
	f.segments[segno] = fs
	return fs, nil
}

func (f *Fetcher) Close() error {
	f.closeOnce.Do(func() {
		for _, fs := range f.segments {
			if fs.seg != nil {
				if err := fs.seg.Close(); err != nil {
					util.Warn("close segment %s: %v", fs.seg.path, err)
				}
			}
		}
		f.segments = nil
		f.cur = nil
		f.closed = true
		if f.opts.OnClose != nil {
			f.opts.OnClose()
		}
	})
	return nil
}
