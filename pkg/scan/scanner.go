package scan

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// Row is one scanned row. Data is only valid until the next call to Next.
type Row struct {
	ID   types.RowIdentifier
	Data []byte
}

// Scanner yields the rows of every live segment in segment-number order.
type Scanner struct {
	cat     Catalog
	rel     types.Relation
	opts    Options
	decoder *block.Decoder

	segments []types.SegmentFileInfo
	next     int

	seg     *segmentFile
	pos     int64
	cur     *block.Decoded
	rowIdx  int
	scratch []byte

	closed    bool
	closeOnce sync.Once
}

func NewScanner(ctx context.Context, cat Catalog, rel types.Relation, opts Options) (*Scanner, error) {
	c, err := codec.Lookup(rel.Options.CompressType, rel.Options.CompressLevel)
	if err != nil {
		return nil, fmt.Errorf("scan relation %d: %w", rel.ID, err)
	}
	s := &Scanner{
		cat:     cat,
		rel:     rel,
		opts:    opts,
		decoder: block.NewDecoder(c, opts.Upgrade),
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// init takes a fresh metadata snapshot and positions before the first row.
func (s *Scanner) init(ctx context.Context) error {
	all, err := s.cat.ReadAll(ctx, s.rel.ID)
	if err != nil {
		return fmt.Errorf("scan relation %d: %w", s.rel.ID, err)
	}
	live := all[:0]
	for _, info := range all {
		if info.Live() && s.wanted(info.SegmentNumber) {
			live = append(live, info)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].SegmentNumber < live[j].SegmentNumber })

	s.segments = live
	s.next = 0
	s.pos = 0
	if s.cur != nil {
		s.cur.Rows = s.cur.Rows[:0]
	}
	s.rowIdx = 0
	util.Debug("scan of relation %d over %d live segments", s.rel.ID, len(live))
	return nil
}

func (s *Scanner) wanted(segno int) bool {
	if len(s.opts.Segments) == 0 {
		return true
	}
	for _, n := range s.opts.Segments {
		if n == segno {
			return true
		}
	}
	return false
}

// Rescan restarts the scan from the first segment with a new snapshot.
func (s *Scanner) Rescan(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	s.closeSegment()
	return s.init(ctx)
}

// Next returns the next visible row. ok is false once every segment is
// exhausted. Cancellation is honoured between blocks.
func (s *Scanner) Next(ctx context.Context) (Row, bool, error) {
	if s.closed {
		return Row{}, false, ErrClosed
	}
	for {
		if s.cur != nil && s.rowIdx < len(s.cur.Rows) {
			i := s.rowIdx
			s.rowIdx++
			rid := types.RowIdentifier{SegmentNumber: s.seg.segno, RowNumber: s.cur.Header.FirstRow + int64(i)}
			if !s.opts.visible(rid) {
				continue
			}
			metrics.RowsScanned.Inc()
			return Row{ID: rid, Data: s.cur.Rows[i]}, true, nil
		}

		if err := ctx.Err(); err != nil {
			return Row{}, false, err
		}

		if s.seg != nil && s.pos < s.seg.eof {
			d, scratch, err := s.seg.readBlock(s.pos, s.decoder, s.scratch, s.cur)
			s.scratch = scratch
			if err != nil {
				return Row{}, false, err
			}
			s.cur = d
			s.rowIdx = 0
			s.pos += d.Header.OverallLen()
			continue
		}

		s.closeSegment()
		if s.next >= len(s.segments) {
			return Row{}, false, nil
		}
		info := s.segments[s.next]
		s.next++
		seg, err := openSegment(s.rel, info)
		if err != nil {
			return Row{}, false, err
		}
		s.seg = seg
		s.pos = 0
	}
}

func (s *Scanner) closeSegment() {
	if s.seg == nil {
		return
	}
	if err := s.seg.Close(); err != nil {
		util.Warn("close segment %s: %v", s.seg.path, err)
	}
	s.seg = nil
	if s.cur != nil {
		s.cur.Rows = s.cur.Rows[:0]
	}
	s.rowIdx = 0
}

func (s *Scanner) Close() error {
	s.closeOnce.Do(func() {
		s.closeSegment()
		s.closed = true
		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	})
	return nil
}
