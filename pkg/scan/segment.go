// Package scan reads rows back from append-only segment files, either
// sequentially or by row identifier.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/types"
	"golang.org/x/exp/mmap"
)

var ErrClosed = errors.New("scan: reader closed")

// Catalog is the metadata a reader needs. *catalog.Catalog satisfies it.
type Catalog interface {
	Read(ctx context.Context, rel types.RelationID, segno int) (types.SegmentFileInfo, error)
	ReadAll(ctx context.Context, rel types.RelationID) ([]types.SegmentFileInfo, error)
	types.BlockDirectory
}

type Options struct {
	// Visibility filters logically deleted rows. Nil means every row is visible.
	Visibility types.VisibilityFilter
	// IgnoreVisibility returns deleted rows too, for whole-segment diagnostics.
	IgnoreVisibility bool
	// Segments limits a scan to the listed segment numbers when non-empty.
	Segments []int
	// Upgrade converts rows decoded from blocks of an older format version.
	Upgrade types.RowUpgrader
	// OnClose runs once when the reader is closed.
	OnClose func()
}

func (o Options) visible(rid types.RowIdentifier) bool {
	if o.IgnoreVisibility || o.Visibility == nil {
		return true
	}
	return o.Visibility.IsVisible(rid)
}

// segmentFile is a read-only mapping of one segment, bounded by its
// catalog eof.
type segmentFile struct {
	path  string
	segno int
	eof   int64
	r     *mmap.ReaderAt
}

func openSegment(rel types.Relation, info types.SegmentFileInfo) (*segmentFile, error) {
	path := segfile.PathFor(rel.BasePath, info.SegmentNumber, segfile.NoColumn)
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", info.SegmentNumber, err)
	}
	if int64(r.Len()) < info.EOF {
		size := r.Len()
		_ = r.Close()
		return nil, &block.CorruptError{
			Path:    path,
			Segment: info.SegmentNumber,
			Offset:  int64(size),
			Err:     fmt.Errorf("%w: file is %d bytes, catalog eof is %d", block.ErrCorrupt, size, info.EOF),
		}
	}
	return &segmentFile{path: path, segno: info.SegmentNumber, eof: info.EOF, r: r}, nil
}

func (s *segmentFile) Close() error {
	return s.r.Close()
}

func (s *segmentFile) corrupt(offset int64, err error) error {
	return &block.CorruptError{Path: s.path, Segment: s.segno, Offset: offset, Err: err}
}

// readBlock decodes the block starting at offset. scratch receives the stored
// bytes and is returned for reuse.
func (s *segmentFile) readBlock(offset int64, dec *block.Decoder, scratch []byte, reuse *block.Decoded) (*block.Decoded, []byte, error) {
	start := time.Now()
	defer metrics.ObserveBlockRead(start)

	if offset+block.HeaderSize > s.eof {
		return nil, scratch, s.corrupt(offset, fmt.Errorf("%w: truncated block header before eof %d", block.ErrCorrupt, s.eof))
	}
	var hdr [block.HeaderSize]byte
	if _, err := s.r.ReadAt(hdr[:], offset); err != nil {
		return nil, scratch, fmt.Errorf("read block header %s@%d: %w", s.path, offset, err)
	}
	h, err := block.DecodeHeader(hdr[:])
	if err != nil {
		return nil, scratch, s.corrupt(offset, err)
	}
	if offset+h.OverallLen() > s.eof {
		return nil, scratch, s.corrupt(offset, fmt.Errorf("%w: block of %d bytes overruns eof %d", block.ErrCorrupt, h.OverallLen(), s.eof))
	}

	n := int(h.StoredLen)
	if cap(scratch) < n {
		scratch = make([]byte, n)
	}
	scratch = scratch[:n]
	if _, err := s.r.ReadAt(scratch, offset+block.HeaderSize); err != nil {
		return nil, scratch, fmt.Errorf("read block content %s@%d: %w", s.path, offset, err)
	}
	d, err := dec.Decode(h, scratch, reuse)
	if err != nil {
		return nil, scratch, s.corrupt(offset, err)
	}
	return d, scratch, nil
}
