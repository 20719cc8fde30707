// Package insert appends rows to one segment file of an append-only relation.
package insert

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/seqalloc"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

var (
	ErrAwaitingDrop = errors.New("insert: segment is awaiting drop")
	ErrRowTooLarge  = errors.New("insert: row exceeds maximum content length")
	ErrClosed       = errors.New("insert: writer closed")
)

// SegmentTx is the part of a catalog transaction the writer needs. The
// caller must hold the segment's row lock in it before Open.
type SegmentTx interface {
	Read(ctx context.Context, rel types.RelationID, segno int, opts catalog.ReadOptions) (types.SegmentFileInfo, bool, error)
	Update(ctx context.Context, rel types.RelationID, segno int, u catalog.Update) error
	types.BlockDirectoryWriter
}

// Sequencer hands out row numbers that are never reused.
type Sequencer interface {
	Allocate(ctx context.Context, objectID types.RelationID, segno int, minimum, count int64) (int64, error)
}

type Options struct {
	// SeqBatchSize is how many row numbers are reserved per allocation.
	SeqBatchSize int64
	// MaxRowSize caps a single row; 0 means block.MaxContentLength.
	MaxRowSize int
	// MinSavings is how many bytes compression has to save per block.
	MinSavings int
}

// State is the writer lifecycle. A writer that does not exist yet is idle:
// Open moves straight to StateBlockOpen.
type State int

const (
	StateBlockOpen State = iota + 1
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBlockOpen:
		return "block-open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Writer owns one segment file for the duration of a transaction.
type Writer struct {
	tx    SegmentTx
	seq   Sequencer
	rel   types.Relation
	segno int
	opts  Options

	file    *segfile.File
	out     *bufio.Writer
	builder *block.Builder
	large   []byte

	state  State
	broken error

	nextRow     int64
	reservedTop int64

	eof        int64
	logicalEOF int64
	tuples     int64
	blocks     int64
}

// Open positions a writer at the catalog eof of (rel, segno). Bytes past eof,
// left behind by an aborted writer, are truncated away first.
func Open(ctx context.Context, tx SegmentTx, seq Sequencer, rel types.Relation, segno int, opts Options) (*Writer, error) {
	info, _, err := tx.Read(ctx, rel.ID, segno, catalog.ReadOptions{RequireLocked: true})
	if err != nil {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}
	if info.State == types.SegmentStateAwaitingDrop {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, ErrAwaitingDrop)
	}
	if opts.SeqBatchSize <= 0 {
		opts.SeqBatchSize = seqalloc.DefaultBatchSize
	}

	c, err := codec.Lookup(rel.Options.CompressType, rel.Options.CompressLevel)
	if err != nil {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}
	builder, err := block.NewBuilder(block.BuilderOptions{
		BlockSize:  rel.Options.BlockSize,
		Version:    info.FormatVersion,
		Codec:      c,
		Checksum:   rel.Options.Checksum,
		MinSavings: opts.MinSavings,
	})
	if err != nil {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}

	path := segfile.PathFor(rel.BasePath, segno, segfile.NoColumn)
	if err := segfile.Truncate(path, info.EOF); err != nil {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}
	f, err := segfile.Open(path, segfile.ModeAppend)
	if err != nil {
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}
	size, err := f.Size()
	if err == nil && size < info.EOF {
		err = fmt.Errorf("segment file %s is %d bytes, catalog eof is %d", path, size, info.EOF)
	}
	var out *bufio.Writer
	if err == nil {
		out, err = f.AppendWriter(info.EOF, rel.Options.BlockSize)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open writer (%d,%d): %w", rel.ID, segno, err)
	}

	util.Debug("writer opened on %s at eof %d (format v%d, codec %s)", path, info.EOF, info.FormatVersion, c.Name())
	return &Writer{
		tx:         tx,
		seq:        seq,
		rel:        rel,
		segno:      segno,
		opts:       opts,
		file:       f,
		out:        out,
		builder:    builder,
		state:      StateBlockOpen,
		eof:        info.EOF,
		logicalEOF: info.EOFUncompressed,
	}, nil
}

func (w *Writer) State() State { return w.state }

// EOF is the segment length including every finalized block.
func (w *Writer) EOF() int64 { return w.eof }

// Inserted is the number of rows accepted so far.
func (w *Writer) Inserted() int64 { return w.tuples }

func (w *Writer) usable() error {
	if w.broken != nil {
		return w.broken
	}
	if w.state == StateClosed {
		return ErrClosed
	}
	return nil
}

func (w *Writer) fail(err error) error {
	w.broken = err
	util.Error("segment (%d,%d) writer failed: %v", w.rel.ID, w.segno, err)
	return err
}

// nextRowNumber consumes one reserved row number, reserving a new batch
// when the current one is used up.
func (w *Writer) nextRowNumber(ctx context.Context) (int64, error) {
	if w.nextRow == 0 || w.nextRow > w.reservedTop {
		first, err := w.seq.Allocate(ctx, w.rel.ID, w.segno, 1, w.opts.SeqBatchSize)
		if err != nil {
			return 0, fmt.Errorf("allocate row numbers for (%d,%d): %w", w.rel.ID, w.segno, err)
		}
		w.nextRow = first
		w.reservedTop = first + w.opts.SeqBatchSize - 1
	}
	n := w.nextRow
	w.nextRow++
	return n, nil
}

// Insert appends row and returns its permanent identifier.
func (w *Writer) Insert(ctx context.Context, row []byte) (types.RowIdentifier, error) {
	if err := w.usable(); err != nil {
		return types.RowIdentifier{}, err
	}

	fit := w.builder.Check(len(row), w.opts.MaxRowSize)
	if fit == block.ExceedsMaximum {
		return types.RowIdentifier{}, fmt.Errorf("%w: %d bytes", ErrRowTooLarge, len(row))
	}

	rowNum, err := w.nextRowNumber(ctx)
	if err != nil {
		return types.RowIdentifier{}, err
	}

	switch fit {
	case block.TooLargeForBlock:
		// rows stay in row-number order on disk
		if w.builder.Rows() > 0 {
			if err := w.finishBlock(); err != nil {
				return types.RowIdentifier{}, err
			}
		}
		buf, h, err := block.EncodeLarge(w.large, rowNum, row, w.builder.Version(), w.rel.Options.Checksum)
		if err != nil {
			return types.RowIdentifier{}, fmt.Errorf("%w: %v", ErrRowTooLarge, err)
		}
		w.large = buf
		if err := w.writeBlock(h, buf, false); err != nil {
			return types.RowIdentifier{}, err
		}
	default:
		if !w.builder.HasRoom(len(row)) {
			if err := w.finishBlock(); err != nil {
				return types.RowIdentifier{}, err
			}
		}
		w.builder.Add(rowNum, row)
	}

	w.tuples++
	metrics.RowsInserted.Inc()
	return types.RowIdentifier{SegmentNumber: w.segno, RowNumber: rowNum}, nil
}

func (w *Writer) finishBlock() error {
	fin, err := w.builder.Finish()
	if err != nil {
		return w.fail(err)
	}
	return w.writeBlock(fin.Header, fin.Bytes, fin.FellBack)
}

func (w *Writer) writeBlock(h block.Header, buf []byte, fellBack bool) error {
	offset := w.eof
	if _, err := w.out.Write(buf); err != nil {
		return w.fail(fmt.Errorf("write block at %s offset %d: %w", w.file.Path(), offset, err))
	}
	if err := w.tx.AddBlockEntry(types.BlockEntry{
		Relation:      w.rel.ID,
		SegmentNumber: w.segno,
		FirstRow:      h.FirstRow,
		FileOffset:    offset,
		RowCount:      h.RowCount,
	}); err != nil {
		return w.fail(err)
	}

	w.eof += h.OverallLen()
	if w.logicalEOF != types.UnknownEOF {
		w.logicalEOF += h.LogicalLen()
	}
	w.blocks++

	kind := h.Kind.String()
	if h.LargeContent() {
		kind = "large"
	}
	metrics.RecordBlockWrite(kind, len(buf), fellBack)
	util.Debug("block %s rows [%d,%d] written to %s at %d (%d bytes)",
		kind, h.FirstRow, h.FirstRow+int64(h.RowCount)-1, w.file.Path(), offset, len(buf))
	return nil
}

// Close finalizes the open block, makes the file durable and records the new
// lengths and counts in one catalog update. Closing twice is a no-op.
func (w *Writer) Close(ctx context.Context) error {
	if w.state == StateClosed {
		return w.broken
	}
	if w.broken != nil {
		w.release()
		return w.broken
	}

	if w.builder.Rows() > 0 {
		if err := w.finishBlock(); err != nil {
			w.release()
			return err
		}
	}
	if err := w.out.Flush(); err != nil {
		w.release()
		return w.fail(fmt.Errorf("flush %s: %w", w.file.Path(), err))
	}
	if err := w.file.Sync(); err != nil {
		w.release()
		return w.fail(fmt.Errorf("sync %s: %w", w.file.Path(), err))
	}
	path := w.file.Path()
	if err := w.file.Close(); err != nil {
		w.state = StateClosed
		return w.fail(fmt.Errorf("close %s: %w", path, err))
	}
	w.state = StateClosed

	if w.tuples == 0 {
		return nil
	}
	eof, logical := w.eof, w.logicalEOF
	u := catalog.Update{
		EOF:           &eof,
		TuplesDelta:   w.tuples,
		BlocksDelta:   w.blocks,
		ModCountDelta: 1,
	}
	if logical != types.UnknownEOF {
		u.EOFUncompressed = &logical
	}
	if err := w.tx.Update(ctx, w.rel.ID, w.segno, u); err != nil {
		return w.fail(fmt.Errorf("record segment (%d,%d): %w", w.rel.ID, w.segno, err))
	}
	util.Debug("segment (%d,%d) closed: eof %d, %d rows in %d blocks", w.rel.ID, w.segno, eof, w.tuples, w.blocks)
	return nil
}

// Discard drops the writer without touching the catalog, for a transaction
// that is about to abort. Bytes already written are truncated by the next Open.
func (w *Writer) Discard() {
	if w.state == StateClosed {
		return
	}
	w.release()
}

func (w *Writer) release() {
	if w.file != nil {
		_ = w.file.Close()
	}
	w.state = StateClosed
}
