package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/types"
)

// Fit is the outcome of checking a row against block capacity.
type Fit int

const (
	// Fits means the row can live in a multi-row block.
	Fits Fit = iota
	// TooLargeForBlock means the row needs a dedicated large content block.
	TooLargeForBlock
	// ExceedsMaximum means the row can not be stored at all.
	ExceedsMaximum
)

func (f Fit) String() string {
	switch f {
	case Fits:
		return "fits"
	case TooLargeForBlock:
		return "too-large-for-block"
	case ExceedsMaximum:
		return "exceeds-maximum"
	default:
		return fmt.Sprintf("fit(%d)", int(f))
	}
}

type BuilderOptions struct {
	BlockSize int
	Version   types.FormatVersion
	Codec     codec.Codec
	Checksum  bool
	// MinSavings is how many bytes compression must save before the
	// compressed form is kept.
	MinSavings int
}

// Builder packs rows into one in-progress block at a time. It owns its
// buffers and is not safe for concurrent use.
type Builder struct {
	opts     BuilderOptions
	capacity int

	content  []byte
	firstRow int64
	count    int32

	compressed []byte
	out        []byte
}

func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if !ValidBlockSize(opts.BlockSize) {
		return nil, fmt.Errorf("invalid block size %d", opts.BlockSize)
	}
	if !opts.Version.Valid() {
		return nil, fmt.Errorf("invalid format version %d", opts.Version)
	}
	if opts.Codec == nil {
		opts.Codec = codec.None{}
	}
	if opts.MinSavings < 0 {
		opts.MinSavings = 0
	}

	capacity := opts.BlockSize - HeaderSize - codec.Overrun(opts.Codec, opts.BlockSize)
	if capacity < ItemHeaderSize+1 {
		return nil, fmt.Errorf("block size %d leaves no room for rows with %s", opts.BlockSize, opts.Codec.Name())
	}

	return &Builder{
		opts:     opts,
		capacity: capacity,
		content:  make([]byte, 0, capacity),
		out:      make([]byte, 0, opts.BlockSize),
	}, nil
}

// Capacity is the content space of an empty block.
func (b *Builder) Capacity() int { return b.capacity }

// Remaining is the content space left in the in-progress block.
func (b *Builder) Remaining() int { return b.capacity - len(b.content) }

// Rows is the number of rows in the in-progress block.
func (b *Builder) Rows() int { return int(b.count) }

// Version is the format version blocks are encoded with.
func (b *Builder) Version() types.FormatVersion { return b.opts.Version }

// FirstRow is the row number of the first row in the in-progress block.
func (b *Builder) FirstRow() int64 { return b.firstRow }

// ItemLen is the encoded size of a rowLen byte row inside a multi-row block.
func ItemLen(rowLen int, version types.FormatVersion) int {
	n := ItemHeaderSize + rowLen
	if version == types.FormatV1 {
		n = align8(n)
	}
	return n
}

func align8(n int) int { return (n + 7) &^ 7 }

// Check classifies a row against the block capacity and the row size limit.
func (b *Builder) Check(rowLen, maxRow int) Fit {
	if maxRow <= 0 || maxRow > MaxContentLength {
		maxRow = MaxContentLength
	}
	switch {
	case rowLen > maxRow:
		return ExceedsMaximum
	case ItemLen(rowLen, b.opts.Version) > b.capacity:
		return TooLargeForBlock
	default:
		return Fits
	}
}

// HasRoom reports whether a row of rowLen bytes fits the in-progress block.
func (b *Builder) HasRoom(rowLen int) bool {
	return ItemLen(rowLen, b.opts.Version) <= b.Remaining()
}

// Add appends a row. Callers check HasRoom first.
func (b *Builder) Add(rowNum int64, row []byte) {
	if b.count == 0 {
		b.firstRow = rowNum
	}
	var lenBuf [ItemHeaderSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(row)))
	b.content = append(b.content, lenBuf[:]...)
	b.content = append(b.content, row...)
	if pad := ItemLen(len(row), b.opts.Version) - ItemHeaderSize - len(row); pad > 0 {
		var zero [8]byte
		b.content = append(b.content, zero[:pad]...)
	}
	b.count++
}

// Finished describes one encoded block.
type Finished struct {
	Header Header
	// Bytes is header plus stored content. It is reused by the next Finish.
	Bytes []byte
	// FellBack is set when compression was attempted and did not pay off.
	FellBack bool
}

// Finish encodes the in-progress block and resets the builder.
func (b *Builder) Finish() (Finished, error) {
	if b.count == 0 {
		return Finished{}, fmt.Errorf("finish called on an empty block")
	}

	kind := KindMultiRow
	raw := b.content
	if b.count == 1 {
		kind = KindSingleRow
		n := binary.BigEndian.Uint32(raw[:ItemHeaderSize])
		raw = raw[ItemHeaderSize : ItemHeaderSize+int(n)]
	}

	h := Header{
		Kind:     kind,
		Version:  b.opts.Version,
		RowCount: b.count,
		FirstRow: b.firstRow,
		RawLen:   uint32(len(raw)),
	}

	stored := raw
	var fellBack bool
	if !codec.IsNone(b.opts.Codec) {
		c, err := b.opts.Codec.Compress(b.compressed, raw)
		if err != nil {
			return Finished{}, fmt.Errorf("compress block at row %d: %w", b.firstRow, err)
		}
		b.compressed = c
		if len(c)+b.opts.MinSavings < len(raw) {
			stored = c
			h.Flags |= FlagCompressed
		} else {
			fellBack = true
		}
	}
	h.StoredLen = uint32(len(stored))

	b.out, h = encode(b.out, h, stored, b.opts.Checksum)
	b.content = b.content[:0]
	b.count = 0
	b.firstRow = 0

	return Finished{Header: h, Bytes: b.out, FellBack: fellBack}, nil
}

// EncodeLarge builds a dedicated uncompressed block for one oversized row.
func EncodeLarge(dst []byte, rowNum int64, row []byte, version types.FormatVersion, checksum bool) ([]byte, Header, error) {
	if len(row) > MaxContentLength {
		return nil, Header{}, fmt.Errorf("row of %d bytes exceeds maximum content length %d", len(row), MaxContentLength)
	}
	h := Header{
		Kind:      KindSingleRow,
		Flags:     FlagLargeContent,
		Version:   version,
		RowCount:  1,
		FirstRow:  rowNum,
		StoredLen: uint32(len(row)),
		RawLen:    uint32(len(row)),
	}
	out, h := encode(dst, h, row, checksum)
	return out, h, nil
}

func encode(dst []byte, h Header, stored []byte, checksum bool) ([]byte, Header) {
	if checksum {
		h.Flags |= FlagChecksum
		h.ContentCRC = crc32.Checksum(stored, crcTable)
	}
	need := HeaderSize + len(stored)
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	h.Encode(dst[:HeaderSize])
	copy(dst[HeaderSize:], stored)
	return dst, h
}
