package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/downfa11-org/aostore/pkg/types"
)

// Block header layout, big endian:
//
//	[0]     kind
//	[1]     flags
//	[2:4]   format version
//	[4:8]   row count
//	[8:16]  first row number
//	[16:20] stored content length
//	[20:24] uncompressed content length
//	[24:28] content crc32 (0 unless FlagChecksum)
//	[28:32] header crc32 over [0:28]
const HeaderSize = 32

// ItemHeaderSize prefixes every row inside a multi-row block.
const ItemHeaderSize = 4

// MaxContentLength is the largest content a single block may carry.
const MaxContentLength = 1<<30 - 1

const (
	MinBlockSize     = 8 * 1024
	MaxBlockSize     = 2 * 1024 * 1024
	DefaultBlockSize = 32 * 1024
)

type Kind uint8

const (
	KindMultiRow  Kind = 1
	KindSingleRow Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindMultiRow:
		return "multi-row"
	case KindSingleRow:
		return "single-row"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const (
	FlagCompressed   uint8 = 1 << 0
	FlagLargeContent uint8 = 1 << 1
	FlagChecksum     uint8 = 1 << 2

	knownFlags = FlagCompressed | FlagLargeContent | FlagChecksum
)

var ErrCorrupt = errors.New("corrupt block")

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Kind       Kind
	Flags      uint8
	Version    types.FormatVersion
	RowCount   int32
	FirstRow   int64
	StoredLen  uint32
	RawLen     uint32
	ContentCRC uint32
}

func (h Header) Compressed() bool   { return h.Flags&FlagCompressed != 0 }
func (h Header) LargeContent() bool { return h.Flags&FlagLargeContent != 0 }
func (h Header) HasChecksum() bool  { return h.Flags&FlagChecksum != 0 }

// OverallLen is the number of file bytes the block occupies.
func (h Header) OverallLen() int64 { return HeaderSize + int64(h.StoredLen) }

// LogicalLen is the block size had its content not been compressed.
func (h Header) LogicalLen() int64 { return HeaderSize + int64(h.RawLen) }

func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	dst[0] = byte(h.Kind)
	dst[1] = h.Flags
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.Version))
	binary.BigEndian.PutUint32(dst[4:8], uint32(h.RowCount))
	binary.BigEndian.PutUint64(dst[8:16], uint64(h.FirstRow))
	binary.BigEndian.PutUint32(dst[16:20], h.StoredLen)
	binary.BigEndian.PutUint32(dst[20:24], h.RawLen)
	binary.BigEndian.PutUint32(dst[24:28], h.ContentCRC)
	binary.BigEndian.PutUint32(dst[28:32], crc32.Checksum(dst[:28], crcTable))
}

// DecodeHeader parses and validates a block header.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(src))
	}
	if want, got := binary.BigEndian.Uint32(src[28:32]), crc32.Checksum(src[:28], crcTable); want != got {
		return Header{}, fmt.Errorf("%w: header checksum %08x, computed %08x", ErrCorrupt, want, got)
	}

	h := Header{
		Kind:       Kind(src[0]),
		Flags:      src[1],
		Version:    types.FormatVersion(binary.BigEndian.Uint16(src[2:4])),
		RowCount:   int32(binary.BigEndian.Uint32(src[4:8])),
		FirstRow:   int64(binary.BigEndian.Uint64(src[8:16])),
		StoredLen:  binary.BigEndian.Uint32(src[16:20]),
		RawLen:     binary.BigEndian.Uint32(src[20:24]),
		ContentCRC: binary.BigEndian.Uint32(src[24:28]),
	}

	switch {
	case h.Kind != KindMultiRow && h.Kind != KindSingleRow:
		return Header{}, fmt.Errorf("%w: unknown block kind %d", ErrCorrupt, h.Kind)
	case h.Flags&^knownFlags != 0:
		return Header{}, fmt.Errorf("%w: unknown flags %#x", ErrCorrupt, h.Flags)
	case !h.Version.Valid():
		return Header{}, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, h.Version)
	case h.FirstRow <= 0:
		return Header{}, fmt.Errorf("%w: first row number %d", ErrCorrupt, h.FirstRow)
	case h.RowCount <= 0:
		return Header{}, fmt.Errorf("%w: row count %d", ErrCorrupt, h.RowCount)
	case h.Kind == KindSingleRow && h.RowCount != 1:
		return Header{}, fmt.Errorf("%w: single-row block claims %d rows", ErrCorrupt, h.RowCount)
	case h.RawLen > MaxContentLength || h.StoredLen > MaxContentLength:
		return Header{}, fmt.Errorf("%w: content length %d exceeds maximum", ErrCorrupt, h.RawLen)
	case !h.Compressed() && h.StoredLen != h.RawLen:
		return Header{}, fmt.Errorf("%w: uncompressed block stored %d of %d bytes", ErrCorrupt, h.StoredLen, h.RawLen)
	case h.LargeContent() && (h.Compressed() || h.Kind != KindSingleRow):
		return Header{}, fmt.Errorf("%w: malformed large content block", ErrCorrupt)
	}
	return h, nil
}

// CorruptError carries the location of an undecodable block.
type CorruptError struct {
	Path    string
	Segment int
	Offset  int64
	Err     error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("segment %d file %s offset %d: %v", e.Segment, e.Path, e.Offset, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// ValidBlockSize reports whether size is a multiple of 8KiB within [8KiB, 2MiB].
func ValidBlockSize(size int) bool {
	return size >= MinBlockSize && size <= MaxBlockSize && size%MinBlockSize == 0
}
