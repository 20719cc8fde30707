package types

import "fmt"

// MaxConcurrency bounds segment numbers: 0 <= segno < MaxConcurrency.
// Segment 0 is reserved for non-concurrent bulk operations.
const MaxConcurrency = 128

// UnknownEOF marks an eof_uncompressed recorded before the column existed.
const UnknownEOF int64 = -1

type RelationID uint32

type SegmentState int16

const (
	// SegmentStateUseCurrent leaves the stored state unchanged. Never persisted.
	SegmentStateUseCurrent   SegmentState = 0
	SegmentStateDefault      SegmentState = 1
	SegmentStateAwaitingDrop SegmentState = 2
)

func (s SegmentState) String() string {
	switch s {
	case SegmentStateUseCurrent:
		return "use-current"
	case SegmentStateDefault:
		return "default"
	case SegmentStateAwaitingDrop:
		return "awaiting-drop"
	default:
		return fmt.Sprintf("state(%d)", int16(s))
	}
}

// FormatVersion identifies the block layout a segment is written with.
type FormatVersion int16

const (
	// FormatV1 pads every row item to an 8-byte boundary.
	FormatV1 FormatVersion = 1
	// FormatV2 packs row items without padding.
	FormatV2 FormatVersion = 2

	LatestFormat = FormatV2
)

func (v FormatVersion) Valid() bool {
	return v >= FormatV1 && v <= LatestFormat
}

// SegmentFileInfo is the catalog row describing one segment file.
type SegmentFileInfo struct {
	Relation          RelationID
	SegmentNumber     int
	EOF               int64
	EOFUncompressed   int64
	TotalTupleCount   int64
	BlockCount        int64
	ModificationCount int64
	FormatVersion     FormatVersion
	State             SegmentState
}

// HasUncompressedEOF reports whether EOFUncompressed holds a real length.
func (s SegmentFileInfo) HasUncompressedEOF() bool {
	return s.EOFUncompressed != UnknownEOF
}

// Live reports whether a sequential scan should visit the segment.
func (s SegmentFileInfo) Live() bool {
	return s.State != SegmentStateAwaitingDrop && s.EOF > 0
}

func ValidSegmentNumber(segno int) bool {
	return segno >= 0 && segno < MaxConcurrency
}
