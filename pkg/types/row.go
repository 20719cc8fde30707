package types

import "fmt"

// RowIdentifier permanently names one inserted row. RowNumber is 1-based.
type RowIdentifier struct {
	SegmentNumber int
	RowNumber     int64
}

func (r RowIdentifier) String() string {
	return fmt.Sprintf("(%d,%d)", r.SegmentNumber, r.RowNumber)
}

func (r RowIdentifier) Valid() bool {
	return ValidSegmentNumber(r.SegmentNumber) && r.RowNumber > 0
}

// BlockEntry maps a contiguous row-number range to the block holding it.
type BlockEntry struct {
	Relation      RelationID
	SegmentNumber int
	FirstRow      int64
	FileOffset    int64
	RowCount      int32
}

// Covers reports whether rowNum falls inside the entry's range.
func (e BlockEntry) Covers(rowNum int64) bool {
	return rowNum >= e.FirstRow && rowNum < e.FirstRow+int64(e.RowCount)
}

// LastRow is the highest row number stored in the block.
func (e BlockEntry) LastRow() int64 {
	return e.FirstRow + int64(e.RowCount) - 1
}
