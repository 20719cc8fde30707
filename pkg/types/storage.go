package types

import "context"

// VisibilityFilter reports whether a row has not been logically deleted.
type VisibilityFilter interface {
	IsVisible(rid RowIdentifier) bool
}

// BlockDirectory resolves a row number to the block that stores it.
// ok is false when the row number falls in a gap between indexed ranges.
type BlockDirectory interface {
	LookupBlock(ctx context.Context, rel RelationID, segno int, rowNum int64) (entry BlockEntry, ok bool, err error)
}

// BlockDirectoryWriter records block placement as the writer finalizes blocks.
type BlockDirectoryWriter interface {
	AddBlockEntry(entry BlockEntry) error
}

// RowUpgrader converts a row decoded from an older format version to the
// current representation. It must not retain or modify row.
type RowUpgrader func(row []byte, from FormatVersion) ([]byte, error)

// AllVisible is a VisibilityFilter that never hides a row.
type AllVisible struct{}

func (AllVisible) IsVisible(RowIdentifier) bool { return true }
