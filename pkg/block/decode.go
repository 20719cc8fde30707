package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/types"
)

// Decoded is a materialized block. Rows alias Content.
type Decoded struct {
	Header  Header
	Content []byte
	Rows    [][]byte
}

// Covers reports whether rowNum is stored in the block.
func (d *Decoded) Covers(rowNum int64) bool {
	return d != nil && rowNum >= d.Header.FirstRow && rowNum < d.Header.FirstRow+int64(d.Header.RowCount)
}

// Row returns the row with the given number, or nil if the block does not hold it.
func (d *Decoded) Row(rowNum int64) []byte {
	if !d.Covers(rowNum) {
		return nil
	}
	return d.Rows[rowNum-d.Header.FirstRow]
}

// Decoder turns stored block content back into rows.
type Decoder struct {
	codec   codec.Codec
	upgrade types.RowUpgrader
}

func NewDecoder(c codec.Codec, upgrade types.RowUpgrader) *Decoder {
	if c == nil {
		c = codec.None{}
	}
	return &Decoder{codec: c, upgrade: upgrade}
}

// Decode verifies and decompresses stored content and splits it into rows.
// When reuse is non-nil its Content buffer is recycled.
func (d *Decoder) Decode(h Header, stored []byte, reuse *Decoded) (*Decoded, error) {
	if len(stored) != int(h.StoredLen) {
		return nil, fmt.Errorf("%w: read %d content bytes, header says %d", ErrCorrupt, len(stored), h.StoredLen)
	}
	if h.HasChecksum() {
		if got := crc32.Checksum(stored, crcTable); got != h.ContentCRC {
			return nil, fmt.Errorf("%w: content checksum %08x, computed %08x", ErrCorrupt, h.ContentCRC, got)
		}
	}

	out := reuse
	if out == nil {
		out = &Decoded{}
	}
	out.Header = h

	if h.Compressed() {
		content, err := d.codec.Decompress(out.Content, stored, int(h.RawLen))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress with %s: %v", ErrCorrupt, d.codec.Name(), err)
		}
		out.Content = content
	} else {
		out.Content = append(out.Content[:0], stored...)
	}

	rows, err := SplitRows(h, out.Content, out.Rows[:0])
	if err != nil {
		return nil, err
	}
	out.Rows = rows

	if h.Version < types.LatestFormat && d.upgrade != nil {
		for i, row := range out.Rows {
			upgraded, err := d.upgrade(row, h.Version)
			if err != nil {
				return nil, fmt.Errorf("upgrade row %d from format %d: %w", h.FirstRow+int64(i), h.Version, err)
			}
			out.Rows[i] = upgraded
		}
	}
	return out, nil
}

// SplitRows slices uncompressed content into the rows the header promises.
func SplitRows(h Header, content []byte, rows [][]byte) ([][]byte, error) {
	if h.Kind == KindSingleRow {
		return append(rows, content), nil
	}

	pos := 0
	for i := int32(0); i < h.RowCount; i++ {
		if pos+ItemHeaderSize > len(content) {
			return nil, fmt.Errorf("%w: row count mismatch, header says %d, content holds %d", ErrCorrupt, h.RowCount, i)
		}
		n := int(binary.BigEndian.Uint32(content[pos : pos+ItemHeaderSize]))
		start := pos + ItemHeaderSize
		if n > len(content)-start {
			return nil, fmt.Errorf("%w: row %d length %d overruns content", ErrCorrupt, h.FirstRow+int64(i), n)
		}
		rows = append(rows, content[start:start+n])
		pos += ItemLen(n, h.Version)
	}
	if pos != len(content) {
		return nil, fmt.Errorf("%w: row count mismatch, %d trailing bytes after %d rows", ErrCorrupt, len(content)-pos, h.RowCount)
	}
	return rows, nil
}
