package scan

import (
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/types"
)

// BlockCache holds decoded blocks shared by the fetchers of one process.
// Cached blocks are read-only.
type BlockCache struct {
	c *ristretto.Cache[string, *block.Decoded]
}

// NewBlockCache returns a cache bounded by maxBytes of decoded content, or
// nil when maxBytes is not positive.
func NewBlockCache(maxBytes int64) (*BlockCache, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *block.Decoded]{
		NumCounters: 10 * (maxBytes/block.MinBlockSize + 1),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	return &BlockCache{c: c}, nil
}

func blockKey(rel types.RelationID, e types.BlockEntry) string {
	return fmt.Sprintf("%d/%d/%d@%d", rel, e.SegmentNumber, e.FirstRow, e.FileOffset)
}

func (b *BlockCache) get(key string) (*block.Decoded, bool) {
	if b == nil {
		return nil, false
	}
	return b.c.Get(key)
}

func (b *BlockCache) put(key string, d *block.Decoded) {
	if b == nil {
		return
	}
	b.c.Set(key, d, int64(cap(d.Content))+int64(len(d.Rows))*24)
}

// Wait blocks until buffered writes are applied.
func (b *BlockCache) Wait() {
	if b != nil {
		b.c.Wait()
	}
}

// Purge drops every cached block, e.g. after a relation was dropped and its
// id may be reused.
func (b *BlockCache) Purge() {
	if b != nil {
		b.c.Clear()
	}
}

func (b *BlockCache) Close() {
	if b != nil {
		b.c.Close()
	}
}
