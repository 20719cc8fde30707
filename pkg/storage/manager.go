// Package storage ties the catalog, writers and readers of append-only
// relations together behind one Manager.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/downfa11-org/aostore/pkg/block"
	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/codec"
	"github.com/downfa11-org/aostore/pkg/config"
	"github.com/downfa11-org/aostore/pkg/insert"
	"github.com/downfa11-org/aostore/pkg/scan"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

var ErrRelationBusy = errors.New("storage: relation has active readers")

type Manager struct {
	cfg   *config.Config
	cat   *catalog.Catalog
	cache *scan.BlockCache

	mu            sync.Mutex
	activeReaders map[types.RelationID]*int32
}

// NewManager opens the catalog and data directory described by cfg.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	cfg.Normalize()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	if dir := filepath.Dir(cfg.CatalogPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory %s: %w", dir, err)
		}
	}

	cat, err := catalog.Open(ctx, cfg.CatalogPath, catalog.Options{BusyTimeoutMS: cfg.BusyTimeoutMS})
	if err != nil {
		return nil, err
	}
	cache, err := scan.NewBlockCache(cfg.BlockCacheBytes)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	return &Manager{
		cfg:           cfg,
		cat:           cat,
		cache:         cache,
		activeReaders: make(map[types.RelationID]*int32),
	}, nil
}

func (m *Manager) Catalog() *catalog.Catalog { return m.cat }

func (m *Manager) Config() *config.Config { return m.cfg }

func (m *Manager) Close() error {
	m.cache.Close()
	return m.cat.Close()
}

// ValidateOptions checks that opts describe a block size and codec the
// engine can write.
func ValidateOptions(opts types.RelationOptions) error {
	if !block.ValidBlockSize(opts.BlockSize) {
		return fmt.Errorf("invalid block size %d: must be a multiple of %d in [%d, %d]",
			opts.BlockSize, block.MinBlockSize, block.MinBlockSize, block.MaxBlockSize)
	}
	if _, err := codec.Lookup(opts.CompressType, opts.CompressLevel); err != nil {
		return err
	}
	return nil
}

func (m *Manager) basePath(id types.RelationID) string {
	return filepath.Join(m.cfg.DataDir, strconv.FormatUint(uint64(id), 10))
}

// CreateRelation registers a relation. id 0 picks the next free id and nil
// opts take the configured defaults. Segment 0's file is created empty so
// that it always exists.
func (m *Manager) CreateRelation(ctx context.Context, id types.RelationID, opts *types.RelationOptions) (types.Relation, error) {
	o := m.cfg.RelationOptions()
	if opts != nil {
		o = *opts
	}
	if err := ValidateOptions(o); err != nil {
		return types.Relation{}, fmt.Errorf("create relation: %w", err)
	}
	if id == 0 {
		next, err := m.cat.NextRelationID(ctx)
		if err != nil {
			return types.Relation{}, err
		}
		id = next
	}

	rel := types.Relation{ID: id, BasePath: m.basePath(id), Options: o}
	tx := m.cat.Begin()
	if err := tx.CreateRelation(ctx, rel); err != nil {
		tx.Abort()
		return types.Relation{}, err
	}
	f, err := segfile.Open(rel.BasePath, segfile.ModeAppend)
	if err != nil {
		tx.Abort()
		return types.Relation{}, fmt.Errorf("create relation %d: %w", id, err)
	}
	_ = f.Close()
	if err := tx.Commit(ctx); err != nil {
		tx.Abort()
		return types.Relation{}, err
	}
	util.Info("relation %d created at %s (block %d, %s)", id, rel.BasePath, o.BlockSize, o.CompressType)
	return rel, nil
}

func (m *Manager) Relation(ctx context.Context, id types.RelationID) (types.Relation, error) {
	return m.cat.Relation(ctx, id)
}

// OpenWriter locks segno of the relation in tx, registering the segment on
// first use, and opens a writer on it.
func (m *Manager) OpenWriter(ctx context.Context, tx *catalog.Tx, id types.RelationID, segno int) (*insert.Writer, error) {
	rel, err := m.cat.Relation(ctx, id)
	if err != nil {
		return nil, err
	}
	_, found, err := tx.Read(ctx, id, segno, catalog.ReadOptions{MissingOK: true})
	if err != nil {
		return nil, err
	}
	if found {
		_, err = tx.LockForUpdate(ctx, id, segno)
	} else {
		_, err = tx.Register(ctx, id, segno)
	}
	if err != nil {
		return nil, err
	}
	return insert.Open(ctx, tx, m.cat.Sequences(), rel, segno, insert.Options{
		SeqBatchSize: m.cfg.SeqBatchSize,
		MinSavings:   m.cfg.MinSavings,
	})
}

func (m *Manager) readerCount(id types.RelationID) *int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readerCountLocked(id)
}

func (m *Manager) readerCountLocked(id types.RelationID) *int32 {
	n, ok := m.activeReaders[id]
	if !ok {
		n = new(int32)
		m.activeReaders[id] = n
	}
	return n
}

// ActiveReaders is the number of open scanners and fetchers of a relation.
func (m *Manager) ActiveReaders(id types.RelationID) int32 {
	return atomic.LoadInt32(m.readerCount(id))
}

// trackReader counts a reader until the returned hook runs.
func (m *Manager) trackReader(id types.RelationID, opts *scan.Options) {
	// registered under mu so Reclaim can check and truncate atomically
	m.mu.Lock()
	n := m.readerCountLocked(id)
	atomic.AddInt32(n, 1)
	m.mu.Unlock()
	prev := opts.OnClose
	opts.OnClose = func() {
		atomic.AddInt32(n, -1)
		if prev != nil {
			prev()
		}
	}
}

func (m *Manager) NewScanner(ctx context.Context, id types.RelationID, opts scan.Options) (*scan.Scanner, error) {
	rel, err := m.cat.Relation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.trackReader(id, &opts)
	s, err := scan.NewScanner(ctx, m.cat, rel, opts)
	if err != nil {
		opts.OnClose()
		return nil, err
	}
	return s, nil
}

func (m *Manager) NewFetcher(ctx context.Context, id types.RelationID, opts scan.Options) (*scan.Fetcher, error) {
	rel, err := m.cat.Relation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.trackReader(id, &opts)
	f, err := scan.NewFetcher(m.cat, rel, m.cache, opts)
	if err != nil {
		opts.OnClose()
		return nil, err
	}
	return f, nil
}

// DropRelation removes the relation from the catalog and unlinks its files.
func (m *Manager) DropRelation(ctx context.Context, id types.RelationID) error {
	if n := m.ActiveReaders(id); n > 0 {
		return fmt.Errorf("drop relation %d: %w (%d)", id, ErrRelationBusy, n)
	}
	rel, err := m.cat.Relation(ctx, id)
	if err != nil {
		return err
	}
	segments, err := m.cat.ReadAll(ctx, id)
	if err != nil {
		return err
	}

	tx := m.cat.Begin()
	if err := tx.DropRelation(ctx, id); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Abort()
		return err
	}
	m.cache.Purge()

	if err := segfile.UnlinkAll(rel.BasePath); err != nil {
		util.Error("drop relation %d: unlink %s: %v", id, rel.BasePath, err)
	}
	// numbered files past a gap are not reached by UnlinkAll
	for _, info := range segments {
		if err := segfile.RemoveSegment(rel.BasePath, info.SegmentNumber); err != nil {
			util.Error("drop relation %d: %v", id, err)
		}
	}

	m.mu.Lock()
	delete(m.activeReaders, id)
	m.mu.Unlock()
	util.Info("relation %d dropped", id)
	return nil
}

// CopyRelation duplicates the files and catalog rows of src into a new
// relation dst. Sequence counters carry over in the same catalog commit so
// copied row identifiers keep resolving and new rows never reuse them.
func (m *Manager) CopyRelation(ctx context.Context, srcID, dstID types.RelationID, mirror segfile.ChunkMirror) (types.Relation, error) {
	src, err := m.cat.Relation(ctx, srcID)
	if err != nil {
		return types.Relation{}, err
	}
	segments, err := m.cat.ReadAll(ctx, srcID)
	if err != nil {
		return types.Relation{}, err
	}
	dst, err := m.CreateRelation(ctx, dstID, &src.Options)
	if err != nil {
		return types.Relation{}, err
	}

	copied, err := segfile.CopyAll(ctx, src.BasePath, dst.BasePath, segfile.CopyOptions{
		ChunkSize: m.cfg.CopyChunkSize,
		Mirror:    mirror,
	})
	if err != nil {
		m.dropQuietly(ctx, dst.ID)
		return types.Relation{}, err
	}
	util.Debug("copied %d segment files of relation %d", len(copied), srcID)

	tx := m.cat.Begin()
	if err := m.copySegmentRows(ctx, tx, srcID, dst.ID, segments); err != nil {
		tx.Abort()
		m.dropQuietly(ctx, dst.ID)
		return types.Relation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Abort()
		m.dropQuietly(ctx, dst.ID)
		return types.Relation{}, err
	}

	util.Info("relation %d copied to %d", srcID, dst.ID)
	return dst, nil
}

func (m *Manager) copySegmentRows(ctx context.Context, tx *catalog.Tx, srcID, dstID types.RelationID, segments []types.SegmentFileInfo) error {
	for _, info := range segments {
		if _, err := tx.Register(ctx, dstID, info.SegmentNumber); err != nil {
			return err
		}
		eof := info.EOF
		u := catalog.Update{
			EOF:           &eof,
			TuplesDelta:   info.TotalTupleCount,
			BlocksDelta:   info.BlockCount,
			ModCountDelta: info.ModificationCount,
			State:         info.State,
			FormatVersion: info.FormatVersion,
		}
		if info.HasUncompressedEOF() {
			logical := info.EOFUncompressed
			u.EOFUncompressed = &logical
		}
		if err := tx.Update(ctx, dstID, info.SegmentNumber, u); err != nil {
			return err
		}

		last, err := m.cat.Sequences().ReadLast(ctx, srcID, info.SegmentNumber)
		if err != nil {
			return err
		}
		if err := tx.RaiseSequence(ctx, dstID, info.SegmentNumber, last); err != nil {
			return err
		}

		entries, err := m.cat.BlockEntries(ctx, srcID, info.SegmentNumber)
		if err != nil {
			return err
		}
		for _, e := range entries {
			e.Relation = dstID
			if err := tx.AddBlockEntry(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) dropQuietly(ctx context.Context, id types.RelationID) {
	if err := m.DropRelation(ctx, id); err != nil {
		util.Error("cleanup of relation %d failed: %v", id, err)
	}
}
