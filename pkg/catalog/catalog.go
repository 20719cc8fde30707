// Package catalog persists append-only segment metadata, relation options and
// the block directory in a SQLite database.
//
// Mutations go through a Tx. A Tx buffers its changes, holds per-segment row
// locks for its whole lifetime and applies everything in one database
// transaction at Commit. Reads outside a Tx see the latest committed state.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/downfa11-org/aostore/pkg/seqalloc"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("catalog: not found")
	ErrAlreadyExists = errors.New("catalog: already exists")
	ErrNotLocked     = errors.New("catalog: segment row not locked by this transaction")
	ErrLockHeld      = errors.New("catalog: segment row locked by another transaction")
	ErrEOFDecrease   = errors.New("catalog: eof may not decrease")
	ErrTxDone        = errors.New("catalog: transaction already finished")
	ErrTxAborted     = errors.New("catalog: transaction aborted after contract violation")
)

type segKey struct {
	rel   types.RelationID
	segno int
}

type Options struct {
	BusyTimeoutMS int
}

type Catalog struct {
	db    *sql.DB
	alloc *seqalloc.Allocator

	mu    sync.Mutex
	locks map[segKey]string
}

// Open opens (creating if needed) the catalog database at path.
func Open(ctx context.Context, path string, opts Options) (*Catalog, error) {
	if opts.BusyTimeoutMS == 0 {
		opts.BusyTimeoutMS = DefaultBusyTimeoutMS
	}
	db, err := OpenDB(ctx, path, opts.BusyTimeoutMS)
	if err != nil {
		return nil, err
	}
	util.Debug("catalog opened at %s", path)
	return &Catalog{
		db:    db,
		alloc: seqalloc.New(db),
		locks: make(map[segKey]string),
	}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Sequences returns the row-number allocator sharing this catalog's database.
func (c *Catalog) Sequences() *seqalloc.Allocator {
	return c.alloc
}

// Begin starts a catalog transaction with a fresh transaction id.
func (c *Catalog) Begin() *Tx {
	return &Tx{
		cat:      c,
		id:       uuid.NewString(),
		created:  make(map[types.RelationID]types.Relation),
		dropped:  make(map[types.RelationID]bool),
		segments: make(map[segKey]*pendingSegment),
		locked:   make(map[segKey]struct{}),
	}
}

func (c *Catalog) acquire(k segKey, xid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.locks[k]; ok && owner != xid {
		return fmt.Errorf("%w: segment (%d,%d)", ErrLockHeld, k.rel, k.segno)
	}
	c.locks[k] = xid
	return nil
}

func (c *Catalog) release(xid string, keys map[segKey]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range keys {
		if c.locks[k] == xid {
			delete(c.locks, k)
		}
	}
}

func (c *Catalog) lockedByOther(rel types.RelationID, xid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, owner := range c.locks {
		if k.rel == rel && owner != xid {
			return true
		}
	}
	return false
}

// Relation returns the committed options of rel.
func (c *Catalog) Relation(ctx context.Context, rel types.RelationID) (types.Relation, error) {
	var r types.Relation
	var checksum int
	err := c.db.QueryRowContext(ctx,
		`SELECT relid, base_path, block_size, compress_type, compress_level, checksum
         FROM ao_relation WHERE relid = ?`, int64(rel)).
		Scan(&r.ID, &r.BasePath, &r.Options.BlockSize, &r.Options.CompressType, &r.Options.CompressLevel, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Relation{}, fmt.Errorf("relation %d: %w", rel, ErrNotFound)
	}
	if err != nil {
		return types.Relation{}, fmt.Errorf("read relation %d: %w", rel, err)
	}
	r.Options.Checksum = checksum != 0
	return r, nil
}

// Relations lists every committed relation ordered by id.
func (c *Catalog) Relations(ctx context.Context) ([]types.Relation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT relid, base_path, block_size, compress_type, compress_level, checksum
         FROM ao_relation ORDER BY relid`)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var out []types.Relation
	for rows.Next() {
		var r types.Relation
		var checksum int
		if err := rows.Scan(&r.ID, &r.BasePath, &r.Options.BlockSize, &r.Options.CompressType, &r.Options.CompressLevel, &checksum); err != nil {
			return nil, err
		}
		r.Options.Checksum = checksum != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextRelationID returns one more than the highest committed relation id.
func (c *Catalog) NextRelationID(ctx context.Context) (types.RelationID, error) {
	var maxID int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(relid), 0) FROM ao_relation`).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("next relation id: %w", err)
	}
	return types.RelationID(maxID + 1), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const segmentColumns = `relid, segno, eof, eof_uncompressed, tupcount, blockcount, modcount, formatversion, state`

func scanSegment(s rowScanner) (types.SegmentFileInfo, error) {
	var info types.SegmentFileInfo
	var eofUnc sql.NullInt64
	if err := s.Scan(&info.Relation, &info.SegmentNumber, &info.EOF, &eofUnc,
		&info.TotalTupleCount, &info.BlockCount, &info.ModificationCount,
		&info.FormatVersion, &info.State); err != nil {
		return info, err
	}
	info.EOFUncompressed = types.UnknownEOF
	if eofUnc.Valid {
		info.EOFUncompressed = eofUnc.Int64
	}
	return info, nil
}

// Read returns the committed catalog row of (rel, segno).
func (c *Catalog) Read(ctx context.Context, rel types.RelationID, segno int) (types.SegmentFileInfo, error) {
	info, err := scanSegment(c.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM ao_segment WHERE relid = ? AND segno = ?`, int64(rel), segno))
	if errors.Is(err, sql.ErrNoRows) {
		return types.SegmentFileInfo{}, fmt.Errorf("segment (%d,%d): %w", rel, segno, ErrNotFound)
	}
	if err != nil {
		return types.SegmentFileInfo{}, fmt.Errorf("read segment (%d,%d): %w", rel, segno, err)
	}
	return info, nil
}

// ReadAll returns one committed row per registered segment of rel, in no
// particular order.
func (c *Catalog) ReadAll(ctx context.Context, rel types.RelationID) ([]types.SegmentFileInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM ao_segment WHERE relid = ?`, int64(rel))
	if err != nil {
		return nil, fmt.Errorf("read segments of %d: %w", rel, err)
	}
	defer rows.Close()

	var out []types.SegmentFileInfo
	for rows.Next() {
		info, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LookupBlock finds the committed block directory entry covering rowNum.
func (c *Catalog) LookupBlock(ctx context.Context, rel types.RelationID, segno int, rowNum int64) (types.BlockEntry, bool, error) {
	e := types.BlockEntry{Relation: rel, SegmentNumber: segno}
	err := c.db.QueryRowContext(ctx,
		`SELECT first_row, file_offset, row_count FROM ao_blkdir
         WHERE relid = ? AND segno = ? AND first_row <= ?
         ORDER BY first_row DESC LIMIT 1`, int64(rel), segno, rowNum).
		Scan(&e.FirstRow, &e.FileOffset, &e.RowCount)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BlockEntry{}, false, nil
	}
	if err != nil {
		return types.BlockEntry{}, false, fmt.Errorf("lookup block (%d,%d) row %d: %w", rel, segno, rowNum, err)
	}
	if !e.Covers(rowNum) {
		return types.BlockEntry{}, false, nil
	}
	return e, true, nil
}

// BlockEntries lists the committed directory of one segment by first row.
func (c *Catalog) BlockEntries(ctx context.Context, rel types.RelationID, segno int) ([]types.BlockEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT first_row, file_offset, row_count FROM ao_blkdir
         WHERE relid = ? AND segno = ? ORDER BY first_row`, int64(rel), segno)
	if err != nil {
		return nil, fmt.Errorf("list blocks (%d,%d): %w", rel, segno, err)
	}
	defer rows.Close()

	var out []types.BlockEntry
	for rows.Next() {
		e := types.BlockEntry{Relation: rel, SegmentNumber: segno}
		if err := rows.Scan(&e.FirstRow, &e.FileOffset, &e.RowCount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
