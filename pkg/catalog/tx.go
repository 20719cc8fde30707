package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/downfa11-org/aostore/pkg/seqalloc"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

type pendingSegment struct {
	info     types.SegmentFileInfo
	inserted bool
	cleared  bool
	// seqFloor raises the segment's sequence counter at commit
	seqFloor int64
}

// Tx is a catalog transaction. A Tx is safe for use by one writer at a time;
// the mutex only guards against misuse from several goroutines.
type Tx struct {
	cat *Catalog
	id  string

	mu       sync.Mutex
	done     bool
	poison   error
	created  map[types.RelationID]types.Relation
	dropped  map[types.RelationID]bool
	segments map[segKey]*pendingSegment
	locked   map[segKey]struct{}
	blocks   []types.BlockEntry
}

// ReadOptions controls Tx.Read.
type ReadOptions struct {
	// RequireLocked fails (and aborts the transaction) unless this transaction
	// registered or locked the row.
	RequireLocked bool
	// MissingOK reports an absent row as found == false instead of ErrNotFound.
	MissingOK bool
}

// Update describes one catalog row change. Nil pointers and zero deltas leave
// the stored value alone.
type Update struct {
	EOF             *int64
	EOFUncompressed *int64
	TuplesDelta     int64
	BlocksDelta     int64
	ModCountDelta   int64
	State           types.SegmentState
	FormatVersion   types.FormatVersion
}

func (t *Tx) ID() string {
	return t.id
}

// usable must be called with t.mu held.
func (t *Tx) usable() error {
	if t.poison != nil {
		return fmt.Errorf("%w (tx %s): %v", ErrTxAborted, t.id, t.poison)
	}
	if t.done {
		return ErrTxDone
	}
	return nil
}

// violate poisons the transaction. Every later call fails with ErrTxAborted.
func (t *Tx) violate(op string, k segKey) error {
	err := fmt.Errorf("%w: %s on segment (%d,%d) in tx %s", ErrNotLocked, op, k.rel, k.segno, t.id)
	t.poison = err
	util.Error("catalog contract violation: %v", err)
	return err
}

func (t *Tx) lockedByMe(k segKey) bool {
	_, ok := t.locked[k]
	return ok
}

func (t *Tx) relationExists(ctx context.Context, rel types.RelationID) (bool, error) {
	if _, ok := t.created[rel]; ok {
		return true, nil
	}
	if t.dropped[rel] {
		return false, nil
	}
	_, err := t.cat.Relation(ctx, rel)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// current returns the row as this transaction sees it.
func (t *Tx) current(ctx context.Context, k segKey) (types.SegmentFileInfo, bool, error) {
	if p, ok := t.segments[k]; ok {
		return p.info, true, nil
	}
	if t.dropped[k.rel] {
		return types.SegmentFileInfo{}, false, nil
	}
	info, err := t.cat.Read(ctx, k.rel, k.segno)
	if errors.Is(err, ErrNotFound) {
		return types.SegmentFileInfo{}, false, nil
	}
	if err != nil {
		return types.SegmentFileInfo{}, false, err
	}
	return info, true, nil
}

// CreateRelation records a new relation and its storage options.
func (t *Tx) CreateRelation(ctx context.Context, rel types.Relation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	if rel.ID == 0 {
		return fmt.Errorf("create relation: id must be positive")
	}
	exists, err := t.relationExists(ctx, rel.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("relation %d: %w", rel.ID, ErrAlreadyExists)
	}
	t.created[rel.ID] = rel
	return nil
}

// Register creates the zeroed catalog row of a new segment and locks it.
// Its sequence counter is created at commit.
func (t *Tx) Register(ctx context.Context, rel types.RelationID, segno int) (types.SegmentFileInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return types.SegmentFileInfo{}, err
	}
	if !types.ValidSegmentNumber(segno) {
		return types.SegmentFileInfo{}, fmt.Errorf("register segment %d: out of range [0,%d)", segno, types.MaxConcurrency)
	}
	exists, err := t.relationExists(ctx, rel)
	if err != nil {
		return types.SegmentFileInfo{}, err
	}
	if !exists {
		return types.SegmentFileInfo{}, fmt.Errorf("register segment (%d,%d): relation %w", rel, segno, ErrNotFound)
	}

	k := segKey{rel, segno}
	_, found, err := t.current(ctx, k)
	if err != nil {
		return types.SegmentFileInfo{}, err
	}
	if found {
		return types.SegmentFileInfo{}, fmt.Errorf("segment (%d,%d): %w", rel, segno, ErrAlreadyExists)
	}
	if err := t.cat.acquire(k, t.id); err != nil {
		return types.SegmentFileInfo{}, err
	}
	t.locked[k] = struct{}{}

	info := types.SegmentFileInfo{
		Relation:      rel,
		SegmentNumber: segno,
		FormatVersion: types.LatestFormat,
		State:         types.SegmentStateDefault,
	}
	t.segments[k] = &pendingSegment{info: info, inserted: true}
	return info, nil
}

// LockForUpdate takes the row lock of an existing segment for the rest of the
// transaction. It does not wait: a lock owned by another transaction yields
// ErrLockHeld.
func (t *Tx) LockForUpdate(ctx context.Context, rel types.RelationID, segno int) (types.SegmentFileInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return types.SegmentFileInfo{}, err
	}
	k := segKey{rel, segno}
	info, found, err := t.current(ctx, k)
	if err != nil {
		return types.SegmentFileInfo{}, err
	}
	if !found {
		return types.SegmentFileInfo{}, fmt.Errorf("lock segment (%d,%d): %w", rel, segno, ErrNotFound)
	}
	if !t.lockedByMe(k) {
		if err := t.cat.acquire(k, t.id); err != nil {
			return types.SegmentFileInfo{}, err
		}
		t.locked[k] = struct{}{}
	}
	return info, nil
}

// Read returns the segment row as seen by this transaction.
func (t *Tx) Read(ctx context.Context, rel types.RelationID, segno int, opts ReadOptions) (types.SegmentFileInfo, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return types.SegmentFileInfo{}, false, err
	}
	k := segKey{rel, segno}
	info, found, err := t.current(ctx, k)
	if err != nil {
		return types.SegmentFileInfo{}, false, err
	}
	if !found {
		if opts.MissingOK {
			return types.SegmentFileInfo{}, false, nil
		}
		return types.SegmentFileInfo{}, false, fmt.Errorf("segment (%d,%d): %w", rel, segno, ErrNotFound)
	}
	if opts.RequireLocked && !t.lockedByMe(k) {
		return types.SegmentFileInfo{}, false, t.violate("read", k)
	}
	return info, true, nil
}

// ReadAll merges the committed rows of rel with this transaction's changes.
func (t *Tx) ReadAll(ctx context.Context, rel types.RelationID) ([]types.SegmentFileInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil, err
	}
	var committed []types.SegmentFileInfo
	if !t.dropped[rel] {
		var err error
		if committed, err = t.cat.ReadAll(ctx, rel); err != nil {
			return nil, err
		}
	}
	seen := make(map[int]bool, len(committed))
	out := make([]types.SegmentFileInfo, 0, len(committed))
	for _, info := range committed {
		if p, ok := t.segments[segKey{rel, info.SegmentNumber}]; ok {
			info = p.info
		}
		seen[info.SegmentNumber] = true
		out = append(out, info)
	}
	for k, p := range t.segments {
		if k.rel == rel && !seen[k.segno] {
			out = append(out, p.info)
		}
	}
	return out, nil
}

// mutable loads a row for modification, enforcing the lock precondition.
func (t *Tx) mutable(ctx context.Context, op string, rel types.RelationID, segno int) (*pendingSegment, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	k := segKey{rel, segno}
	if !t.lockedByMe(k) {
		return nil, t.violate(op, k)
	}
	if p, ok := t.segments[k]; ok {
		return p, nil
	}
	info, found, err := t.current(ctx, k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s segment (%d,%d): %w", op, rel, segno, ErrNotFound)
	}
	p := &pendingSegment{info: info}
	t.segments[k] = p
	return p, nil
}

// Update applies u to the locked row of (rel, segno). Supplied eof values must
// not be below the stored ones; an unknown stored eof_uncompressed accepts any
// value.
func (t *Tx) Update(ctx context.Context, rel types.RelationID, segno int, u Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.mutable(ctx, "update", rel, segno)
	if err != nil {
		return err
	}
	if u.ModCountDelta < 0 {
		return fmt.Errorf("update segment (%d,%d): modification count delta %d is negative", rel, segno, u.ModCountDelta)
	}
	if u.FormatVersion != 0 && !u.FormatVersion.Valid() {
		return fmt.Errorf("update segment (%d,%d): invalid format version %d", rel, segno, u.FormatVersion)
	}
	if u.State != types.SegmentStateUseCurrent && u.State != types.SegmentStateDefault && u.State != types.SegmentStateAwaitingDrop {
		return fmt.Errorf("update segment (%d,%d): invalid state %d", rel, segno, u.State)
	}

	next := p.info
	if u.EOF != nil {
		if *u.EOF < next.EOF {
			return fmt.Errorf("%w: segment (%d,%d) eof %d -> %d", ErrEOFDecrease, rel, segno, next.EOF, *u.EOF)
		}
		next.EOF = *u.EOF
	}
	if u.EOFUncompressed != nil {
		v := *u.EOFUncompressed
		if v != types.UnknownEOF && v < 0 {
			return fmt.Errorf("update segment (%d,%d): invalid uncompressed eof %d", rel, segno, v)
		}
		if next.HasUncompressedEOF() && v != types.UnknownEOF && v < next.EOFUncompressed {
			return fmt.Errorf("%w: segment (%d,%d) uncompressed eof %d -> %d", ErrEOFDecrease, rel, segno, next.EOFUncompressed, v)
		}
		if v != types.UnknownEOF {
			next.EOFUncompressed = v
		}
	}
	next.TotalTupleCount += u.TuplesDelta
	next.BlockCount += u.BlocksDelta
	next.ModificationCount += u.ModCountDelta
	if next.TotalTupleCount < 0 || next.BlockCount < 0 {
		return fmt.Errorf("update segment (%d,%d): counts would become negative (tuples %d, blocks %d)",
			rel, segno, next.TotalTupleCount, next.BlockCount)
	}
	if u.State != types.SegmentStateUseCurrent {
		next.State = u.State
	}
	if u.FormatVersion != 0 {
		next.FormatVersion = u.FormatVersion
	}
	p.info = next
	return nil
}

// MarkAwaitingDrop retires a locked segment until a reclaim clears it.
func (t *Tx) MarkAwaitingDrop(ctx context.Context, rel types.RelationID, segno int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.mutable(ctx, "mark awaiting drop", rel, segno)
	if err != nil {
		return err
	}
	p.info.State = types.SegmentStateAwaitingDrop
	return nil
}

// Clear resets a locked segment for reuse: lengths and counts drop to zero,
// the format moves to the latest version and the block directory of the
// segment is discarded. The modification count is kept.
func (t *Tx) Clear(ctx context.Context, rel types.RelationID, segno int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.mutable(ctx, "clear", rel, segno)
	if err != nil {
		return err
	}
	p.info.EOF = 0
	p.info.EOFUncompressed = 0
	p.info.TotalTupleCount = 0
	p.info.BlockCount = 0
	p.info.FormatVersion = types.LatestFormat
	p.info.State = types.SegmentStateDefault
	p.cleared = true

	kept := t.blocks[:0]
	for _, e := range t.blocks {
		if e.Relation != rel || e.SegmentNumber != segno {
			kept = append(kept, e)
		}
	}
	t.blocks = kept
	return nil
}

// RaiseSequence makes the sequence counter of a locked segment at least last
// when the transaction commits, so row numbers up to last are never handed
// out again. Used when catalog rows are carried over from another relation.
func (t *Tx) RaiseSequence(ctx context.Context, rel types.RelationID, segno int, last int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.mutable(ctx, "raise sequence", rel, segno)
	if err != nil {
		return err
	}
	if last < 0 {
		return fmt.Errorf("raise sequence (%d,%d): negative value %d", rel, segno, last)
	}
	if last > p.seqFloor {
		p.seqFloor = last
	}
	return nil
}

// AddBlockEntry records a finalized block of a locked segment in the block
// directory. It becomes visible to lookups at commit.
func (t *Tx) AddBlockEntry(entry types.BlockEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	k := segKey{entry.Relation, entry.SegmentNumber}
	if !t.lockedByMe(k) {
		return t.violate("add block entry", k)
	}
	if entry.FirstRow <= 0 || entry.RowCount <= 0 || entry.FileOffset < 0 {
		return fmt.Errorf("add block entry (%d,%d): invalid range first=%d count=%d offset=%d",
			entry.Relation, entry.SegmentNumber, entry.FirstRow, entry.RowCount, entry.FileOffset)
	}
	t.blocks = append(t.blocks, entry)
	return nil
}

// DropRelation removes the relation with its segment rows, block directory
// and sequence counters at commit. Files are left to the caller.
func (t *Tx) DropRelation(ctx context.Context, rel types.RelationID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable(); err != nil {
		return err
	}
	exists, err := t.relationExists(ctx, rel)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("drop relation %d: %w", rel, ErrNotFound)
	}
	if t.cat.lockedByOther(rel, t.id) {
		return fmt.Errorf("drop relation %d: %w", rel, ErrLockHeld)
	}

	delete(t.created, rel)
	t.dropped[rel] = true
	for k := range t.segments {
		if k.rel == rel {
			delete(t.segments, k)
		}
	}
	kept := t.blocks[:0]
	for _, e := range t.blocks {
		if e.Relation != rel {
			kept = append(kept, e)
		}
	}
	t.blocks = kept
	return nil
}

// Commit applies every buffered change in one database transaction and
// releases the row locks. A poisoned transaction is rolled back instead.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.poison != nil {
		if !t.done {
			t.finish()
		}
		return fmt.Errorf("%w (tx %s): %v", ErrTxAborted, t.id, t.poison)
	}
	if t.done {
		return ErrTxDone
	}

	sqlTx, err := t.cat.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog commit: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := t.apply(ctx, sqlTx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit catalog tx %s: %w", t.id, err)
	}
	util.Debug("catalog tx %s committed: %d segment rows, %d block entries", t.id, len(t.segments), len(t.blocks))
	t.finish()
	return nil
}

// Abort discards the buffered changes and releases the row locks. Row numbers
// already handed out by the sequence allocator stay consumed.
func (t *Tx) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	util.Debug("catalog tx %s aborted", t.id)
	t.finish()
}

func (t *Tx) finish() {
	t.done = true
	t.cat.release(t.id, t.locked)
	t.created = nil
	t.segments = nil
	t.blocks = nil
}

func (t *Tx) apply(ctx context.Context, tx *sql.Tx) error {
	for rel := range t.dropped {
		for _, q := range []string{
			`DELETE FROM ao_blkdir WHERE relid = ?`,
			`DELETE FROM ao_segment WHERE relid = ?`,
			`DELETE FROM ao_relation WHERE relid = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, int64(rel)); err != nil {
				return fmt.Errorf("drop relation %d: %w", rel, err)
			}
		}
		if err := seqalloc.RemoveWith(ctx, tx, rel); err != nil {
			return fmt.Errorf("drop sequences of %d: %w", rel, err)
		}
	}

	for _, r := range t.created {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ao_relation(relid, base_path, block_size, compress_type, compress_level, checksum)
             VALUES(?, ?, ?, ?, ?, ?)`,
			int64(r.ID), r.BasePath, r.Options.BlockSize, r.Options.CompressType, r.Options.CompressLevel, boolInt(r.Options.Checksum)); err != nil {
			return fmt.Errorf("insert relation %d: %w", r.ID, err)
		}
	}

	keys := make([]segKey, 0, len(t.segments))
	for k := range t.segments {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].rel != keys[j].rel {
			return keys[i].rel < keys[j].rel
		}
		return keys[i].segno < keys[j].segno
	})
	for _, k := range keys {
		p := t.segments[k]
		if err := writeSegment(ctx, tx, p.info); err != nil {
			return err
		}
		if p.inserted {
			if err := seqalloc.InitCounter(ctx, tx, k.rel, k.segno); err != nil {
				return fmt.Errorf("init sequence (%d,%d): %w", k.rel, k.segno, err)
			}
		}
		if p.seqFloor > 0 {
			if err := seqalloc.RaiseWith(ctx, tx, k.rel, k.segno, p.seqFloor); err != nil {
				return fmt.Errorf("raise sequence (%d,%d): %w", k.rel, k.segno, err)
			}
		}
		if p.cleared {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM ao_blkdir WHERE relid = ? AND segno = ?`, int64(k.rel), k.segno); err != nil {
				return fmt.Errorf("clear block directory (%d,%d): %w", k.rel, k.segno, err)
			}
		}
	}

	for _, e := range t.blocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ao_blkdir(relid, segno, first_row, file_offset, row_count) VALUES(?, ?, ?, ?, ?)`,
			int64(e.Relation), e.SegmentNumber, e.FirstRow, e.FileOffset, e.RowCount); err != nil {
			return fmt.Errorf("insert block entry (%d,%d) row %d: %w", e.Relation, e.SegmentNumber, e.FirstRow, err)
		}
	}
	return nil
}

func writeSegment(ctx context.Context, tx *sql.Tx, info types.SegmentFileInfo) error {
	if info.State == types.SegmentStateUseCurrent {
		return fmt.Errorf("segment (%d,%d): state %s may not be persisted", info.Relation, info.SegmentNumber, info.State)
	}
	var eofUnc sql.NullInt64
	if info.HasUncompressedEOF() {
		eofUnc = sql.NullInt64{Int64: info.EOFUncompressed, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ao_segment(`+segmentColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(relid, segno) DO UPDATE SET
             eof = excluded.eof,
             eof_uncompressed = excluded.eof_uncompressed,
             tupcount = excluded.tupcount,
             blockcount = excluded.blockcount,
             modcount = excluded.modcount,
             formatversion = excluded.formatversion,
             state = excluded.state`,
		int64(info.Relation), info.SegmentNumber, info.EOF, eofUnc,
		info.TotalTupleCount, info.BlockCount, info.ModificationCount,
		int16(info.FormatVersion), int16(info.State))
	if err != nil {
		return fmt.Errorf("write segment (%d,%d): %w", info.Relation, info.SegmentNumber, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
