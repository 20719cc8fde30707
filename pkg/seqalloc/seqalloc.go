// Package seqalloc hands out row numbers for append-only segments.
//
// Ranges are persisted in their own short transaction before they are
// returned, so a caller's abort never gives numbers back: abandoned numbers
// are skipped, never reused.
package seqalloc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/downfa11-org/aostore/pkg/metrics"
	"github.com/downfa11-org/aostore/pkg/types"
)

// DefaultBatchSize is how many row numbers a writer reserves at a time.
const DefaultBatchSize = 100

const schema = `CREATE TABLE IF NOT EXISTS ao_sequence (
    objid INTEGER NOT NULL,
    segno INTEGER NOT NULL,
    last_sequence INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (objid, segno)
);`

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureSchema creates the sequence table.
func EnsureSchema(ctx context.Context, ex Execer) error {
	_, err := ex.ExecContext(ctx, schema)
	return err
}

// InitCounter creates a zero counter for (objectID, segno) if none exists.
func InitCounter(ctx context.Context, ex Execer, objectID types.RelationID, segno int) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO ao_sequence(objid, segno, last_sequence) VALUES(?, ?, 0)`,
		int64(objectID), segno)
	return err
}

// RaiseWith lifts the counter of (objectID, segno) to at least last using ex,
// creating it when missing. It never lowers a counter.
func RaiseWith(ctx context.Context, ex Execer, objectID types.RelationID, segno int, last int64) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO ao_sequence(objid, segno, last_sequence) VALUES(?, ?, ?)
         ON CONFLICT(objid, segno) DO UPDATE SET last_sequence = MAX(last_sequence, excluded.last_sequence)`,
		int64(objectID), segno, last)
	return err
}

// RemoveWith deletes every counter of objectID using ex.
func RemoveWith(ctx context.Context, ex Execer, objectID types.RelationID) error {
	if objectID == 0 {
		return nil
	}
	_, err := ex.ExecContext(ctx, `DELETE FROM ao_sequence WHERE objid = ?`, int64(objectID))
	return err
}

type Allocator struct {
	db *sql.DB
}

func New(db *sql.DB) *Allocator {
	return &Allocator{db: db}
}

// Allocate reserves [first, first+count) for (objectID, segno) where
// first = max(minimum, last+1), and persists the new high-water mark
// before returning.
func (a *Allocator) Allocate(ctx context.Context, objectID types.RelationID, segno int, minimum, count int64) (int64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("allocate %d row numbers: count must be positive", count)
	}
	if !types.ValidSegmentNumber(segno) {
		return 0, fmt.Errorf("allocate row numbers: invalid segment number %d", segno)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequence allocation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_sequence FROM ao_sequence WHERE objid = ? AND segno = ?`,
		int64(objectID), segno).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read sequence (%d,%d): %w", objectID, segno, err)
	}

	first := last + 1
	if minimum > first {
		first = minimum
	}
	newLast := first + count - 1

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ao_sequence(objid, segno, last_sequence) VALUES(?, ?, ?)
         ON CONFLICT(objid, segno) DO UPDATE SET last_sequence = excluded.last_sequence`,
		int64(objectID), segno, newLast); err != nil {
		return 0, fmt.Errorf("persist sequence (%d,%d): %w", objectID, segno, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence (%d,%d): %w", objectID, segno, err)
	}

	metrics.SequenceAllocations.Inc()
	return first, nil
}

// ReadLast returns the highest number handed out, or 0 if none was.
func (a *Allocator) ReadLast(ctx context.Context, objectID types.RelationID, segno int) (int64, error) {
	var last int64
	err := a.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM ao_sequence WHERE objid = ? AND segno = ?`,
		int64(objectID), segno).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence (%d,%d): %w", objectID, segno, err)
	}
	return last, nil
}

// Remove deletes every counter of objectID. Removing an absent object is a no-op.
func (a *Allocator) Remove(ctx context.Context, objectID types.RelationID) error {
	return RemoveWith(ctx, a.db, objectID)
}
