package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/segfile"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// Reclaim empties the AWAITING_DROP segments of a relation so they can be
// written again. It is deferred while a scanner or fetcher of the relation is
// open, and skips segments another transaction holds locked. It returns the
// reclaimed segment numbers.
func (m *Manager) Reclaim(ctx context.Context, id types.RelationID) ([]int, error) {
	readers := m.readerCount(id)
	if n := atomic.LoadInt32(readers); n > 0 {
		util.Debug("Reclaim: relation %d deferred (active readers: %d)", id, n)
		return nil, nil
	}

	rel, err := m.cat.Relation(ctx, id)
	if err != nil {
		return nil, err
	}
	segments, err := m.cat.ReadAll(ctx, id)
	if err != nil {
		return nil, err
	}

	tx := m.cat.Begin()
	var reclaimed []int
	for _, info := range segments {
		if info.State != types.SegmentStateAwaitingDrop {
			continue
		}
		if atomic.LoadInt32(readers) > 0 {
			break
		}
		locked, err := tx.LockForUpdate(ctx, id, info.SegmentNumber)
		if errors.Is(err, catalog.ErrLockHeld) {
			util.Debug("Reclaim: segment (%d,%d) is locked, skipping", id, info.SegmentNumber)
			continue
		}
		if err != nil {
			tx.Abort()
			return nil, err
		}
		if locked.State != types.SegmentStateAwaitingDrop {
			continue
		}

		// the file is cut while the lock is held so no writer can append
		// between truncation and commit
		path := segfile.PathFor(rel.BasePath, info.SegmentNumber, segfile.NoColumn)
		cut, err := m.truncateIfNoReaders(id, path)
		if err != nil {
			tx.Abort()
			return nil, fmt.Errorf("reclaim segment (%d,%d): %w", id, info.SegmentNumber, err)
		}
		if !cut {
			util.Debug("Reclaim: relation %d deferred (reader opened)", id)
			break
		}
		if err := tx.Clear(ctx, id, info.SegmentNumber); err != nil {
			tx.Abort()
			return nil, err
		}
		reclaimed = append(reclaimed, info.SegmentNumber)
	}

	if len(reclaimed) == 0 {
		tx.Abort()
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Abort()
		return nil, err
	}
	m.cache.Purge()
	util.Info("Reclaim: relation %d segments %v cleared", id, reclaimed)
	return reclaimed, nil
}

// beforeReclaimTruncate runs between taking a segment lock and the final
// reader check. Tests use it to open readers in that window.
var beforeReclaimTruncate func()

// truncateIfNoReaders empties path unless a reader of id is open. New readers
// cannot register while the check and truncation run.
func (m *Manager) truncateIfNoReaders(id types.RelationID, path string) (bool, error) {
	if beforeReclaimTruncate != nil {
		beforeReclaimTruncate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if atomic.LoadInt32(m.readerCountLocked(id)) > 0 {
		return false, nil
	}
	return true, segfile.Truncate(path, 0)
}
