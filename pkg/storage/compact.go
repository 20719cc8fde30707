package storage

import (
	"context"
	"fmt"

	"github.com/downfa11-org/aostore/pkg/catalog"
	"github.com/downfa11-org/aostore/pkg/insert"
	"github.com/downfa11-org/aostore/pkg/scan"
	"github.com/downfa11-org/aostore/pkg/types"
	"github.com/downfa11-org/aostore/util"
)

// Compact rewrites the rows of segment src that vis reports visible into
// segment dst, then retires src as AWAITING_DROP. Both segments are locked for
// the duration. The returned map takes every moved row's old identifier to its
// new one so callers can repoint their indexes.
func (m *Manager) Compact(ctx context.Context, id types.RelationID, src, dst int, vis types.VisibilityFilter) (map[types.RowIdentifier]types.RowIdentifier, error) {
	if src == dst {
		return nil, fmt.Errorf("compact relation %d: source and destination are both segment %d", id, src)
	}

	tx := m.cat.Begin()
	info, err := tx.LockForUpdate(ctx, id, src)
	if err != nil {
		tx.Abort()
		return nil, fmt.Errorf("compact segment (%d,%d): %w", id, src, err)
	}
	if info.State == types.SegmentStateAwaitingDrop {
		tx.Abort()
		return nil, fmt.Errorf("compact segment (%d,%d): %w", id, src, insert.ErrAwaitingDrop)
	}

	w, err := m.OpenWriter(ctx, tx, id, dst)
	if err != nil {
		tx.Abort()
		return nil, err
	}

	moved, err := m.moveRows(ctx, id, src, vis, w)
	if err != nil {
		w.Discard()
		tx.Abort()
		return nil, err
	}
	if err := w.Close(ctx); err != nil {
		tx.Abort()
		return nil, err
	}

	if err := tx.Update(ctx, id, src, catalog.Update{
		TuplesDelta:   -info.TotalTupleCount,
		ModCountDelta: 1,
		State:         types.SegmentStateAwaitingDrop,
	}); err != nil {
		tx.Abort()
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Abort()
		return nil, err
	}
	util.Info("Compact: relation %d segment %d -> %d, %d of %d rows kept",
		id, src, dst, len(moved), info.TotalTupleCount)
	return moved, nil
}

func (m *Manager) moveRows(ctx context.Context, id types.RelationID, src int, vis types.VisibilityFilter, w *insert.Writer) (map[types.RowIdentifier]types.RowIdentifier, error) {
	s, err := m.NewScanner(ctx, id, scan.Options{Visibility: vis, Segments: []int{src}})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	moved := make(map[types.RowIdentifier]types.RowIdentifier)
	for {
		row, ok, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return moved, nil
		}
		rid, err := w.Insert(ctx, row.Data)
		if err != nil {
			return nil, err
		}
		moved[row.ID] = rid
	}
}
