// Package visimap is an in-memory visibility map: it records which row
// identifiers of a relation have been logically deleted.
package visimap

import (
	"sync"

	"github.com/downfa11-org/aostore/pkg/types"
)

type Map struct {
	mu      sync.RWMutex
	deleted map[types.RowIdentifier]struct{}
}

func New() *Map {
	return &Map{deleted: make(map[types.RowIdentifier]struct{})}
}

// Delete hides rid from visibility-filtered reads.
func (m *Map) Delete(rid types.RowIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted[rid] = struct{}{}
}

// Restore makes a deleted row visible again, e.g. when the deleting
// transaction aborts.
func (m *Map) Restore(rid types.RowIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deleted, rid)
}

func (m *Map) IsVisible(rid types.RowIdentifier) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, gone := m.deleted[rid]
	return !gone
}

// DeletedIn counts the deleted rows of one segment.
func (m *Map) DeletedIn(segno int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for rid := range m.deleted {
		if rid.SegmentNumber == segno {
			n++
		}
	}
	return n
}

// ForgetSegment drops every entry of segno, used once the segment is cleared.
func (m *Map) ForgetSegment(segno int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rid := range m.deleted {
		if rid.SegmentNumber == segno {
			delete(m.deleted, rid)
		}
	}
}
