package mount

import (
	"sync"
	"sync/atomic"

	"branchfs/internal/brancherr"
	"branchfs/internal/epoch"
	"branchfs/internal/mmapguard"
)

// handleTable is a mount's live file-descriptor / mapped-region table
// (§3 "Handle table"). Handles are looked up by an opaque id; the table
// never exposes a pointer into the branch graph, only the (branch name,
// opened-at epoch, backing path) triple that epoch.Validate needs (§9
// "Handle lifetimes"). mapped optionally records the mmap region backing
// each handle's file, so I/O can be served straight out of mapped pages
// and so a still-open mapping stays reachable after the handle itself has
// gone stale (§4.5, §8 property 7).
type handleTable struct {
	mu      sync.Mutex
	next    atomic.Uint64
	entries map[uint64]epoch.Handle
	mapped  map[uint64]*mmapguard.Mapping
}

func newHandleTable() *handleTable {
	return &handleTable{
		entries: make(map[uint64]epoch.Handle),
		mapped:  make(map[uint64]*mmapguard.Mapping),
	}
}

// Open registers a new handle and returns its id.
func (t *handleTable) Open(h epoch.Handle) uint64 {
	id := t.next.Add(1)
	t.mu.Lock()
	t.entries[id] = h
	t.mu.Unlock()
	return id
}

// Get returns the handle for id, or brancherr.ErrStale if id is unknown.
func (t *handleTable) Get(id uint64) (epoch.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok {
		return epoch.Handle{}, brancherr.ErrStale
	}
	return h, nil
}

// Release drops a handle from the table (POSIX release/close). The
// mapping, if any, is left registered in the mmapguard.Registry: closing a
// handle doesn't unmap it, only Destroy (driven by commit/abort) does.
func (t *handleTable) Release(id uint64) {
	t.mu.Lock()
	delete(t.entries, id)
	delete(t.mapped, id)
	t.mu.Unlock()
}

// SetMapping records the mmap region backing id's file.
func (t *handleTable) SetMapping(id uint64, m *mmapguard.Mapping) {
	t.mu.Lock()
	t.mapped[id] = m
	t.mu.Unlock()
}

// Mapping returns the mmap region backing id's file, if one was taken.
func (t *handleTable) Mapping(id uint64) (*mmapguard.Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mapped[id]
	return m, ok
}
