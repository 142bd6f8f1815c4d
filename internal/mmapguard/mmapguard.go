// Package mmapguard tracks memory-mapped regions taken against branch delta
// files, so that destroying a delta file (commit or abort, §4.5) can make
// surviving mappings fault instead of silently reading stale bytes.
//
// There is no third-party library in the retrieved corpus for this: mmap
// invalidation is a narrow, OS-adjacent primitive that the standard library
// covers directly via syscall.Mmap and runtime/debug.SetPanicOnFault. See
// DESIGN.md for the stdlib-usage justification.
package mmapguard

import (
	"runtime/debug"
	"sync"
	"syscall"

	"branchfs/internal/brancherr"
)

// Mapping is a live memory map over a branch delta file.
type Mapping struct {
	mu        sync.Mutex
	data      []byte
	fd        int
	path      string
	destroyed bool
}

// Registry tracks all live mappings for one mount, keyed by backing path,
// so Destroy(path) can invalidate every mapping over it (§4.5).
type Registry struct {
	mu       sync.Mutex
	mappings map[string][]*Mapping
}

// NewRegistry returns an empty mapping registry.
func NewRegistry() *Registry {
	return &Registry{mappings: make(map[string][]*Mapping)}
}

// Map memory-maps path (which must already be open, e.g. via a delta
// file handle) read-only, MAP_SHARED, and registers it for later
// invalidation.
func (r *Registry) Map(path string, fd int, length int) (*Mapping, error) {
	data, err := syscall.Mmap(fd, 0, length, syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, brancherr.ErrIO
	}
	m := &Mapping{data: data, fd: fd, path: path}
	r.mu.Lock()
	r.mappings[path] = append(r.mappings[path], m)
	r.mu.Unlock()
	return m, nil
}

// Touch reads one byte at offset from the mapping, converting a
// runtime-detected fault (from an unmapped or hole-punched page) into
// brancherr.ErrIO instead of crashing the process. Real transports observe
// this as a SIGBUS on the mapped page (§4.5, §8 property 7); Touch is the
// in-process equivalent used by tests that can't take a real page fault
// signal in the test binary.
func (m *Mapping) Touch(offset int) (b byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || offset < 0 || offset >= len(m.data) {
		return 0, brancherr.ErrIO
	}

	defer debug.SetPanicOnFault(false)
	debug.SetPanicOnFault(true)
	defer func() {
		if recover() != nil {
			err = brancherr.ErrIO
		}
	}()
	b = m.data[offset]
	return b, nil
}

// ReadAt serves p out of the mapped pages, the same fault-to-error
// conversion as Touch but for a whole read instead of one byte. ok is
// false when the mapping can't serve the request itself: either the read
// falls partly or fully outside the region that was mapped (the file may
// have grown since), in which case the caller should fall back to a plain
// file read rather than silently truncate to the mapping's original
// length. A destroyed mapping is always "handled", reporting the fault
// regardless of the requested range (§4.5, §8 property 7).
func (m *Mapping) ReadAt(p []byte, offset int) (n int, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0, true, brancherr.ErrIO
	}
	if offset < 0 || offset+len(p) > len(m.data) {
		return 0, false, nil
	}

	defer debug.SetPanicOnFault(false)
	debug.SetPanicOnFault(true)
	defer func() {
		if recover() != nil {
			n, ok, err = 0, true, brancherr.ErrIO
		}
	}()
	n = copy(p, m.data[offset:])
	return n, true, nil
}

// invalidate marks the mapping dead and unmaps the region from this
// process; Touch and ReadAt calls after this always report ErrIO without
// needing the runtime fault path.
func (m *Mapping) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.destroyed = true
	syscall.Munmap(m.data)
	m.data = nil
}

// Destroy invalidates every mapping registered against path, and truncates
// the backing file via fd so any surviving out-of-process mapping's pages
// fault on next touch (§4.5, §9 "Memory-map invalidation").
func (r *Registry) Destroy(path string, fd int) {
	r.mu.Lock()
	list := r.mappings[path]
	delete(r.mappings, path)
	r.mu.Unlock()

	for _, m := range list {
		m.invalidate()
	}
	if fd >= 0 {
		syscall.Ftruncate(fd, 0)
	}
}
