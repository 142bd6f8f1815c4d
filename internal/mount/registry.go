package mount

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"branchfs/internal/brancherr"
	"branchfs/internal/epoch"
)

// Meta is the on-disk record of one mount's identity, per §6 on-disk
// layout `mounts/<mount-id>/meta`. Create writes it once when the mount is
// made; it records only the mount's identity, not the branch graph or the
// view. Nothing reads the file back: FindByTarget uses the registry's
// in-memory copy.
type Meta struct {
	ID       string `yaml:"id"`
	BasePath string `yaml:"base_path"`
	Target   string `yaml:"target"`
}

// Registry is the set of active mounts sharing one on-disk storage root
// (§4.7). A process may host multiple mounts; the registry gives each its
// own `<storage>/mounts/<mount-id>/` subdirectory for isolation.
type Registry struct {
	mu         sync.RWMutex
	storageDir string
	lock       *flock.Flock
	mounts     map[string]*Mount
	metaByID   map[string]Meta
}

// OpenRegistry returns a registry rooted at storageDir. It prepares, but
// does not take, an advisory file lock over the registry's own metadata;
// Create holds that lock while it allocates a mount-id (the same primitive
// the teacher daemon uses for its single-instance lock).
func OpenRegistry(storageDir string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(storageDir, "mounts"), 0o755); err != nil {
		return nil, brancherr.ErrIO
	}
	r := &Registry{
		storageDir: storageDir,
		lock:       flock.New(filepath.Join(storageDir, "registry.lock")),
		mounts:     make(map[string]*Mount),
		metaByID:   make(map[string]Meta),
	}
	return r, nil
}

// Create allocates a fresh mount-id, materializes its per-mount storage
// subdirectory, and opens a Mount over basePath/target.
func (r *Registry) Create(basePath, target string, invalidator epoch.Invalidator) (*Mount, error) {
	if err := r.lock.Lock(); err != nil {
		return nil, brancherr.ErrIO
	}
	defer r.lock.Unlock()

	id := uuid.NewString()
	mountDir := filepath.Join(r.storageDir, "mounts", id)
	if err := os.MkdirAll(mountDir, 0o755); err != nil {
		return nil, brancherr.ErrIO
	}

	m, err := Open(id, basePath, mountDir, invalidator)
	if err != nil {
		os.RemoveAll(mountDir)
		return nil, err
	}

	meta := Meta{ID: id, BasePath: basePath, Target: target}
	if err := writeMeta(mountDir, meta); err != nil {
		os.RemoveAll(mountDir)
		return nil, err
	}

	r.mu.Lock()
	r.mounts[id] = m
	r.metaByID[id] = meta
	r.mu.Unlock()
	return m, nil
}

// Get returns the mount for id.
func (r *Registry) Get(id string) (*Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mounts[id]
	return m, ok
}

// FindByTarget returns the mount whose target path matches, used by CLI
// verbs that take `<MNT>` rather than a raw mount-id.
func (r *Registry) FindByTarget(target string) (*Mount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, meta := range r.metaByID {
		if meta.Target == target {
			return r.mounts[id], true
		}
	}
	return nil, false
}

// Remove tears down and deletes the mount identified by id (§4.7 unmount:
// destroys every branch, deletes the per-mount subdirectory).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	m, ok := r.mounts[id]
	if !ok {
		r.mu.Unlock()
		return brancherr.ErrNotFound
	}
	delete(r.mounts, id)
	delete(r.metaByID, id)
	r.mu.Unlock()

	return m.Teardown()
}

// IsEmpty reports whether no mounts remain, the trigger for the hosting
// process to exit (§4.7 "When the registry becomes empty...").
func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mounts) == 0
}

// List returns metadata for every active mount.
func (r *Registry) List() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.metaByID))
	for _, meta := range r.metaByID {
		out = append(out, meta)
	}
	return out
}

func writeMeta(mountDir string, meta Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return brancherr.ErrIO
	}
	if err := os.WriteFile(filepath.Join(mountDir, "meta"), data, 0o644); err != nil {
		return brancherr.ErrIO
	}
	return nil
}
