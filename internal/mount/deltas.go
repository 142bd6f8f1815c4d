package mount

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"branchfs/internal/delta"
)

// deltaMap owns every live branch's on-disk delta root for one mount,
// keyed by branch name. "main" is intentionally never present: it has no
// delta directory to discard (§4.7), and writes captured while the current
// view is "main" are rejected rather than routed to a phantom delta (an
// Open Question §9 resolution recorded in DESIGN.md).
type deltaMap struct {
	mu       sync.RWMutex
	roots    map[string]*delta.Root
	branches string // <storage>/mounts/<mount-id>/branches
}

func newDeltaMap(branchesDir string) *deltaMap {
	return &deltaMap{roots: make(map[string]*delta.Root), branches: branchesDir}
}

// Delta implements resolver.Deltas, cow.Deltas, and commitengine.Deltas.
func (m *deltaMap) Delta(branchName string) *delta.Root {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roots[branchName]
}

// Forget drops a branch's entry from the map without touching disk (the
// caller has already removed the delta directory).
func (m *deltaMap) Forget(branchName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roots, branchName)
}

// Create allocates a fresh delta directory (named by a random id, not the
// branch name, so branch names can be reused after a branch is destroyed
// without colliding with leftover directories) and registers it.
func (m *deltaMap) Create(branchName string) (*delta.Root, error) {
	id := uuid.NewString()
	dir := filepath.Join(m.branches, id, "delta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	root := delta.Open(dir)

	m.mu.Lock()
	m.roots[branchName] = root
	m.mu.Unlock()
	return root, nil
}

// deltaIDFromPath extracts the branch-id directory component of a delta
// root's path, for persistence in the mount's meta file.
func deltaIDFromPath(deltaDir string) string {
	return filepath.Base(filepath.Dir(deltaDir))
}
