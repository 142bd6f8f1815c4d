// Package mount implements a single mount's administrative surface (branch
// create/commit/abort/switch/list) and the filesystem operations a
// transport binding drives (§4, §6), plus the registry of mounts sharing a
// storage root (§4.7).
package mount

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"branchfs/internal/brancherr"
	"branchfs/internal/branch"
	"branchfs/internal/branchlog"
	"branchfs/internal/commitengine"
	"branchfs/internal/cow"
	"branchfs/internal/ctlfile"
	"branchfs/internal/epoch"
	"branchfs/internal/mmapguard"
	"branchfs/internal/resolver"
)

// Mount is one host directory presented with a branch overlay (§3 "Mount").
type Mount struct {
	ID         string
	BasePath   string
	StorageDir string // <storage>/mounts/<id>

	branches *branch.Store
	deltas   *deltaMap
	resolve  *resolver.Resolver
	cowEng   *cow.Engine
	commit   *commitengine.Engine
	epochs   *epoch.Counter
	mappings *mmapguard.Registry
	handles  *handleTable

	invalidator epoch.Invalidator

	// adminMu serializes administrative operations for this mount (§5
	// ordering guarantee 1): each bumps the epoch exactly once and the
	// bump is ordered before the next administrative operation begins.
	adminMu sync.Mutex
}

// Open creates (or re-creates, per §6 "recreated on start; not durable")
// the in-memory state for a mount rooted at basePath, with per-mount state
// under storageDir. invalidator receives cache-invalidation callbacks; pass
// epoch.NopInvalidator{} when none is wired up (e.g. in unit tests).
func Open(id, basePath, storageDir string, invalidator epoch.Invalidator) (*Mount, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, brancherr.ErrIO
	}
	branchesDir := filepath.Join(storageDir, "branches")
	if err := os.MkdirAll(branchesDir, 0o755); err != nil {
		return nil, brancherr.ErrIO
	}

	m := &Mount{
		ID:          id,
		BasePath:    basePath,
		StorageDir:  storageDir,
		branches:    branch.NewStore(""),
		deltas:      newDeltaMap(branchesDir),
		epochs:      &epoch.Counter{},
		mappings:    mmapguard.NewRegistry(),
		handles:     newHandleTable(),
		invalidator: invalidator,
	}
	m.resolve = resolver.New(m.branches, m.deltas, basePath)
	m.cowEng = cow.New(m.resolve, m.deltas)
	m.commit = &commitengine.Engine{
		MountID:     id,
		Graph:       m.branches,
		Deltas:      m.deltas,
		Epoch:       m.epochs,
		Invalidator: invalidator,
		Mappings:    m.mappings,
		BasePath:    basePath,
	}
	return m, nil
}

// Epoch returns the mount's current epoch value.
func (m *Mount) Epoch() uint64 { return m.epochs.Current() }

// View returns the mount's current view-branch name.
func (m *Mount) View() string { return m.branches.View() }

// ---- Administrative operations (§4.2, §4.4) ----

// CreateBranch validates and creates a new branch off parent, optionally
// switching the view to it (`-s`, §6).
func (m *Mount) CreateBranch(name, parent string, switchToIt bool) error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	root, err := m.deltas.Create(name)
	if err != nil {
		return brancherr.ErrIO
	}
	if _, err := m.branches.Create(name, parent, deltaIDFromPath(root.Dir())); err != nil {
		root.RemoveAll()
		m.deltas.Forget(name)
		return err
	}

	if switchToIt {
		if err := m.branches.Switch(name); err != nil {
			return err
		}
	}
	m.epochs.Bump()
	m.invalidator.Invalidate(m.ID, "")
	branchlog.Branch(m.ID, name).Debug("branch created")
	return nil
}

// Commit commits branchName per §4.4.
func (m *Mount) Commit(branchName string) error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	return m.commit.Commit(branchName)
}

// Abort aborts branchName per §4.4.
func (m *Mount) Abort(branchName string) error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	return m.commit.Abort(branchName)
}

// Switch changes the mount's view-branch.
func (m *Mount) Switch(name string) error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	if err := m.branches.Switch(name); err != nil {
		return err
	}
	m.epochs.Bump()
	m.invalidator.Invalidate(m.ID, "")
	return nil
}

// List returns the branch tree in stable depth-first order (§4.2 list()).
func (m *Mount) List() []branch.Entry {
	return m.branches.List()
}

// Teardown destroys every branch (including main's bookkeeping) and its
// delta directories, for unmount (§4.7). It does not remove the base.
func (m *Mount) Teardown() error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	for _, e := range m.branches.List() {
		if e.Name == branch.MainBranch {
			continue
		}
		if d := m.deltas.Delta(e.Name); d != nil {
			d.RemoveAll()
		}
	}
	return os.RemoveAll(m.StorageDir)
}

// ---- Filesystem operations (§6) ----

// Resolve resolves a logical path against the mount's current view.
func (m *Mount) Resolve(logicalPath string) (resolver.Verdict, error) {
	return m.resolve.Resolve(m.branches.View(), logicalPath)
}

// ResolveIn resolves logicalPath against an explicit view (used for
// `@branch`-scoped operations at the transport layer).
func (m *Mount) ResolveIn(view, logicalPath string) (resolver.Verdict, error) {
	return m.resolve.Resolve(view, logicalPath)
}

// Readdir lists dirPath under the current view.
func (m *Mount) Readdir(dirPath string) ([]resolver.DirEntry, error) {
	return m.resolve.List(m.branches.View(), dirPath)
}

// ReaddirIn lists dirPath under an explicit view.
func (m *Mount) ReaddirIn(view, dirPath string) ([]resolver.DirEntry, error) {
	return m.resolve.List(view, dirPath)
}

func (m *Mount) rejectMainWrite(targetBranch string) error {
	if targetBranch == branch.MainBranch {
		// main carries no delta directory (§4.7); writes never touch the
		// base (§4.3), so there is nowhere to capture a write while the
		// resolved target is main. See DESIGN.md for this Open Question's
		// resolution.
		return brancherr.ErrIO
	}
	return nil
}

// resolveTarget peels a leading `@branch` segment off logicalPath so a
// write can target that branch regardless of the mount's current view
// (§4.1: `@branch/...` is usable for writes, not just reads).
func (m *Mount) resolveTarget(logicalPath string) (string, string, error) {
	return m.resolve.StripVirtual(m.branches.View(), logicalPath)
}

// Open opens logicalPath for I/O against its resolved target branch
// (the current view, or the branch named by a leading `@branch` segment),
// materializing on first write per flags. Returns a handle id bound to the
// resolved backing path and the mount's epoch at open time (§3 "Handle").
func (m *Mount) Open(logicalPath string, writable, truncate, create bool, mode os.FileMode) (uint64, error) {
	return m.openFrom(m.branches.View(), logicalPath, writable, truncate, create, mode)
}

// OpenIn opens logicalPath for I/O against an explicit base view rather
// than the mount's current one, mirroring ResolveIn/ReaddirIn. A transport
// binding uses this for a handle pinned to a `@branch` subtree, so a
// writable open through that handle materializes against the pinned
// branch even while the mount's own view is switched elsewhere.
func (m *Mount) OpenIn(view, logicalPath string, writable, truncate, create bool, mode os.FileMode) (uint64, error) {
	return m.openFrom(view, logicalPath, writable, truncate, create, mode)
}

func (m *Mount) openFrom(baseView, logicalPath string, writable, truncate, create bool, mode os.FileMode) (uint64, error) {
	view, path, err := m.resolve.StripVirtual(baseView, logicalPath)
	if err != nil {
		return 0, err
	}

	var real string
	switch {
	case create:
		if err = m.rejectMainWrite(view); err != nil {
			return 0, err
		}
		real, err = m.cowEng.Create(view, path, mode)
	case writable && truncate:
		if err = m.rejectMainWrite(view); err != nil {
			return 0, err
		}
		real, err = m.cowEng.OpenTruncate(view, path)
	case writable:
		if err = m.rejectMainWrite(view); err != nil {
			return 0, err
		}
		real, err = m.cowEng.Materialize(view, path)
	default:
		var verdict resolver.Verdict
		verdict, err = m.resolve.Resolve(view, path)
		if err != nil {
			return 0, err
		}
		if verdict.Kind == resolver.KindNotFound || verdict.Kind == resolver.KindDeleted {
			return 0, brancherr.ErrNotFound
		}
		if verdict.Kind == resolver.KindDir {
			return 0, brancherr.ErrIO
		}
		real = verdict.RealPath
	}
	if err != nil {
		return 0, err
	}

	h := epoch.Handle{Branch: view, LogicalPath: path, OpenEpoch: m.epochs.Current(), BackingPath: real}
	id := m.handles.Open(h)
	m.attachMapping(id, real)
	return id, nil
}

// attachMapping best-effort mmaps real and records it against id, so Read
// can be served from mapped pages and a subsequent commit/abort can
// invalidate it via Mappings.Destroy (§4.5). A file that can't be mapped
// (e.g. zero length, or a transient open failure) simply falls back to
// Read's normal file-descriptor path; mmap is an optimization here, not a
// correctness requirement for reads.
func (m *Mount) attachMapping(id uint64, real string) {
	f, err := os.Open(real)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.Size() == 0 {
		return
	}
	mapping, err := m.mappings.Map(real, int(f.Fd()), int(fi.Size()))
	if err != nil {
		return
	}
	m.handles.SetMapping(id, mapping)
}

// checkHandle validates a handle for I/O, per §4.5 "Handle validity": the
// branch must still exist, and re-resolving the handle's logical path
// under its opened branch must still land on the same backing path.
func (m *Mount) checkHandle(id uint64) (epoch.Handle, error) {
	h, err := m.handles.Get(id)
	if err != nil {
		return epoch.Handle{}, err
	}
	current := h.BackingPath
	if verdict, err := m.resolve.Resolve(h.Branch, h.LogicalPath); err == nil {
		// verdict.RealPath is "" for NotFound/Deleted, which always
		// differs from a handle's (necessarily non-empty) BackingPath —
		// resolution changing to "gone" is itself a staleness trigger.
		current = verdict.RealPath
	}
	ok, _ := epoch.Validate(h, m.branches, current)
	if !ok {
		return epoch.Handle{}, brancherr.ErrStale
	}
	return h, nil
}

// Read reads from an open handle, serving straight out of a live mmap
// region when the handle has one and it covers the requested range (§4.5),
// otherwise falling back to a plain file read.
func (m *Mount) Read(id uint64, p []byte, offset int64) (int, error) {
	h, err := m.checkHandle(id)
	if err != nil {
		return 0, err
	}
	if mapping, ok := m.handles.Mapping(id); ok {
		if n, handled, mErr := mapping.ReadAt(p, int(offset)); handled {
			return n, mErr
		}
	}
	f, err := os.Open(h.BackingPath)
	if err != nil {
		return 0, brancherr.ErrIO
	}
	defer f.Close()
	n, err := f.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return n, brancherr.ErrIO
	}
	return n, nil
}

// Write writes to an open handle.
func (m *Mount) Write(id uint64, p []byte, offset int64) (int, error) {
	h, err := m.checkHandle(id)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(h.BackingPath, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, brancherr.ErrIO
	}
	defer f.Close()
	n, err := f.WriteAt(p, offset)
	if err != nil {
		return n, brancherr.ErrIO
	}
	return n, nil
}

// Release closes a handle.
func (m *Mount) Release(id uint64) {
	m.handles.Release(id)
}

// Flush is a no-op beyond validating the handle: I/O above goes straight
// to the backing file with no separate buffering layer.
func (m *Mount) Flush(id uint64) error {
	_, err := m.checkHandle(id)
	return err
}

// Create creates a new file at logicalPath's resolved target branch.
func (m *Mount) Create(logicalPath string, mode os.FileMode) (uint64, error) {
	return m.Open(logicalPath, true, false, true, mode)
}

// Mkdir creates a directory at logicalPath's resolved target branch.
func (m *Mount) Mkdir(logicalPath string) error {
	view, path, err := m.resolveTarget(logicalPath)
	if err != nil {
		return err
	}
	if err := m.rejectMainWrite(view); err != nil {
		return err
	}
	return m.cowEng.Mkdir(view, path)
}

// Unlink removes logicalPath from its resolved target branch.
func (m *Mount) Unlink(logicalPath string) error {
	view, path, err := m.resolveTarget(logicalPath)
	if err != nil {
		return err
	}
	if err := m.rejectMainWrite(view); err != nil {
		return err
	}
	return m.cowEng.Unlink(view, path)
}

// Rmdir removes an empty directory at logicalPath's resolved target branch.
// A branch-created empty delta directory is removed outright; a directory
// that exists only below is tombstoned, same as Unlink (§4.1).
func (m *Mount) Rmdir(logicalPath string) error {
	return m.Unlink(logicalPath)
}

// Rename renames fromPath to toPath, both resolved against the current view
// (either may carry its own leading `@branch` segment). Both must resolve to
// the same target branch: a rename can't reparent an entry across branches.
func (m *Mount) Rename(fromPath, toPath string) error {
	curView := m.branches.View()
	view, from, err := m.resolve.StripVirtual(curView, fromPath)
	if err != nil {
		return err
	}
	if err := m.rejectMainWrite(view); err != nil {
		return err
	}
	toView, to, err := m.resolve.StripVirtual(curView, toPath)
	if err != nil {
		return err
	}
	if toView != view {
		return brancherr.ErrIO
	}
	return m.cowEng.Rename(view, from, to)
}

// Truncate truncates logicalPath's resolved target branch to size.
func (m *Mount) Truncate(logicalPath string, size int64) error {
	view, path, err := m.resolveTarget(logicalPath)
	if err != nil {
		return err
	}
	if err := m.rejectMainWrite(view); err != nil {
		return err
	}
	return m.cowEng.Truncate(view, path, size)
}

// Getattr stats logicalPath under the current view.
func (m *Mount) Getattr(logicalPath string) (os.FileInfo, error) {
	verdict, err := m.resolve.Resolve(m.branches.View(), logicalPath)
	if err != nil {
		return nil, err
	}
	switch verdict.Kind {
	case resolver.KindNotFound, resolver.KindDeleted:
		return nil, brancherr.ErrNotFound
	}
	fi, err := os.Lstat(verdict.RealPath)
	if err != nil {
		return nil, brancherr.ErrIO
	}
	return fi, nil
}

// ---- Control-file protocol (§4.6) ----

// ReadCtl renders the status document for the branch this ctl-file
// instance is bound to (mount root uses the current view; a `@branch` ctl
// file uses that branch explicitly).
func (m *Mount) ReadCtl(boundBranch string) ([]byte, error) {
	return ctlfile.Render(boundBranch, m.epochs.Current(), m.branches.List())
}

// WriteCtl parses and executes a control-file write against boundBranch.
func (m *Mount) WriteCtl(boundBranch string, atMountRoot bool, data []byte) error {
	cmd, err := ctlfile.Parse(data)
	if err != nil {
		return err
	}
	return ctlfile.Execute(cmd, boundBranch, atMountRoot, ctlOps{m})
}

type ctlOps struct{ m *Mount }

func (o ctlOps) Commit(branchName string) error { return o.m.Commit(branchName) }
func (o ctlOps) Abort(branchName string) error  { return o.m.Abort(branchName) }
func (o ctlOps) Switch(name string) error       { return o.m.Switch(name) }
