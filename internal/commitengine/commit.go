// Package commitengine implements the commit/abort state machine (§4.4):
// applying a leaf branch into its parent, or into the base when the parent
// is "main", and discarding an aborted branch's delta.
package commitengine

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v4"

	"branchfs/internal/brancherr"
	"branchfs/internal/branch"
	"branchfs/internal/delta"
	"branchfs/internal/epoch"
	"branchfs/internal/mmapguard"
)

// Graph is the narrow branch-store view the commit engine mutates.
type Graph interface {
	IsLeaf(name string) (bool, error)
	Get(name string) (branch.Node, error)
	Destroy(name string) error
	Switch(name string) error
}

// Deltas resolves branch names to delta roots and can drop one entirely.
type Deltas interface {
	Delta(branchName string) *delta.Root
	Forget(branchName string)
}

// Engine runs commit/abort for one mount.
type Engine struct {
	MountID     string
	Graph       Graph
	Deltas      Deltas
	Epoch       *epoch.Counter
	Invalidator epoch.Invalidator
	Mappings    *mmapguard.Registry
	BasePath    string

	// mu serializes commits/aborts per-mount (§5 ordering guarantee 3):
	// no creation or switch may interleave with an in-flight commit/abort
	// of the branches involved. The mount serializes its administrative
	// operations with its own separate mutex; this one keeps concurrent
	// commits/aborts on the same Engine from stepping on each other's delta
	// walks.
	mu sync.Mutex
}

// leafOrErr enforces the §4.4 leaf-only rule for both commit and abort.
func (e *Engine) leafOrErr(name string) error {
	if name == branch.MainBranch {
		return brancherr.ErrCannotModifyMain
	}
	isLeaf, err := e.Graph.IsLeaf(name)
	if err != nil {
		return err
	}
	if !isLeaf {
		return brancherr.ErrHasChildren
	}
	return nil
}

// Abort destroys b's delta directory and removes it from the graph,
// switching the mount's view to b's parent (§4.4 Abort(B)).
func (e *Engine) Abort(b string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.leafOrErr(b); err != nil {
		return err
	}
	node, err := e.Graph.Get(b)
	if err != nil {
		return err
	}
	d := e.Deltas.Delta(b)
	if d == nil {
		return brancherr.ErrNotFound
	}

	paths, err := mappedPaths(d)
	if err != nil {
		return err
	}
	for _, p := range paths {
		e.Mappings.Destroy(p, -1)
	}
	if err := d.RemoveAll(); err != nil {
		return err
	}
	if err := e.Graph.Destroy(b); err != nil {
		return err
	}
	e.Deltas.Forget(b)
	if err := e.Graph.Switch(node.Parent); err != nil {
		return err
	}

	e.Epoch.Bump()
	e.Invalidator.Invalidate(e.MountID, "")
	return nil
}

// Commit applies b into its parent (§4.4 Commit(B)).
func (e *Engine) Commit(b string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.leafOrErr(b); err != nil {
		return err
	}
	node, err := e.Graph.Get(b)
	if err != nil {
		return err
	}
	bDelta := e.Deltas.Delta(b)
	if bDelta == nil {
		return brancherr.ErrNotFound
	}

	// Collect the paths mmapguard may have mappings against before the
	// merge/apply pass below moves or removes bDelta's files out from
	// under it; walking afterward would find nothing left to invalidate.
	paths, err := mappedPaths(bDelta)
	if err != nil {
		return err
	}

	if node.Parent == branch.MainBranch {
		if err := e.applyToBase(bDelta); err != nil {
			return err
		}
	} else {
		parentDelta := e.Deltas.Delta(node.Parent)
		if parentDelta == nil {
			return brancherr.ErrParentMissing
		}
		if err := e.mergeIntoParent(bDelta, parentDelta); err != nil {
			return err
		}
	}

	for _, p := range paths {
		e.Mappings.Destroy(p, -1)
	}
	if err := e.Graph.Destroy(b); err != nil {
		return err
	}
	e.Deltas.Forget(b)
	if err := e.Graph.Switch(node.Parent); err != nil {
		return err
	}

	e.Epoch.Bump()
	e.Invalidator.Invalidate(e.MountID, "")
	return nil
}

// mappedPaths returns the backing file paths mmapguard.Registry keys
// mappings on for every live (non-tombstone, non-directory) entry under d,
// so Abort/Commit can invalidate exactly the files a mount may have mapped
// via Mount.attachMapping (§4.5, §8 property 7).
func mappedPaths(d *delta.Root) ([]string, error) {
	var paths []string
	err := d.Walk(func(path string, isTomb, isDir bool) error {
		if !isTomb && !isDir {
			paths = append(paths, d.RealPath(path))
		}
		return nil
	})
	if err != nil {
		return nil, brancherr.ErrIO
	}
	return paths, nil
}

// applyToBase implements §4.4 case P = main: two passes over b's delta,
// tombstones-as-deletions first, then materializations copied into base.
func (e *Engine) applyToBase(b *delta.Root) error {
	type entry struct {
		path   string
		isTomb bool
		isDir  bool
	}
	var entries []entry
	if err := b.Walk(func(path string, isTomb, isDir bool) error {
		entries = append(entries, entry{path, isTomb, isDir})
		return nil
	}); err != nil {
		return brancherr.ErrIO
	}

	// Pass 1: tombstones, files first then directories, matching §4.4's
	// "files first, then directories whose tombstone marks the directory
	// itself" ordering. A directory tombstone removes the base's whole
	// subtree in one shot (the delta never keeps a redundant per-file
	// tombstone under a directory it also tombstoned), so it uses
	// RemoveAll rather than the file pass's plain Remove.
	for _, en := range entries {
		if !en.isTomb || en.isDir {
			continue
		}
		basePath := e.BasePath + "/" + en.path
		if err := os.Remove(basePath); err != nil && !os.IsNotExist(err) {
			return brancherr.ErrIO
		}
	}
	for _, en := range entries {
		if !en.isTomb || !en.isDir {
			continue
		}
		basePath := e.BasePath + "/" + en.path
		if err := os.RemoveAll(basePath); err != nil {
			return brancherr.ErrIO
		}
	}

	// Pass 2: materializations. Directories first so file copies below them
	// have somewhere to land, then files (rename-into-place with retry).
	for _, en := range entries {
		if en.isTomb || !en.isDir {
			continue
		}
		basePath := e.BasePath + "/" + en.path
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return brancherr.ErrIO
		}
	}
	for _, en := range entries {
		if en.isTomb || en.isDir {
			continue
		}
		if err := applyFile(b.RealPath(en.path), e.BasePath+"/"+en.path); err != nil {
			return err
		}
	}
	return nil
}

// applyFile installs a delta file into the base at basePath via
// rename-into-place, retrying a bounded number of times on a transient
// filesystem error (grounded on the original implementation's benchmark
// note that this rename is the hot, most failure-prone step of a commit).
// Delta storage and the base directory aren't guaranteed to share a device,
// so a rename that fails with EXDEV falls back to a copy-then-remove (§4.4
// "copied (or moved if on the same device)").
func applyFile(deltaPath, basePath string) error {
	err := retry.Do(
		func() error {
			if err := os.MkdirAll(parentDir(basePath), 0o755); err != nil {
				return err
			}
			err := renameFile(deltaPath, basePath)
			if errors.Is(err, syscall.EXDEV) {
				return copyThenRemove(deltaPath, basePath)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
	)
	if err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// copyThenRemove installs deltaPath at basePath by copying its bytes and
// mode and then removing the source, for the cross-device case os.Rename
// can't handle atomically.
func copyThenRemove(deltaPath, basePath string) error {
	src, err := os.Open(deltaPath)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(basePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(deltaPath)
}

// renameFile is os.Rename behind a seam so tests can simulate EXDEV without
// needing two real devices.
var renameFile = os.Rename

func parentDir(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// mergeIntoParent implements §4.4 case P-is-another-branch: b's tombstones
// overwrite any parent delta entry and become parent tombstones; b's live
// entries overwrite any parent tombstone and move into the parent's delta.
func (e *Engine) mergeIntoParent(b, parent *delta.Root) error {
	type entry struct {
		path   string
		isTomb bool
		isDir  bool
	}
	var entries []entry
	if err := b.Walk(func(path string, isTomb, isDir bool) error {
		entries = append(entries, entry{path, isTomb, isDir})
		return nil
	}); err != nil {
		return brancherr.ErrIO
	}

	for _, en := range entries {
		if !en.isTomb {
			continue
		}
		if err := parent.RemoveEntry(en.path); err != nil && err != brancherr.ErrNotFound {
			return err
		}
		if err := parent.WriteTombstone(en.path, en.isDir); err != nil {
			return err
		}
	}
	for _, en := range entries {
		if en.isTomb {
			continue
		}
		if err := parent.RemoveTombstone(en.path); err != nil {
			return err
		}
		if en.isDir {
			// Walk reports a directory before its contents; moving it
			// whole would leave its children nothing to move.
			if err := parent.EnsureDir(en.path); err != nil {
				return err
			}
			continue
		}
		if err := parent.MoveInto(b, en.path); err != nil {
			return err
		}
	}
	return nil
}
