// Package cow implements file-level copy-on-write materialization and the
// unlink/rename/mkdir edge policies that ride on top of it (§4.1 "Edge
// policies", §4.3).
package cow

import (
	"os"
	"sync"

	"branchfs/internal/brancherr"
	"branchfs/internal/delta"
	"branchfs/internal/resolver"
)

// Deltas resolves a branch name to its delta root, same contract the
// resolver uses.
type Deltas interface {
	Delta(branchName string) *delta.Root
}

// keyedLocks gives exactly-once materialization per (branch, logical path),
// per §4.3 "Concurrency within a branch" and §9 "Cross-thread coordination".
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Engine implements the COW write path for one mount.
type Engine struct {
	Resolver *resolver.Resolver
	Deltas   Deltas
	locks    *keyedLocks
}

// New returns a COW engine over the given resolver and delta lookup.
func New(r *resolver.Resolver, d Deltas) *Engine {
	return &Engine{Resolver: r, Deltas: d, locks: newKeyedLocks()}
}

func lockKey(branchName, path string) string { return branchName + "\x00" + path }

// Materialize ensures branchName's delta has a live entry at path backed by
// the nearest ancestor or base content, and returns the delta's real path
// for subsequent I/O redirection (§4.3 steps 1–4). If the branch already
// has a live entry (and it isn't tombstoned), this is a no-op fast path.
func (e *Engine) Materialize(branchName, path string) (string, error) {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return "", brancherr.ErrNotFound
	}
	if isDir, ok := own.HasEntry(path); ok && !isDir {
		return own.RealPath(path), nil
	}

	unlock := e.locks.lock(lockKey(branchName, path))
	defer unlock()

	// Re-check after acquiring the lock: a racing writer may have already
	// materialized this path (§4.3 "exactly one materialization").
	if isDir, ok := own.HasEntry(path); ok && !isDir {
		return own.RealPath(path), nil
	}

	verdict, err := e.Resolver.Resolve(branchName, path)
	if err != nil {
		return "", err
	}
	switch verdict.Kind {
	case resolver.KindDir:
		return "", brancherr.ErrIO
	case resolver.KindNotFound, resolver.KindDeleted:
		// No backing content: materialize as a fresh empty file, matching
		// create()'s direct-delta-file behavior (§4.3).
		if err := own.CreateEmpty(path, 0o644); err != nil {
			return "", err
		}
		return own.RealPath(path), nil
	}

	src, err := os.Open(verdict.RealPath)
	if err != nil {
		return "", brancherr.ErrIO
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return "", brancherr.ErrIO
	}
	if err := own.MaterializeFile(path, src, fi.Mode()); err != nil {
		return "", err
	}
	return own.RealPath(path), nil
}

// OpenTruncate implements open(O_WRONLY|O_RDWR|O_TRUNC): the copy step is
// elided and a zero-length delta file is created directly (§4.3).
func (e *Engine) OpenTruncate(branchName, path string) (string, error) {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return "", brancherr.ErrNotFound
	}
	unlock := e.locks.lock(lockKey(branchName, path))
	defer unlock()

	mode := os.FileMode(0o644)
	if verdict, err := e.Resolver.Resolve(branchName, path); err == nil && verdict.RealPath != "" {
		if fi, err := os.Lstat(verdict.RealPath); err == nil {
			mode = fi.Mode()
		}
	}
	if err := own.CreateEmpty(path, mode); err != nil {
		return "", err
	}
	return own.RealPath(path), nil
}

// Create implements create(): a delta file is created directly in
// branchName's delta. A file already at that path in the delta is
// truncated to empty; no EEXIST is reported.
func (e *Engine) Create(branchName, path string, mode os.FileMode) (string, error) {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return "", brancherr.ErrNotFound
	}
	unlock := e.locks.lock(lockKey(branchName, path))
	defer unlock()

	if err := own.CreateEmpty(path, mode); err != nil {
		return "", err
	}
	return own.RealPath(path), nil
}

// Truncate materializes path (if needed) then truncates it to size (§4.3
// "On truncate, the file is materialized then truncated").
func (e *Engine) Truncate(branchName, path string, size int64) error {
	real, err := e.Materialize(branchName, path)
	if err != nil {
		return err
	}
	if err := os.Truncate(real, size); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// Mkdir creates path as a branch-created directory. If path is currently
// tombstoned in branchName, the tombstone is removed and a fresh delta
// directory takes its place (§4.1 "A mkdir on a path that corresponds to a
// tombstoned directory").
func (e *Engine) Mkdir(branchName, path string) error {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return brancherr.ErrNotFound
	}
	if err := own.EnsureDir(path); err != nil {
		return err
	}
	return own.RemoveTombstone(path)
}

// Unlink implements §4.1's unlink/rmdir edge policy: if the path exists
// only below (in an ancestor or base), write a tombstone; if it has a live
// delta entry in this branch, remove that entry, additionally tombstoning
// if the path also exists below. A directory target must be empty in the
// union view, matching POSIX rmdir.
func (e *Engine) Unlink(branchName, path string) error {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return brancherr.ErrNotFound
	}

	verdict, err := e.Resolver.Resolve(branchName, path)
	if err != nil {
		return err
	}
	if verdict.Kind == resolver.KindNotFound || verdict.Kind == resolver.KindDeleted {
		return brancherr.ErrNotFound
	}

	if verdict.Kind == resolver.KindDir {
		children, err := e.Resolver.List(branchName, path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return brancherr.ErrNotEmpty
		}
	}

	if verdict.Branch == branchName {
		if err := own.RemoveEntry(path); err != nil {
			return err
		}
	}

	existsBelow, err := e.existsInAncestorOrBase(branchName, path, verdict.Branch)
	if err != nil {
		return err
	}
	if existsBelow || verdict.Branch != branchName {
		return own.WriteTombstone(path, verdict.Kind == resolver.KindDir)
	}
	return nil
}

// Rename implements the §4.1 edge policy: copy-materialize the source's
// content to the destination within branchName's delta, then remove the
// source from branchName's own delta (if it lived there) and tombstone the
// source path if content for it still exists below.
func (e *Engine) Rename(branchName, fromPath, toPath string) error {
	own := e.Deltas.Delta(branchName)
	if own == nil {
		return brancherr.ErrNotFound
	}

	verdict, err := e.Resolver.Resolve(branchName, fromPath)
	if err != nil {
		return err
	}
	if verdict.Kind == resolver.KindNotFound || verdict.Kind == resolver.KindDeleted {
		return brancherr.ErrNotFound
	}

	existsBelow, err := e.existsInAncestorOrBase(branchName, fromPath, verdict.Branch)
	if err != nil {
		return err
	}

	if verdict.Kind == resolver.KindDir {
		if verdict.Branch == branchName {
			if err := own.Move(fromPath, toPath); err != nil {
				return err
			}
		} else {
			if err := own.EnsureDir(toPath); err != nil {
				return err
			}
		}
	} else if verdict.Branch == branchName {
		if err := own.Move(fromPath, toPath); err != nil {
			return err
		}
	} else {
		src, openErr := os.Open(verdict.RealPath)
		if openErr != nil {
			return brancherr.ErrIO
		}
		fi, statErr := src.Stat()
		if statErr != nil {
			src.Close()
			return brancherr.ErrIO
		}
		matErr := own.MaterializeFile(toPath, src, fi.Mode())
		src.Close()
		if matErr != nil {
			return matErr
		}
	}

	if existsBelow || verdict.Branch != branchName {
		return own.WriteTombstone(fromPath, verdict.Kind == resolver.KindDir)
	}
	return nil
}

// existsInAncestorOrBase reports whether path has a verdict (file, dir, or
// even a tombstone) among branchName's ancestors or the base, i.e. whether
// content exists "below" branchName — used to decide whether removing
// branchName's own delta entry for path also needs a tombstone so the
// ancestor/base content doesn't reappear.
func (e *Engine) existsInAncestorOrBase(branchName, path, shadowedBranch string) (bool, error) {
	if shadowedBranch != branchName {
		return true, nil
	}
	chain, err := e.Resolver.Graph.Chain(branchName)
	if err != nil {
		return false, err
	}
	for _, node := range chain[1:] {
		d := e.Resolver.Deltas.Delta(node.Name)
		if d == nil {
			continue
		}
		if d.HasTombstone(path) {
			return true, nil
		}
		if _, ok := d.HasEntry(path); ok {
			return true, nil
		}
	}
	if _, err := os.Lstat(e.Resolver.BasePath + "/" + path); err == nil {
		return true, nil
	}
	return false, nil
}
