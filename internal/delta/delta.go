// Package delta implements a single branch's on-disk delta directory: COW
// file copies, tombstone markers, and branch-created subdirectories (§3,
// §4.1 step 2).
package delta

import (
	"io"
	"os"
	"path/filepath"

	"branchfs/internal/brancherr"
)

// TombstoneSuffix marks a zero-length file as a deletion marker (§3).
const TombstoneSuffix = ".bfs_tombstone"

// Root is a handle onto one branch's delta directory on disk.
type Root struct {
	dir string
}

// Open returns a Root rooted at dir. dir must already exist (branch.Create
// is responsible for materializing it).
func Open(dir string) *Root {
	return &Root{dir: dir}
}

// Dir returns the delta directory's filesystem path.
func (r *Root) Dir() string { return r.dir }

func (r *Root) realPath(logicalPath string) string {
	return filepath.Join(r.dir, filepath.FromSlash(logicalPath))
}

func (r *Root) tombstonePath(logicalPath string) string {
	return r.realPath(logicalPath) + TombstoneSuffix
}

// HasTombstone reports whether logicalPath is tombstoned in this delta.
func (r *Root) HasTombstone(logicalPath string) bool {
	_, err := os.Lstat(r.tombstonePath(logicalPath))
	return err == nil
}

// HasEntry reports whether logicalPath has a live delta entry (file or
// branch-created directory) and, if so, whether it is a directory.
func (r *Root) HasEntry(logicalPath string) (isDir bool, ok bool) {
	fi, err := os.Lstat(r.realPath(logicalPath))
	if err != nil {
		return false, false
	}
	return fi.IsDir(), true
}

// Stat returns os.FileInfo for a live delta entry.
func (r *Root) Stat(logicalPath string) (os.FileInfo, error) {
	fi, err := os.Lstat(r.realPath(logicalPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brancherr.ErrNotFound
		}
		return nil, brancherr.ErrIO
	}
	return fi, nil
}

// RealPath exposes the backing path for a logical path, for handles and for
// the COW engine's I/O redirection.
func (r *Root) RealPath(logicalPath string) string {
	return r.realPath(logicalPath)
}

// WriteTombstone materializes a tombstone at logicalPath, creating parent
// delta directories as needed and replacing any earlier tombstone marker of
// either kind at that path. A live entry at the path is not touched here;
// callers remove it first (RemoveEntry) where one exists. isDir
// records whether the path being tombstoned was itself a directory, so
// Walk can later report the original kind: a directory tombstone is a
// marker directory rather than a marker file, since a plain file can't
// distinguish "deleted file" from "deleted directory" on its own.
func (r *Root) WriteTombstone(logicalPath string, isDir bool) error {
	if err := r.ensureParentDir(logicalPath); err != nil {
		return err
	}
	path := r.tombstonePath(logicalPath)
	if err := os.RemoveAll(path); err != nil {
		return brancherr.ErrIO
	}
	if isDir {
		if err := os.Mkdir(path, 0o755); err != nil {
			return brancherr.ErrIO
		}
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return brancherr.ErrIO
	}
	return f.Close()
}

// RemoveTombstone deletes a tombstone marker if present; a missing marker
// is not an error (mkdir-over-tombstone, and materialization, call this
// unconditionally).
func (r *Root) RemoveTombstone(logicalPath string) error {
	err := os.Remove(r.tombstonePath(logicalPath))
	if err != nil && !os.IsNotExist(err) {
		return brancherr.ErrIO
	}
	return nil
}

// EnsureDir creates a branch-created directory at logicalPath (mkdir),
// including missing parents.
func (r *Root) EnsureDir(logicalPath string) error {
	if err := os.MkdirAll(r.realPath(logicalPath), 0o755); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

func (r *Root) ensureParentDir(logicalPath string) error {
	parent := filepath.Dir(filepath.FromSlash(logicalPath))
	if parent == "." || parent == "/" {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(r.dir, parent), 0o755); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// MaterializeFile copies src's contents into this delta at logicalPath,
// preserving mode bits, and removes any tombstone that previously shadowed
// the path in this branch (§4.3 steps 2–3).
func (r *Root) MaterializeFile(logicalPath string, src io.Reader, mode os.FileMode) error {
	if err := r.ensureParentDir(logicalPath); err != nil {
		return err
	}
	dst, err := os.OpenFile(r.realPath(logicalPath), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return brancherr.ErrIO
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return brancherr.ErrIO
	}
	if err := dst.Close(); err != nil {
		return brancherr.ErrIO
	}
	return r.RemoveTombstone(logicalPath)
}

// CreateEmpty creates a zero-length delta file at logicalPath directly,
// used by open(O_TRUNC) and create() which elide the copy step (§4.3).
func (r *Root) CreateEmpty(logicalPath string, mode os.FileMode) error {
	if err := r.ensureParentDir(logicalPath); err != nil {
		return err
	}
	f, err := os.OpenFile(r.realPath(logicalPath), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return brancherr.ErrIO
	}
	if err := f.Close(); err != nil {
		return brancherr.ErrIO
	}
	return r.RemoveTombstone(logicalPath)
}

// RemoveEntry removes a live delta file or empty delta directory at
// logicalPath. Used when unlink/rmdir target something that exists purely
// in this branch's delta.
func (r *Root) RemoveEntry(logicalPath string) error {
	if err := os.Remove(r.realPath(logicalPath)); err != nil {
		if os.IsNotExist(err) {
			return brancherr.ErrNotFound
		}
		return brancherr.ErrIO
	}
	return nil
}

// Move relocates a live delta entry from one logical path to another within
// the same delta (used by rename, and by commit merges moving whole
// entries into a parent's delta).
func (r *Root) Move(fromLogical, toLogical string) error {
	if err := r.ensureParentDir(toLogical); err != nil {
		return err
	}
	if err := os.Rename(r.realPath(fromLogical), r.realPath(toLogical)); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// MoveInto relocates a live entry from another Root's delta into this one,
// crossing branch delta directories (used by commit merges, §4.4 case
// P-is-branch).
func (r *Root) MoveInto(src *Root, logicalPath string) error {
	if err := r.ensureParentDir(logicalPath); err != nil {
		return err
	}
	if err := os.Rename(src.realPath(logicalPath), r.realPath(logicalPath)); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// RemoveAll destroys the entire delta directory tree, used by abort and by
// destroying "main"'s bookkeeping at unmount (§4.4, §4.7).
func (r *Root) RemoveAll() error {
	if err := os.RemoveAll(r.dir); err != nil {
		return brancherr.ErrIO
	}
	return nil
}

// Walk enumerates every path under the delta, reporting whether each is a
// tombstone, in filepath.Walk's lexical order (a directory before its
// contents); commit collects the entries and makes its own two passes over
// them. fn receives the logical path (slash-separated,
// relative to the delta root), whether it is a tombstone marker, and the
// kind of the thing represented: for a live entry, whether it is a
// directory; for a tombstone, whether the path it marks deleted was
// itself a directory (see WriteTombstone).
func (r *Root) Walk(fn func(logicalPath string, isTombstone, isDir bool) error) error {
	return filepath.Walk(r.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == r.dir {
			return nil
		}
		rel, err := filepath.Rel(r.dir, path)
		if err != nil {
			return err
		}
		logical := filepath.ToSlash(rel)
		if filepath.Ext(logical) == TombstoneSuffix {
			logical = logical[:len(logical)-len(TombstoneSuffix)]
			if err := fn(logical, true, info.IsDir()); err != nil {
				return err
			}
			if info.IsDir() {
				// A directory-tombstone marker is itself the whole marker;
				// it has no real children to report.
				return filepath.SkipDir
			}
			return nil
		}
		return fn(logical, false, info.IsDir())
	})
}
