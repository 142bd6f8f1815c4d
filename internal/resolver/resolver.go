// Package resolver walks a branch chain (and `@branch` virtual-namespace
// segments) to a concrete backing verdict for a logical path (§4.1).
package resolver

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"branchfs/internal/brancherr"
	"branchfs/internal/branch"
	"branchfs/internal/delta"
)

// IgnoreFileName is the optional per-base-directory exclusion file (not
// part of the wire protocol; a listing convenience only). Entries below
// the base that match are hidden from readdir, the same as a .gitignore,
// but a file created through the overlay is always visible regardless of
// the pattern (a branch write is an explicit user action).
const IgnoreFileName = ".branchfsignore"

// Kind classifies a resolution verdict.
type Kind int

const (
	KindNotFound Kind = iota
	KindDeleted
	KindFile
	KindDir
)

// Verdict is the outcome of resolving one logical path.
type Verdict struct {
	Kind     Kind
	RealPath string // backing filesystem path; empty for NotFound/Deleted
	Branch   string // the branch whose delta (or "" for base) produced this verdict
}

// Graph is the narrow view of the branch store the resolver needs.
type Graph interface {
	Chain(name string) ([]branch.Node, error)
	Exists(name string) bool
	View() string
	List() []branch.Entry
}

// Deltas resolves a branch name to its on-disk delta root.
type Deltas interface {
	Delta(branchName string) *delta.Root
}

// ControlFileName is the synthesized control-file name (§4.6).
const ControlFileName = ".branchfs_ctl"

// Resolver resolves logical paths for one mount.
type Resolver struct {
	Graph    Graph
	Deltas   Deltas
	BasePath string

	ignore *ignore.GitIgnore // nil if no IgnoreFileName is present at BasePath
}

// New returns a Resolver over the given graph, delta lookup, and base dir.
// It loads BasePath/.branchfsignore once, if present.
func New(g Graph, d Deltas, basePath string) *Resolver {
	r := &Resolver{Graph: g, Deltas: d, BasePath: basePath}
	if m, err := ignore.CompileIgnoreFile(filepath.Join(basePath, IgnoreFileName)); err == nil {
		r.ignore = m
	}
	return r
}

// ignoredFromBase reports whether a base-only entry at logicalPath should
// be hidden from directory listings.
func (r *Resolver) ignoredFromBase(logicalPath string) bool {
	return r.ignore != nil && r.ignore.MatchesPath(logicalPath)
}

// stripVirtual peels leading "@branch" segments off logicalPath, rebinding
// the view branch at each step (§4.1 step 1). Returns the rebased view
// branch, the remaining logical path (no leading slash), and an error if
// any named branch doesn't exist or "@main" is used.
func (r *Resolver) stripVirtual(view, logicalPath string) (string, string, error) {
	path := strings.TrimPrefix(logicalPath, "/")
	for {
		if path == "" {
			return view, path, nil
		}
		seg, rest, _ := strings.Cut(path, "/")
		if !strings.HasPrefix(seg, "@") {
			return view, path, nil
		}
		name := seg[1:]
		if name == branch.MainBranch {
			return "", "", brancherr.ErrNotFound
		}
		if !r.Graph.Exists(name) {
			return "", "", brancherr.ErrNotFound
		}
		view = name
		path = rest
	}
}

// StripVirtual peels leading `@branch` segments off logicalPath and returns
// the branch a caller should actually operate against and the remaining
// logical path within it, per §4.1 step 1. Write paths use this directly
// (rather than going through Resolve) so `@branch/...` targets that branch
// regardless of the mount's current view, including when the target itself
// doesn't yet exist below that path (create/mkdir).
func (r *Resolver) StripVirtual(viewBranch, logicalPath string) (string, string, error) {
	return r.stripVirtual(viewBranch, logicalPath)
}

// Resolve resolves logicalPath as seen from viewBranch, per §4.1.
func (r *Resolver) Resolve(viewBranch, logicalPath string) (Verdict, error) {
	view, path, err := r.stripVirtual(viewBranch, logicalPath)
	if err != nil {
		return Verdict{}, err
	}

	if isControlFile(path) {
		return Verdict{Kind: KindFile, RealPath: "", Branch: view}, nil
	}

	chain, err := r.Graph.Chain(view)
	if err != nil {
		return Verdict{}, err
	}

	for _, node := range chain {
		d := r.Deltas.Delta(node.Name)
		if d == nil {
			continue
		}
		if d.HasTombstone(path) {
			return Verdict{Kind: KindDeleted, Branch: node.Name}, nil
		}
		if isDir, ok := d.HasEntry(path); ok {
			kind := KindFile
			if isDir {
				kind = KindDir
			}
			return Verdict{Kind: kind, RealPath: d.RealPath(path), Branch: node.Name}, nil
		}
		// A directory tombstone marks only the directory's own path; a
		// descendant that still exists further down the chain or in the
		// base must still resolve as deleted, since the directory carrying
		// it is gone from this branch's view.
		if ancestorTombstoned(d, path) {
			return Verdict{Kind: KindDeleted, Branch: node.Name}, nil
		}
	}

	basePath := joinBase(r.BasePath, path)
	fi, err := os.Lstat(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Verdict{Kind: KindNotFound}, nil
		}
		return Verdict{}, brancherr.ErrIO
	}
	kind := KindFile
	if fi.IsDir() {
		kind = KindDir
	}
	return Verdict{Kind: kind, RealPath: basePath, Branch: ""}, nil
}

// ancestorTombstoned reports whether some ancestor directory of path (not
// path itself) is tombstoned in d, so a directory tombstone shadows every
// path beneath it even though the marker is only ever written at the
// directory's own path.
func ancestorTombstoned(d *delta.Root, path string) bool {
	for {
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			return false
		}
		path = path[:idx]
		if d.HasTombstone(path) {
			return true
		}
	}
}

func isControlFile(path string) bool {
	return path == ControlFileName
}

func joinBase(base, path string) string {
	if path == "" {
		return base
	}
	return base + "/" + path
}

// DirEntry is one synthesized readdir row.
type DirEntry struct {
	Name  string
	IsDir bool
}

// List computes the union directory listing for dirPath under viewBranch,
// applying tombstone shadowing by chain priority and adding the
// synthesized `.branchfs_ctl` and `@branch` entries (§4.1 "Directory
// listing").
func (r *Resolver) List(viewBranch, dirPath string) ([]DirEntry, error) {
	view, path, err := r.stripVirtual(viewBranch, dirPath)
	if err != nil {
		return nil, err
	}

	chain, err := r.Graph.Chain(view)
	if err != nil {
		return nil, err
	}

	seen := map[string]DirEntry{}
	tombstoned := map[string]bool{}

	for _, node := range chain {
		d := r.Deltas.Delta(node.Name)
		if d == nil {
			continue
		}
		names := listChildNames(d.Dir(), path)
		for _, name := range names {
			if _, already := seen[name]; already || tombstoned[name] {
				continue
			}
			childLogical := joinLogical(path, name)
			if d.HasTombstone(childLogical) {
				tombstoned[name] = true
				continue
			}
			if isDir, ok := d.HasEntry(childLogical); ok {
				seen[name] = DirEntry{Name: name, IsDir: isDir}
			}
		}
	}

	baseDir := joinBase(r.BasePath, path)
	if entries, err := os.ReadDir(baseDir); err == nil {
		for _, e := range entries {
			name := e.Name()
			if _, already := seen[name]; already || tombstoned[name] {
				continue
			}
			if r.ignoredFromBase(joinLogical(path, name)) {
				continue
			}
			seen[name] = DirEntry{Name: name, IsDir: e.IsDir()}
		}
	}

	out := make([]DirEntry, 0, len(seen)+1+len(chain))
	for _, e := range seen {
		out = append(out, e)
	}

	if path == "" {
		out = append(out, DirEntry{Name: ControlFileName})
		for _, entry := range r.Graph.List() {
			if entry.Name == branch.MainBranch {
				continue
			}
			out = append(out, DirEntry{Name: "@" + entry.Name, IsDir: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func joinLogical(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// listChildNames lists the immediate child names of dirPath inside root,
// stripping tombstone suffixes back to their logical name.
func listChildNames(root, dirPath string) []string {
	target := root
	if dirPath != "" {
		target = root + "/" + dirPath
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, delta.TombstoneSuffix) {
			name = strings.TrimSuffix(name, delta.TombstoneSuffix)
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
