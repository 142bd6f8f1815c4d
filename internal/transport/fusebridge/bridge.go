// Package fusebridge is the concrete illustration of the "external
// transport" §1 leaves out of scope: a thin adapter from
// github.com/hanwen/go-fuse/v2 onto the transport.FS surface the core
// exposes. It never touches branch/delta/commit internals directly.
package fusebridge

import (
	"context"
	"os"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"branchfs/internal/brancherr"
	"branchfs/internal/mount"
	"branchfs/internal/resolver"
)

// Options configures the FUSE mount for one branchfs mount point.
type Options struct {
	Mountpoint string
	Mount      *mount.Mount
	AllowOther bool
}

// Mount mounts m at options.Mountpoint. The caller must call
// server.Unmount() when done (§4.7 unmount tears down the FUSE session).
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" || options.Mount == nil {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, err
	}

	root := &pathNode{m: options.Mount, view: "", logical: ""}

	entryTimeout := 0 * time.Second // deltas mutate underneath us; no positive caching
	attrTimeout := 0 * time.Second

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "branchfs",
			Name:       "branchfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

// pathNode is one inode: a logical path inside a mount, optionally bound
// to an explicit `@branch` view (view == "" means "the mount's current
// view", tracking switches live; view != "" means this subtree is pinned
// under `@view`, per §4.1's virtual-namespace re-rooting).
type pathNode struct {
	gofuse.Inode
	m       *mount.Mount
	view    string
	logical string // slash-separated, no leading slash; "" is the root
}

var (
	_ gofuse.InodeEmbedder = (*pathNode)(nil)
	_ gofuse.NodeLookuper  = (*pathNode)(nil)
	_ gofuse.NodeReaddirer = (*pathNode)(nil)
	_ gofuse.NodeGetattrer = (*pathNode)(nil)
	_ gofuse.NodeOpener    = (*pathNode)(nil)
	_ gofuse.NodeCreater   = (*pathNode)(nil)
	_ gofuse.NodeUnlinker  = (*pathNode)(nil)
	_ gofuse.NodeMkdirer   = (*pathNode)(nil)
	_ gofuse.NodeRmdirer   = (*pathNode)(nil)
	_ gofuse.NodeRenamer   = (*pathNode)(nil)
)

func (n *pathNode) child(name string) *pathNode {
	logical := name
	if n.logical != "" {
		logical = n.logical + "/" + name
	}
	view := n.view
	if strings.HasPrefix(name, "@") {
		// Re-rooting itself is handled by the resolver on the full
		// logical path; here we just track which explicit branch the
		// new subtree is bound to, for ctl-file targeting (§4.6).
		view = name[1:]
	}
	return &pathNode{m: n.m, view: view, logical: logical}
}

func (n *pathNode) resolve() (resolver.Verdict, error) {
	if n.view == "" {
		return n.m.Resolve(n.logical)
	}
	return n.m.ResolveIn(n.view, n.logical)
}

func (n *pathNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.child(name)
	verdict, err := child.resolve()
	if err != nil {
		return nil, brancherr.Errno(err)
	}
	mode := uint32(syscall.S_IFREG | 0o644)
	switch verdict.Kind {
	case resolver.KindNotFound, resolver.KindDeleted:
		return nil, syscall.ENOENT
	case resolver.KindDir:
		mode = syscall.S_IFDIR | 0o755
	}
	out.Mode = mode
	inode := n.NewInode(ctx, child, gofuse.StableAttr{Mode: mode & syscall.S_IFMT})
	return inode, 0
}

func (n *pathNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	var entries []resolver.DirEntry
	var err error
	if n.view == "" {
		entries, err = n.m.Readdir(n.logical)
	} else {
		entries, err = n.m.ReaddirIn(n.view, n.logical)
	}
	if err != nil {
		return nil, brancherr.Errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return gofuse.NewListDirStream(out), 0
}

func (n *pathNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if n.isCtl() {
		out.Mode = syscall.S_IFREG | 0o600
		return 0
	}
	fi, err := n.m.Getattr(n.logical)
	if err != nil {
		return brancherr.Errno(err)
	}
	if fi.IsDir() {
		out.Mode = syscall.S_IFDIR | 0o755
	} else {
		out.Mode = syscall.S_IFREG | 0o644
	}
	out.Size = uint64(fi.Size())
	return 0
}

func (n *pathNode) isCtl() bool {
	return n.logical == resolver.ControlFileName || strings.HasSuffix(n.logical, "/"+resolver.ControlFileName)
}

func (n *pathNode) atMountRoot() bool { return n.view == "" }

func (n *pathNode) boundBranch() string {
	if n.view != "" {
		return n.view
	}
	return n.m.View()
}

func (n *pathNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if n.isCtl() {
		return &ctlHandle{m: n.m, bound: n.boundBranch(), atRoot: n.atMountRoot()}, 0, 0
	}
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	truncate := flags&syscall.O_TRUNC != 0

	if n.view != "" && !writable {
		// A read-only @branch-scoped open never needs materialization, so
		// it's served straight off the resolved backing path, bypassing
		// the handle table entirely.
		verdict, verr := n.m.ResolveIn(n.view, n.logical)
		if verr != nil {
			return nil, 0, brancherr.Errno(verr)
		}
		if verdict.Kind == resolver.KindNotFound || verdict.Kind == resolver.KindDeleted {
			return nil, 0, syscall.ENOENT
		}
		return &pathReadHandle{path: verdict.RealPath}, 0, 0
	}

	// A writable open — whether at the mount root or under a `@branch`
	// subtree — materializes against its resolved target branch regardless
	// of the mount's current view (§4.1). OpenIn takes n.view explicitly so
	// this is correct whether or not n.logical still carries the leading
	// `@branch` segment that produced it.
	id, err := n.m.OpenIn(n.boundBranch(), n.logical, writable, truncate, false, 0o644)
	if err != nil {
		return nil, 0, brancherr.Errno(err)
	}
	return &mountHandle{m: n.m, id: id}, 0, 0
}

func (n *pathNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)
	id, err := n.m.Create(child.logical, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, brancherr.Errno(err)
	}
	out.Mode = syscall.S_IFREG | mode
	inode := n.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFREG})
	return inode, &mountHandle{m: n.m, id: id}, 0, 0
}

func (n *pathNode) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	if err := n.m.Unlink(child.logical); err != nil {
		return brancherr.Errno(err)
	}
	return 0
}

func (n *pathNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	child := n.child(name)
	if err := n.m.Mkdir(child.logical); err != nil {
		return nil, brancherr.Errno(err)
	}
	out.Mode = syscall.S_IFDIR | mode
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *pathNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	if err := n.m.Rmdir(child.logical); err != nil {
		return brancherr.Errno(err)
	}
	return 0
}

func (n *pathNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destParent, ok := newParent.(*pathNode)
	if !ok {
		return syscall.EXDEV
	}
	from := n.child(name).logical
	to := destParent.child(newName).logical
	if err := n.m.Rename(from, to); err != nil {
		return brancherr.Errno(err)
	}
	return 0
}

// mountHandle is a FileHandle backed by a core handle id, used for regular
// file reads/writes through the mount's handle table, whether the handle
// was opened in the current view or in a pinned @branch view.
type mountHandle struct {
	m  *mount.Mount
	id uint64
}

var (
	_ gofuse.FileReader   = (*mountHandle)(nil)
	_ gofuse.FileWriter   = (*mountHandle)(nil)
	_ gofuse.FileFlusher  = (*mountHandle)(nil)
	_ gofuse.FileReleaser = (*mountHandle)(nil)
)

func (h *mountHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.m.Read(h.id, dest, off)
	if err != nil {
		return nil, brancherr.Errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *mountHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.m.Write(h.id, data, off)
	if err != nil {
		return 0, brancherr.Errno(err)
	}
	return uint32(n), 0
}

func (h *mountHandle) Flush(ctx context.Context) syscall.Errno {
	if err := h.m.Flush(h.id); err != nil {
		return brancherr.Errno(err)
	}
	return 0
}

func (h *mountHandle) Release(ctx context.Context) syscall.Errno {
	h.m.Release(h.id)
	return 0
}

// pathReadHandle serves read-only access to an explicit @branch subtree
// directly from its resolved backing path, bypassing the handle table
// (no materialization is ever needed for a read).
type pathReadHandle struct {
	path string
}

var _ gofuse.FileReader = (*pathReadHandle)(nil)

func (h *pathReadHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, syscall.EIO
	}
	defer f.Close()
	n, err := f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// ctlHandle serves the synthesized `.branchfs_ctl` control file (§4.6).
type ctlHandle struct {
	m      *mount.Mount
	bound  string
	atRoot bool
}

var (
	_ gofuse.FileReader = (*ctlHandle)(nil)
	_ gofuse.FileWriter = (*ctlHandle)(nil)
)

func (h *ctlHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	doc, err := h.m.ReadCtl(h.bound)
	if err != nil {
		return nil, brancherr.Errno(err)
	}
	if off >= int64(len(doc)) {
		return fuse.ReadResultData(nil), 0
	}
	end := int64(len(doc))
	if off+int64(len(dest)) < end {
		end = off + int64(len(dest))
	}
	return fuse.ReadResultData(doc[off:end]), 0
}

func (h *ctlHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if err := h.m.WriteCtl(h.bound, h.atRoot, data); err != nil {
		return 0, brancherr.Errno(err)
	}
	return uint32(len(data)), 0
}
