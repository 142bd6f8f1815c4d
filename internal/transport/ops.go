// Package transport defines the interfaces an external filesystem binding
// implements against the core, and the administrative RPC surface it
// forwards from the control channel (§1 "OUT OF SCOPE... the core assumes
// some external transport delivers filesystem operations... and
// administrative RPCs").
package transport

import (
	"os"

	"branchfs/internal/resolver"
)

// FS is the filesystem-operation surface a kernel binding drives per
// request (lookup, getattr, open, read, write, create, unlink, mkdir,
// rmdir, rename, readdir, release, flush — §1, §6). *mount.Mount
// implements this directly against its current view; a binding that needs
// `@branch`-scoped access uses the *In variants instead.
type FS interface {
	Resolve(logicalPath string) (resolver.Verdict, error)
	ResolveIn(view, logicalPath string) (resolver.Verdict, error)
	Readdir(dirPath string) ([]resolver.DirEntry, error)
	ReaddirIn(view, dirPath string) ([]resolver.DirEntry, error)
	Getattr(logicalPath string) (os.FileInfo, error)

	Open(logicalPath string, writable, truncate, create bool, mode os.FileMode) (uint64, error)
	Read(handle uint64, p []byte, offset int64) (int, error)
	Write(handle uint64, p []byte, offset int64) (int, error)
	Release(handle uint64)
	Flush(handle uint64) error

	Create(logicalPath string, mode os.FileMode) (uint64, error)
	Mkdir(logicalPath string) error
	Unlink(logicalPath string) error
	Rmdir(logicalPath string) error
	Rename(fromPath, toPath string) error
	Truncate(logicalPath string, size int64) error

	ReadCtl(boundBranch string) ([]byte, error)
	WriteCtl(boundBranch string, atMountRoot bool, data []byte) error
}

// Admin is the administrative RPC surface (create-branch, commit, abort,
// switch, list, unmount — §1, §6) forwarded from the daemon's IPC socket.
type Admin interface {
	CreateBranch(name, parent string, switchToIt bool) error
	Commit(branchName string) error
	Abort(branchName string) error
	Switch(name string) error
	List() []Entry
	Epoch() uint64
}

// Entry mirrors branch.Entry to keep this package decoupled from the
// branch package's internal Node representation.
type Entry struct {
	Name   string
	Parent string
}
