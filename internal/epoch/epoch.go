// Package epoch implements the per-mount monotonic epoch counter and the
// cache/mmap invalidation it drives (§4.5).
package epoch

import "sync/atomic"

// Invalidator receives notifications when a mount's epoch advances, so an
// external filesystem transport can drop its inode attribute and data
// caches. The core only calls it; the daemon passes NopInvalidator to the
// mounts it creates.
type Invalidator interface {
	// Invalidate asks the transport to drop cached attributes/data for
	// path under mount. path == "" means "invalidate everything for this
	// mount" (used on branch destruction and view switches).
	Invalidate(mount, path string)
}

// NopInvalidator discards invalidation notifications; used by callers (and
// tests) that don't have a live transport attached.
type NopInvalidator struct{}

func (NopInvalidator) Invalidate(string, string) {}

// Counter is a per-mount atomic epoch counter (§3 "epoch counter (monotonic,
// starts at 0)").
type Counter struct {
	value atomic.Uint64
}

// Current returns the counter's present value without mutating it.
func (c *Counter) Current() uint64 {
	return c.value.Load()
}

// Bump increments the counter and returns the new value. Every mutating
// administrative operation calls this exactly once, before reporting
// completion (§4.5, §5 ordering guarantee 1).
func (c *Counter) Bump() uint64 {
	return c.value.Add(1)
}

// Handle captures the epoch binding of a live file descriptor or mapped
// region, per §3 "Handle": (branch name, opened-at epoch). Handles hold a
// weak reference to a branch — by name only, never a *branch.Node pointer —
// so branch destruction is safe to observe (§9 "Handle lifetimes").
type Handle struct {
	Branch      string
	LogicalPath string
	OpenEpoch   uint64
	BackingPath string
}

// StaleReason enumerates why a handle failed validity, for logging.
type StaleReason int

const (
	NotStale StaleReason = iota
	StaleBranchGone
	StaleResolutionChanged
)

// BranchExists is satisfied by the branch store; kept as a narrow
// interface here to avoid an import cycle between epoch and branch.
type BranchExists interface {
	Exists(name string) bool
}

// Validate checks a handle against the branch store and the handle's
// recorded backing path against a fresh resolution, per §4.5 "Handle
// validity". currentBackingPath is what the resolver would produce for the
// same logical path today; the handle is stale if it differs.
func Validate(h Handle, store BranchExists, currentBackingPath string) (bool, StaleReason) {
	if !store.Exists(h.Branch) {
		return false, StaleBranchGone
	}
	if currentBackingPath != h.BackingPath {
		return false, StaleResolutionChanged
	}
	return true, NotStale
}
