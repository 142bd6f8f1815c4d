package transport

import "branchfs/internal/mount"

// Compile-time check that *mount.Mount satisfies the FS surface a
// transport binding is written against.
var _ FS = (*mount.Mount)(nil)
