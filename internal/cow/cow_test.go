package cow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/branch"
	"branchfs/internal/brancherr"
	"branchfs/internal/delta"
	"branchfs/internal/resolver"
)

type memDeltas map[string]*delta.Root

func (m memDeltas) Delta(name string) *delta.Root { return m[name] }

type fixture struct {
	base  string
	store *branch.Store
	deltas memDeltas
	res   *resolver.Resolver
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	store := branch.NewStore("main-delta")
	deltas := memDeltas{branch.MainBranch: delta.Open(t.TempDir())}

	_, err := store.Create("feat", branch.MainBranch, "feat-delta")
	require.NoError(t, err)
	deltas["feat"] = delta.Open(t.TempDir())

	res := resolver.New(store, deltas, base)
	eng := New(res, deltas)

	return &fixture{base: base, store: store, deltas: deltas, res: res, eng: eng}
}

func TestMaterializeFromBase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("base content"), 0o644))

	real, err := f.eng.Materialize("feat", "a.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(real)
	require.NoError(t, err)
	assert.Equal(t, "base content", string(data))

	isDir, ok := f.deltas["feat"].HasEntry("a.txt")
	require.True(t, ok)
	assert.False(t, isDir)
}

func TestMaterializeIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("base"), 0o644))

	real1, err := f.eng.Materialize("feat", "a.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(real1, []byte("edited"), 0o644))

	real2, err := f.eng.Materialize("feat", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, real1, real2)

	data, err := os.ReadFile(real2)
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data), "second materialize must not re-copy over local edits")
}

func TestMaterializeMissingCreatesEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	real, err := f.eng.Materialize("feat", "new.txt")
	require.NoError(t, err)

	fi, err := os.Stat(real)
	require.NoError(t, err)
	assert.EqualValues(t, 0, fi.Size())
}

func TestOpenTruncateElidesCopy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "big.txt"), []byte(strings.Repeat("x", 100)), 0o644))

	real, err := f.eng.OpenTruncate("feat", "big.txt")
	require.NoError(t, err)

	fi, err := os.Stat(real)
	require.NoError(t, err)
	assert.EqualValues(t, 0, fi.Size())
}

func TestCreateDirectDeltaFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	real, err := f.eng.Create("feat", "fresh.txt", 0o600)
	require.NoError(t, err)

	fi, err := os.Stat(real)
	require.NoError(t, err)
	assert.EqualValues(t, 0, fi.Size())
}

func TestTruncateMaterializesThenTruncates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("0123456789"), 0o644))

	require.NoError(t, f.eng.Truncate("feat", "a.txt", 4))

	real := f.deltas["feat"].RealPath("a.txt")
	data, err := os.ReadFile(real)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(data))
}

func TestMkdirOverTombstoneClearsIt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.deltas["feat"].WriteTombstone("d", false))

	require.NoError(t, f.eng.Mkdir("feat", "d"))
	assert.False(t, f.deltas["feat"].HasTombstone("d"))
	isDir, ok := f.deltas["feat"].HasEntry("d")
	require.True(t, ok)
	assert.True(t, isDir)
}

func TestUnlinkBaseOnlyWritesTombstone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("base"), 0o644))

	require.NoError(t, f.eng.Unlink("feat", "a.txt"))
	assert.True(t, f.deltas["feat"].HasTombstone("a.txt"))
}

func TestUnlinkLiveDeltaEntryRemovesWithoutTombstone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.eng.Create("feat", "only-in-branch.txt", 0o644)
	require.NoError(t, err)

	require.NoError(t, f.eng.Unlink("feat", "only-in-branch.txt"))

	_, ok := f.deltas["feat"].HasEntry("only-in-branch.txt")
	assert.False(t, ok)
	assert.False(t, f.deltas["feat"].HasTombstone("only-in-branch.txt"))
}

func TestUnlinkLiveDeltaEntryShadowingBaseAlsoTombstones(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("base"), 0o644))
	_, err := f.eng.Materialize("feat", "a.txt")
	require.NoError(t, err)

	require.NoError(t, f.eng.Unlink("feat", "a.txt"))

	_, ok := f.deltas["feat"].HasEntry("a.txt")
	assert.False(t, ok)
	assert.True(t, f.deltas["feat"].HasTombstone("a.txt"))
}

func TestUnlinkNonEmptyBaseDirectoryRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.base, "olddir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "olddir", "a.txt"), []byte("x"), 0o644))

	err := f.eng.Unlink("feat", "olddir")
	require.Error(t, err)
	assert.ErrorIs(t, err, brancherr.ErrNotEmpty)
	assert.False(t, f.deltas["feat"].HasTombstone("olddir"))
}

func TestUnlinkEmptyBaseDirectoryWritesDirTombstone(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.base, "olddir"), 0o755))

	require.NoError(t, f.eng.Unlink("feat", "olddir"))
	assert.True(t, f.deltas["feat"].HasTombstone("olddir"))
}

func TestUnlinkNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.eng.Unlink("feat", "ghost.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, brancherr.ErrNotFound)
}

func TestRenameWithinOwnDelta(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.eng.Create("feat", "old.txt", 0o644)
	require.NoError(t, err)

	require.NoError(t, f.eng.Rename("feat", "old.txt", "new.txt"))

	_, ok := f.deltas["feat"].HasEntry("old.txt")
	assert.False(t, ok)
	_, ok = f.deltas["feat"].HasEntry("new.txt")
	assert.True(t, ok)
}

func TestRenameFromBaseMaterializesDestinationAndTombstonesSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.base, "a.txt"), []byte("base data"), 0o644))

	require.NoError(t, f.eng.Rename("feat", "a.txt", "b.txt"))

	isDir, ok := f.deltas["feat"].HasEntry("b.txt")
	require.True(t, ok)
	assert.False(t, isDir)
	assert.True(t, f.deltas["feat"].HasTombstone("a.txt"))

	data, err := os.ReadFile(f.deltas["feat"].RealPath("b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "base data", string(data))
}
