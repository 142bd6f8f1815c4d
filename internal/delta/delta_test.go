package delta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/brancherr"
)

func newRoot(t *testing.T) *Root {
	t.Helper()
	dir := t.TempDir()
	return Open(dir)
}

func TestMaterializeAndStat(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	src := strings.NewReader("hello world")
	require.NoError(t, r.MaterializeFile("a/b.txt", src, 0o644))

	isDir, ok := r.HasEntry("a/b.txt")
	require.True(t, ok)
	assert.False(t, isDir)

	fi, err := r.Stat("a/b.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("hello world"), fi.Size())

	data, err := os.ReadFile(r.RealPath("a/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestMaterializeClearsExistingTombstone(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.WriteTombstone("f.txt", false))
	assert.True(t, r.HasTombstone("f.txt"))

	require.NoError(t, r.MaterializeFile("f.txt", strings.NewReader("x"), 0o644))
	assert.False(t, r.HasTombstone("f.txt"))
	isDir, ok := r.HasEntry("f.txt")
	assert.True(t, ok)
	assert.False(t, isDir)
}

func TestCreateEmpty(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.CreateEmpty("empty.txt", 0o644))
	fi, err := r.Stat("empty.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 0, fi.Size())
}

func TestRemoveEntry(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.CreateEmpty("f.txt", 0o644))
	require.NoError(t, r.RemoveEntry("f.txt"))

	_, ok := r.HasEntry("f.txt")
	assert.False(t, ok)

	err := r.RemoveEntry("ghost.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, brancherr.ErrNotFound)
}

func TestMoveWithinDelta(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.MaterializeFile("old.txt", strings.NewReader("data"), 0o644))
	require.NoError(t, r.Move("old.txt", "dir/new.txt"))

	_, ok := r.HasEntry("old.txt")
	assert.False(t, ok)
	isDir, ok := r.HasEntry("dir/new.txt")
	require.True(t, ok)
	assert.False(t, isDir)
}

func TestMoveIntoAcrossDeltas(t *testing.T) {
	t.Parallel()

	src := newRoot(t)
	dst := newRoot(t)
	require.NoError(t, src.MaterializeFile("shared.txt", strings.NewReader("payload"), 0o644))

	require.NoError(t, dst.MoveInto(src, "shared.txt"))

	_, ok := src.HasEntry("shared.txt")
	assert.False(t, ok)
	isDir, ok := dst.HasEntry("shared.txt")
	require.True(t, ok)
	assert.False(t, isDir)
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.EnsureDir("nested/dir"))
	isDir, ok := r.HasEntry("nested/dir")
	require.True(t, ok)
	assert.True(t, isDir)
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.CreateEmpty("f.txt", 0o644))
	require.NoError(t, r.RemoveAll())

	_, err := os.Stat(r.Dir())
	assert.True(t, os.IsNotExist(err))
}

func TestWalkReportsEntryKinds(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.MaterializeFile("live.txt", strings.NewReader("x"), 0o644))
	require.NoError(t, r.WriteTombstone("gone.txt", false))
	require.NoError(t, r.EnsureDir("subdir"))

	type seen struct {
		path   string
		isTomb bool
		isDir  bool
	}
	var got []seen
	require.NoError(t, r.Walk(func(path string, isTomb, isDir bool) error {
		got = append(got, seen{path, isTomb, isDir})
		return nil
	}))

	var foundLive, foundTomb, foundDir bool
	for _, s := range got {
		switch {
		case s.path == "live.txt" && !s.isTomb && !s.isDir:
			foundLive = true
		case s.path == "gone.txt" && s.isTomb && !s.isDir:
			foundTomb = true
		case s.path == "subdir" && s.isDir:
			foundDir = true
		}
	}
	assert.True(t, foundLive)
	assert.True(t, foundTomb)
	assert.True(t, foundDir)
}

func TestWriteTombstoneDirectoryReportsDirKindOnWalk(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.WriteTombstone("gonedir", true))
	assert.True(t, r.HasTombstone("gonedir"))

	var isTomb, isDir bool
	var count int
	require.NoError(t, r.Walk(func(path string, tomb, dir bool) error {
		if path == "gonedir" {
			isTomb, isDir = tomb, dir
			count++
		}
		return nil
	}))

	assert.Equal(t, 1, count, "a directory tombstone must be reported exactly once, not descended into")
	assert.True(t, isTomb)
	assert.True(t, isDir)
}

func TestWriteTombstoneReplacesPriorMarkerOfDifferentKind(t *testing.T) {
	t.Parallel()

	r := newRoot(t)
	require.NoError(t, r.WriteTombstone("path", false))
	require.NoError(t, r.WriteTombstone("path", true))

	isDir, ok := func() (bool, bool) {
		var result bool
		var found bool
		_ = r.Walk(func(p string, tomb, dir bool) error {
			if p == "path" {
				result, found = dir, true
			}
			return nil
		})
		return result, found
	}()
	require.True(t, ok)
	assert.True(t, isDir)
}

func TestRealPathJoinsDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := Open(dir)
	assert.Equal(t, filepath.Join(dir, "a", "b"), r.RealPath("a/b"))
}
