// Package integration exercises the mount administrative and filesystem
// surface end to end, the way a transport binding (FUSE, the CLI, the
// daemon) would drive it, without going through a live kernel mount.
package integration

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"branchfs/internal/branch"
	"branchfs/internal/brancherr"
	"branchfs/internal/epoch"
	"branchfs/internal/mount"
	"branchfs/internal/resolver"
)

func newFixtureMount(t *testing.T) *mount.Mount {
	t.Helper()
	base := t.TempDir()
	storage := t.TempDir()
	m, err := mount.Open(t.Name(), base, storage, epoch.NopInvalidator{})
	if err != nil {
		t.Fatalf("mount.Open: %v", err)
	}
	return m
}

func readAll(g *WithT, m *mount.Mount, logical string) string {
	h, err := m.Open(logical, false, false, false, 0)
	g.Expect(err).NotTo(HaveOccurred())
	defer m.Release(h)
	info, err := m.Getattr(logical)
	g.Expect(err).NotTo(HaveOccurred())
	buf := make([]byte, info.Size())
	n, err := m.Read(h, buf, 0)
	g.Expect(err).NotTo(HaveOccurred())
	return string(buf[:n])
}

func writeAll(g *WithT, m *mount.Mount, logical, content string) {
	h, err := m.Open(logical, true, true, true, 0o644)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = m.Write(h, []byte(content), 0)
	g.Expect(err).NotTo(HaveOccurred())
	m.Release(h)
}

// TestBranchWriteIsolatedFromBase covers S1: a write on a branch's view is
// visible from the root while that branch is current, and never touches the
// base directory until a commit happens.
func TestBranchWriteIsolatedFromBase(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(os.WriteFile(filepath.Join(m.BasePath, "file1.txt"), []byte("base content\n"), 0o644)).To(Succeed())

	g.Expect(m.CreateBranch("feature-a", branch.MainBranch, true)).To(Succeed())
	writeAll(g, m, "file1.txt", "modified\n")

	g.Expect(readAll(g, m, "file1.txt")).To(Equal("modified\n"))

	baseData, err := os.ReadFile(filepath.Join(m.BasePath, "file1.txt"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(baseData)).To(Equal("base content\n"))

	g.Expect(m.Switch(branch.MainBranch)).To(Succeed())
	g.Expect(readAll(g, m, "file1.txt")).To(Equal("base content\n"))
}

// TestVirtualNamespaceWriteWithoutSwitching covers S2: content written into
// an unpinned branch through the @branch namespace never leaks to the
// current (main) view, and never touches base, but is visible when pinned.
func TestVirtualNamespaceWriteWithoutSwitching(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(os.WriteFile(filepath.Join(m.BasePath, "file1.txt"), []byte("base content\n"), 0o644)).To(Succeed())
	g.Expect(m.CreateBranch("feature-a", branch.MainBranch, false)).To(Succeed())

	writeAll(g, m, "@feature-a/branch_file.txt", "branch a content\n")

	_, err := m.Getattr("branch_file.txt")
	g.Expect(err).To(HaveOccurred())
	g.Expect(err).To(MatchError(brancherr.ErrNotFound))

	g.Expect(readAll(g, m, "@feature-a/branch_file.txt")).To(Equal("branch a content\n"))

	_, err = os.Stat(filepath.Join(m.BasePath, "branch_file.txt"))
	g.Expect(os.IsNotExist(err)).To(BeTrue())
}

// TestCommitDeletePropagatesToBase covers S3: an unlink recorded as a
// tombstone in a branch does not touch base until commit removes it there.
func TestCommitDeletePropagatesToBase(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(os.WriteFile(filepath.Join(m.BasePath, "file2.txt"), []byte("keep me\n"), 0o644)).To(Succeed())
	g.Expect(m.CreateBranch("commit_del", branch.MainBranch, true)).To(Succeed())

	g.Expect(m.Unlink("file2.txt")).To(Succeed())

	_, err := os.Stat(filepath.Join(m.BasePath, "file2.txt"))
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(m.Commit("commit_del")).To(Succeed())

	_, err = os.Stat(filepath.Join(m.BasePath, "file2.txt"))
	g.Expect(os.IsNotExist(err)).To(BeTrue())
	g.Expect(m.View()).To(Equal(branch.MainBranch))

	for _, e := range m.List() {
		g.Expect(e.Name).NotTo(Equal("commit_del"))
	}
}

// TestChildBranchInheritsParentAfterWrite covers S4: a branch created off
// another (non-main) branch sees writes later made to its parent, resolved
// by walking the branch chain, without disturbing its own local write.
func TestChildBranchInheritsParentAfterWrite(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(m.CreateBranch("parent-br", branch.MainBranch, false)).To(Succeed())
	g.Expect(m.CreateBranch("child-br", "parent-br", false)).To(Succeed())

	writeAll(g, m, "@child-br/child_file.txt", "child content\n")

	g.Expect(m.Switch(branch.MainBranch)).To(Succeed())
	writeAll(g, m, "@parent-br/parent_file.txt", "parent content\n")

	g.Expect(readAll(g, m, "@child-br/parent_file.txt")).To(Equal("parent content\n"))
	g.Expect(readAll(g, m, "@child-br/child_file.txt")).To(Equal("child content\n"))
}

// TestCreateBranchRejectsInvalidNames covers S5: name validation errors are
// distinguishable sentinel values, not a single opaque failure.
func TestCreateBranchRejectsInvalidNames(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)

	cases := []string{"", "foo/bar", "@x", ".."}
	for _, name := range cases {
		err := m.CreateBranch(name, branch.MainBranch, false)
		g.Expect(err).To(HaveOccurred(), "name %q", name)
		g.Expect(err).To(MatchError(brancherr.ErrInvalidName), "name %q", name)
	}
}

// TestConcurrentMountsAreIsolated covers S6: two mounts over the same base
// each get their own branch namespace; committing in one does not affect
// the other's in-progress branch of the same name.
func TestConcurrentMountsAreIsolated(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	base := t.TempDir()
	storage1 := t.TempDir()
	storage2 := t.TempDir()

	m1, err := mount.Open("m1", base, storage1, epoch.NopInvalidator{})
	g.Expect(err).NotTo(HaveOccurred())
	m2, err := mount.Open("m2", base, storage2, epoch.NopInvalidator{})
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(m1.CreateBranch("experiment", branch.MainBranch, true)).To(Succeed())
	g.Expect(m2.CreateBranch("experiment", branch.MainBranch, true)).To(Succeed())

	writeAll(g, m1, "note.txt", "from m1\n")
	writeAll(g, m2, "note.txt", "from m2\n")

	g.Expect(m1.Commit("experiment")).To(Succeed())

	g.Expect(readAll(g, m2, "note.txt")).To(Equal("from m2\n"))
	found := false
	for _, e := range m2.List() {
		if e.Name == "experiment" {
			found = true
		}
	}
	g.Expect(found).To(BeTrue(), "m2's experiment branch must survive m1's commit")
}

// TestHandleStaleAfterAbort exercises the epoch/staleness path end to end:
// a handle opened before an abort must fail with ErrStale rather than
// silently reading through a vanished delta.
func TestHandleStaleAfterAbort(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(m.CreateBranch("scratch", branch.MainBranch, true)).To(Succeed())

	h, err := m.Create("temp.txt", 0o644)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(m.Abort("scratch")).To(Succeed())

	_, err = m.Read(h, make([]byte, 1), 0)
	g.Expect(err).To(HaveOccurred())
	g.Expect(err).To(MatchError(brancherr.ErrStale))
}

// TestControlFileProtocolDrivesSwitchAndReportsStatus exercises the
// .branchfs_ctl surface: reading returns a status document naming the
// current view and the branch tree, writing "switch:<name>" changes it.
func TestControlFileProtocolDrivesSwitchAndReportsStatus(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(m.CreateBranch("feat", branch.MainBranch, false)).To(Succeed())

	out, err := m.ReadCtl(m.View())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(out)).To(ContainSubstring("main"))
	g.Expect(string(out)).To(ContainSubstring("feat"))

	g.Expect(m.WriteCtl(m.View(), true, []byte("switch:feat"))).To(Succeed())
	g.Expect(m.View()).To(Equal("feat"))

	err = m.WriteCtl(m.View(), false, []byte("switch:main"))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err).To(MatchError(brancherr.ErrProtocol))
}

// TestReaddirSurfacesVirtualBranchesAndControlFile exercises directory
// listing at the mount root: the synthetic control file and @branch entries
// appear alongside real base content.
func TestReaddirSurfacesVirtualBranchesAndControlFile(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(os.WriteFile(filepath.Join(m.BasePath, "existing.txt"), []byte("x"), 0o644)).To(Succeed())
	g.Expect(m.CreateBranch("feat", branch.MainBranch, false)).To(Succeed())

	entries, err := m.Readdir("")
	g.Expect(err).NotTo(HaveOccurred())

	names := map[string]resolver.DirEntry{}
	for _, e := range entries {
		names[e.Name] = e
	}
	g.Expect(names).To(HaveKey(".branchfs_ctl"))
	g.Expect(names).To(HaveKey("@feat"))
	g.Expect(names).To(HaveKey("existing.txt"))
}

// TestRenameAcrossViewsMaterializesIntoDelta exercises rename semantics: a
// rename of a base-only file inside a branch view materializes the
// destination into that branch's delta and hides the source, without
// mutating base.
func TestRenameAcrossViewsMaterializesIntoDelta(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := newFixtureMount(t)
	g.Expect(os.WriteFile(filepath.Join(m.BasePath, "old.txt"), []byte("payload"), 0o644)).To(Succeed())
	g.Expect(m.CreateBranch("feat", branch.MainBranch, true)).To(Succeed())

	g.Expect(m.Rename("old.txt", "new.txt")).To(Succeed())

	g.Expect(readAll(g, m, "new.txt")).To(Equal("payload"))

	v, err := m.Resolve("old.txt")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(v.Kind).To(Equal(resolver.KindDeleted))

	_, err = os.Stat(filepath.Join(m.BasePath, "old.txt"))
	g.Expect(err).NotTo(HaveOccurred(), "base must be untouched pre-commit")
}
