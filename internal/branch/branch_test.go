package branch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchfs/internal/brancherr"
)

func TestNewStore(t *testing.T) {
	t.Parallel()

	s := NewStore("delta-main")
	assert.Equal(t, MainBranch, s.View())
	assert.True(t, s.Exists(MainBranch))

	main, err := s.Get(MainBranch)
	require.NoError(t, err)
	assert.Equal(t, "delta-main", main.DeltaID)
	assert.Empty(t, main.Parent)
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		branch  string
		wantErr error
		wantSub error
	}{
		{"empty", "", brancherr.ErrInvalidName, brancherr.ErrNameEmpty},
		{"has slash", "feat/one", brancherr.ErrInvalidName, brancherr.ErrNameHasSlash},
		{"has at", "@feat", brancherr.ErrInvalidName, brancherr.ErrNameHasAt},
		{"dot", ".", brancherr.ErrInvalidName, brancherr.ErrNameDotOrDotDot},
		{"dotdot", "..", brancherr.ErrInvalidName, brancherr.ErrNameDotOrDotDot},
		{"valid", "feature-1", nil, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateName(tt.branch)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))
			assert.True(t, errors.Is(err, tt.wantSub))
		})
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	t.Run("rejects reserved main", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create(MainBranch, MainBranch, "d1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrInvalidName))
	})

	t.Run("rejects invalid name before duplicate/parent checks", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("bad/name", MainBranch, "d1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrInvalidName))
	})

	t.Run("rejects missing parent", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("feat", "nope", "d1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrParentMissing))
	})

	t.Run("rejects duplicate", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("feat", MainBranch, "d1")
		require.NoError(t, err)
		_, err = s.Create("feat", MainBranch, "d2")
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrDuplicate))
	})

	t.Run("success links parent and child", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		n, err := s.Create("feat", MainBranch, "d1")
		require.NoError(t, err)
		assert.Equal(t, "feat", n.Name)
		assert.Equal(t, MainBranch, n.Parent)
		assert.Equal(t, "d1", n.DeltaID)

		leaf, err := s.IsLeaf(MainBranch)
		require.NoError(t, err)
		assert.False(t, leaf)

		leaf, err = s.IsLeaf("feat")
		require.NoError(t, err)
		assert.True(t, leaf)
	})
}

func TestGetExists(t *testing.T) {
	t.Parallel()

	s := NewStore("d0")
	_, err := s.Create("feat", MainBranch, "d1")
	require.NoError(t, err)

	assert.True(t, s.Exists("feat"))
	assert.False(t, s.Exists("ghost"))

	_, err = s.Get("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, brancherr.ErrNotFound))
}

func TestChain(t *testing.T) {
	t.Parallel()

	s := NewStore("d0")
	_, err := s.Create("a", MainBranch, "d1")
	require.NoError(t, err)
	_, err = s.Create("b", "a", "d2")
	require.NoError(t, err)

	chain, err := s.Chain("b")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, "b", chain[0].Name)
	assert.Equal(t, "a", chain[1].Name)
	assert.Equal(t, MainBranch, chain[2].Name)

	_, err = s.Chain("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, brancherr.ErrNotFound))
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	t.Run("rejects main", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		err := s.Destroy(MainBranch)
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrCannotModifyMain))
	})

	t.Run("rejects branch with children", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("a", MainBranch, "d1")
		require.NoError(t, err)
		_, err = s.Create("b", "a", "d2")
		require.NoError(t, err)

		err = s.Destroy("a")
		require.Error(t, err)
		assert.True(t, errors.Is(err, brancherr.ErrHasChildren))
	})

	t.Run("removes leaf and resets view to parent", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("a", MainBranch, "d1")
		require.NoError(t, err)
		require.NoError(t, s.Switch("a"))
		assert.Equal(t, "a", s.View())

		require.NoError(t, s.Destroy("a"))
		assert.False(t, s.Exists("a"))
		assert.Equal(t, MainBranch, s.View())

		leaf, err := s.IsLeaf(MainBranch)
		require.NoError(t, err)
		assert.True(t, leaf)
	})

	t.Run("does not disturb view of an unrelated branch", func(t *testing.T) {
		t.Parallel()
		s := NewStore("d0")
		_, err := s.Create("a", MainBranch, "d1")
		require.NoError(t, err)
		_, err = s.Create("b", MainBranch, "d2")
		require.NoError(t, err)

		require.NoError(t, s.Switch("b"))
		require.NoError(t, s.Destroy("a"))
		assert.Equal(t, "b", s.View())
	})
}

func TestSwitch(t *testing.T) {
	t.Parallel()

	s := NewStore("d0")
	err := s.Switch("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, brancherr.ErrNotFound))

	_, err = s.Create("a", MainBranch, "d1")
	require.NoError(t, err)
	require.NoError(t, s.Switch("a"))
	assert.Equal(t, "a", s.View())
}

func TestList(t *testing.T) {
	t.Parallel()

	s := NewStore("d0")
	_, err := s.Create("b", MainBranch, "d1")
	require.NoError(t, err)
	_, err = s.Create("a", MainBranch, "d2")
	require.NoError(t, err)
	_, err = s.Create("a1", "a", "d3")
	require.NoError(t, err)

	entries := s.List()
	require.Len(t, entries, 4)

	// main first, then depth-first through sorted children.
	assert.Equal(t, MainBranch, entries[0].Name)
	assert.Equal(t, "a", entries[1].Name)
	assert.Equal(t, "a1", entries[2].Name)
	assert.Equal(t, "b", entries[3].Name)
	assert.Equal(t, "a", entries[2].Parent)
	assert.Equal(t, MainBranch, entries[1].Parent)
}
