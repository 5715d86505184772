package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coredb/core/storage/buffer"
	"coredb/core/storage/disk"
	"coredb/core/storage/page"
)

func newTestTree(t *testing.T, leafMax, internalMax int) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	dm, hdr, err := disk.Open(path, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm, err := buffer.New(buffer.Config{PoolSize: 64, ReplacerK: 2}, dm, zap.NewNop(), nil)
	require.NoError(t, err)

	tree, err := Open(bpm, dm, Config{LeafMax: leafMax, InternalMax: internalMax}, hdr.RootPageID, zap.NewNop(), nil)
	require.NoError(t, err)
	return tree
}

func rid(n int64) page.RecordID {
	return page.RecordID{PageID: page.ID(n), SlotNum: uint32(n)}
}

func TestTree_EmptyGet(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, ok, err := tree.Get(Key(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_InsertGetRoundTrip(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := int64(0); i < 20; i++ {
		ok, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := int64(0); i < 20; i++ {
		v, ok, err := tree.Get(Key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, rid(i), v)
	}
	h, err := tree.Height()
	require.NoError(t, err)
	require.Greater(t, h, 1, "20 keys at leaf_max=4 must force at least one split")
}

func TestTree_InsertDuplicateRejected(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	ok, err := tree.Put(Key(1), rid(1))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Put(Key(1), rid(99))
	require.NoError(t, err)
	require.False(t, ok)

	v, found, err := tree.Get(Key(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), v)
}

func TestTree_RangeIteration(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := int64(0); i < 30; i++ {
		_, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for it.Valid() {
		got = append(got, int64(it.Key()))
		require.NoError(t, it.Next())
	}
	require.Len(t, got, 30)
	for i, v := range got {
		require.Equal(t, int64(i), v)
	}
}

func TestTree_BeginAtMidpoint(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := int64(0); i < 20; i += 2 { // even keys only
		_, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
	}

	it, err := tree.BeginAt(Key(7))
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	require.Equal(t, Key(8), it.Key(), "BeginAt lands on the first key >= the requested one")
}

func TestTree_RemoveCausesRedistributeOrCoalesce(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	n := int64(40)
	for i := int64(0); i < n; i++ {
		_, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
	}

	// Remove every third key, exercising both redistribution and coalesce
	// paths across a tree several levels deep.
	for i := int64(0); i < n; i += 3 {
		require.NoError(t, tree.Remove(Key(i)))
	}

	for i := int64(0); i < n; i++ {
		_, found, err := tree.Get(Key(i))
		require.NoError(t, err)
		if i%3 == 0 {
			require.False(t, found, "key %d should have been removed", i)
		} else {
			require.True(t, found, "key %d should still be present", i)
		}
	}
}

func TestTree_RemoveAbsentKeyIsNoop(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	_, err := tree.Put(Key(1), rid(1))
	require.NoError(t, err)

	require.NoError(t, tree.Remove(Key(999)))
	v, found, err := tree.Get(Key(1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rid(1), v)
}

func TestTree_RemoveAllThenEmpty(t *testing.T) {
	tree := newTestTree(t, 4, 4)
	for i := int64(0); i < 10; i++ {
		_, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
	}
	for i := int64(0); i < 10; i++ {
		require.NoError(t, tree.Remove(Key(i)))
	}
	_, ok, err := tree.Get(Key(0))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_RootPageIDPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	dm, hdr, err := disk.Open(path, true, zap.NewNop())
	require.NoError(t, err)

	bpm, err := buffer.New(buffer.Config{PoolSize: 16, ReplacerK: 2}, dm, zap.NewNop(), nil)
	require.NoError(t, err)
	tree, err := Open(bpm, dm, Config{LeafMax: 4, InternalMax: 4}, hdr.RootPageID, zap.NewNop(), nil)
	require.NoError(t, err)

	for i := int64(0); i < 12; i++ {
		_, err := tree.Put(Key(i), rid(i))
		require.NoError(t, err)
	}
	rootID := tree.GetRootPageID()
	require.NoError(t, dm.Close())

	dm2, hdr2, err := disk.Open(path, false, zap.NewNop())
	require.NoError(t, err)
	defer dm2.Close()
	require.Equal(t, rootID, hdr2.RootPageID)
}
