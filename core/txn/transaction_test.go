package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"coredb/core/storage/page"
)

func TestTransaction_StateDefaultsToGrowing(t *testing.T) {
	tr := NewTransaction(1, RepeatableRead)
	require.Equal(t, Growing, tr.State())
	require.Equal(t, int64(1), tr.ID())
}

func TestTransaction_TableLockBookkeeping(t *testing.T) {
	tr := NewTransaction(1, RepeatableRead)
	require.False(t, tr.HasTableLock(Shared, TableID(1)))

	tr.GrantTableLock(Shared, TableID(1))
	require.True(t, tr.HasTableLock(Shared, TableID(1)))
	require.True(t, tr.HasAnyTableLock(TableID(1), IntentionShared, Shared))

	tr.RevokeTableLock(Shared, TableID(1))
	require.False(t, tr.HasTableLock(Shared, TableID(1)))
}

func TestTransaction_RowLockBookkeepingAndRowLockOnTable(t *testing.T) {
	tr := NewTransaction(1, RepeatableRead)
	rid := page.RecordID{PageID: 3, SlotNum: 1}

	require.False(t, tr.HasRowLockOnTable(TableID(9)))
	tr.GrantRowLock(Exclusive, TableID(9), rid)
	require.True(t, tr.HasRowLock(Exclusive, rid))
	require.True(t, tr.HasRowLockOnTable(TableID(9)))

	tr.RevokeRowLock(Exclusive, rid)
	require.False(t, tr.HasRowLock(Exclusive, rid))
	require.False(t, tr.HasRowLockOnTable(TableID(9)))
}

func TestTransaction_UndoAllRunsLIFO(t *testing.T) {
	tr := NewTransaction(1, RepeatableRead)
	var order []int
	tr.RecordWrite(func() { order = append(order, 1) })
	tr.RecordWrite(func() { order = append(order, 2) })
	tr.RecordWrite(func() { order = append(order, 3) })

	tr.UndoAll()
	require.Equal(t, []int{3, 2, 1}, order)
}

func TestTransaction_HeldTableAndRowIDs(t *testing.T) {
	tr := NewTransaction(1, RepeatableRead)
	tr.GrantTableLock(IntentionExclusive, TableID(1))
	tr.GrantTableLock(Shared, TableID(2))
	rid1 := page.RecordID{PageID: 1, SlotNum: 0}
	tr.GrantRowLock(Shared, TableID(1), rid1)

	tables := tr.HeldTableIDs()
	require.ElementsMatch(t, []TableID{1, 2}, tables)

	rows := tr.HeldRowIDs()
	require.ElementsMatch(t, []page.RecordID{rid1}, rows)
}

func TestLockModeAndStateStringers(t *testing.T) {
	require.Equal(t, "IS", IntentionShared.String())
	require.Equal(t, "X", Exclusive.String())
	require.Equal(t, "GROWING", Growing.String())
	require.Equal(t, "ABORTED", Aborted.String())
}
