package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coredb/core/concurrency/lock"
	"coredb/core/storage/page"
	"coredb/core/txn"
)

func rid(n int64) page.RecordID {
	return page.RecordID{PageID: page.ID(n), SlotNum: uint32(n)}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	lm := lock.New(ctx, lock.Config{CycleDetectionInterval: 20 * time.Millisecond}, zap.NewNop(), nil)
	return New(lm, zap.NewNop())
}

func TestBegin_AllocatesStrictlyIncreasingIDs(t *testing.T) {
	m := newTestManager(t)
	t1 := m.Begin(txn.RepeatableRead)
	t2 := m.Begin(txn.RepeatableRead)
	require.Equal(t, int64(1), t1.ID())
	require.Equal(t, int64(2), t2.ID())
	require.Equal(t, txn.Growing, t1.State())
}

func TestCommit_ReleasesLocksAndMarksCommitted(t *testing.T) {
	m := newTestManager(t)
	tr := m.Begin(txn.RepeatableRead)

	require.NoError(t, m.locks.(*lock.Manager).LockTable(context.Background(), tr, txn.IntentionExclusive, txn.TableID(1)))
	require.NoError(t, m.locks.(*lock.Manager).LockRow(context.Background(), tr, txn.Exclusive, txn.TableID(1), rid(1)))

	require.NoError(t, m.Commit(context.Background(), tr))
	require.Equal(t, txn.Committed, tr.State())
	require.Empty(t, tr.HeldRowIDs())
	require.Empty(t, tr.HeldTableIDs())

	// Locks must actually be free: another transaction can now take X.
	other := m.Begin(txn.RepeatableRead)
	require.NoError(t, m.locks.(*lock.Manager).LockTable(context.Background(), other, txn.Exclusive, txn.TableID(1)))
}

func TestCommit_RefusesAlreadyAbortedTransaction(t *testing.T) {
	m := newTestManager(t)
	tr := m.Begin(txn.RepeatableRead)
	require.NoError(t, m.Abort(context.Background(), tr))

	err := m.Commit(context.Background(), tr)
	require.Error(t, err)
}

func TestAbort_RunsUndoInLIFOOrderThenReleasesLocksAndMarksAborted(t *testing.T) {
	m := newTestManager(t)
	tr := m.Begin(txn.RepeatableRead)

	var order []int
	tr.RecordWrite(func() { order = append(order, 1) })
	tr.RecordWrite(func() { order = append(order, 2) })

	require.NoError(t, m.locks.(*lock.Manager).LockTable(context.Background(), tr, txn.IntentionExclusive, txn.TableID(1)))
	require.NoError(t, m.locks.(*lock.Manager).LockRow(context.Background(), tr, txn.Exclusive, txn.TableID(1), rid(1)))

	require.NoError(t, m.Abort(context.Background(), tr))
	require.Equal(t, []int{2, 1}, order)
	require.Equal(t, txn.Aborted, tr.State())
	require.Empty(t, tr.HeldRowIDs())
	require.Empty(t, tr.HeldTableIDs())
}

func TestReleaseAll_ReleasesRowsBeforeTables(t *testing.T) {
	m := newTestManager(t)
	tr := m.Begin(txn.RepeatableRead)

	require.NoError(t, m.locks.(*lock.Manager).LockTable(context.Background(), tr, txn.IntentionExclusive, txn.TableID(1)))
	require.NoError(t, m.locks.(*lock.Manager).LockRow(context.Background(), tr, txn.Exclusive, txn.TableID(1), rid(1)))

	// UnlockTable would refuse (TableUnlockedBeforeUnlockingRows) if rows
	// were not released first; Commit succeeding proves the ordering.
	require.NoError(t, m.Commit(context.Background(), tr))
}
