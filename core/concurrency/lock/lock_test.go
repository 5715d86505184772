package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coredb/core/storage/page"
	"coredb/core/txn"
)

func newTestManager(t *testing.T) (*Manager, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := New(ctx, Config{CycleDetectionInterval: 20 * time.Millisecond}, zap.NewNop(), nil)
	t.Cleanup(cancel)
	return m, cancel
}

func TestLockTable_BasicGrantAndUnlock(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)

	require.NoError(t, m.LockTable(context.Background(), tr, txn.IntentionShared, 1))
	require.True(t, tr.HasTableLock(txn.IntentionShared, 1))

	require.NoError(t, m.UnlockTable(tr, 1))
	require.False(t, tr.HasTableLock(txn.IntentionShared, 1))
	// Under repeatable read only releasing S or X starts the shrinking phase.
	require.Equal(t, txn.Growing, tr.State())
}

func TestLockTable_CompatibleSharedLocksBothGrant(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := txn.NewTransaction(1, txn.RepeatableRead)
	t2 := txn.NewTransaction(2, txn.RepeatableRead)
	m.RegisterTransaction(t1)
	m.RegisterTransaction(t2)

	require.NoError(t, m.LockTable(context.Background(), t1, txn.Shared, 1))
	require.NoError(t, m.LockTable(context.Background(), t2, txn.Shared, 1))
	require.True(t, t1.HasTableLock(txn.Shared, 1))
	require.True(t, t2.HasTableLock(txn.Shared, 1))
}

func TestLockTable_UpgradeSharedToExclusive(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)

	require.NoError(t, m.LockTable(context.Background(), tr, txn.Shared, 1))
	require.NoError(t, m.LockTable(context.Background(), tr, txn.Exclusive, 1))
	require.True(t, tr.HasTableLock(txn.Exclusive, 1))
	require.False(t, tr.HasTableLock(txn.Shared, 1))
}

func TestLockTable_IncompatibleUpgradeAborts(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)

	require.NoError(t, m.LockTable(context.Background(), tr, txn.Exclusive, 1))
	err := m.LockTable(context.Background(), tr, txn.Shared, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, IncompatibleUpgrade, abortErr.Reason)
}

func TestLockTable_UpgradeConflictAbortsSecondUpgrader(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := txn.NewTransaction(1, txn.RepeatableRead)
	t2 := txn.NewTransaction(2, txn.RepeatableRead)
	m.RegisterTransaction(t1)
	m.RegisterTransaction(t2)

	require.NoError(t, m.LockTable(context.Background(), t1, txn.Shared, 1))
	require.NoError(t, m.LockTable(context.Background(), t2, txn.Shared, 1))

	done := make(chan error, 1)
	go func() { done <- m.LockTable(context.Background(), t1, txn.Exclusive, 1) }()

	time.Sleep(30 * time.Millisecond) // let t1's upgrade queue and block on t2's S

	err := m.LockTable(context.Background(), t2, txn.Exclusive, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, UpgradeConflict, abortErr.Reason)

	require.NoError(t, m.UnlockTable(t2, 1))
	require.NoError(t, <-done)
}

func TestLockTable_LockOnShrinkingAbortsUnderRepeatableRead(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)

	require.NoError(t, m.LockTable(context.Background(), tr, txn.Shared, 1))
	require.NoError(t, m.UnlockTable(tr, 1))
	require.Equal(t, txn.Shrinking, tr.State())

	err := m.LockTable(context.Background(), tr, txn.Shared, 2)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockOnShrinking, abortErr.Reason)
}

func TestLockTable_ReadUncommittedRejectsSharedLocks(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.ReadUncommitted)
	m.RegisterTransaction(tr)

	err := m.LockTable(context.Background(), tr, txn.Shared, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
}

func TestLockRow_RequiresTablePrerequisite(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)

	rid := page.RecordID{PageID: 1, SlotNum: 0}
	err := m.LockRow(context.Background(), tr, txn.Exclusive, 1, rid)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableLockNotPresent, abortErr.Reason)

	require.NoError(t, m.LockTable(context.Background(), tr, txn.IntentionExclusive, 1))
	require.NoError(t, m.LockRow(context.Background(), tr, txn.Exclusive, 1, rid))
}

func TestLockRow_IntentionModeRejected(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)
	require.NoError(t, m.LockTable(context.Background(), tr, txn.IntentionExclusive, 1))

	err := m.LockRow(context.Background(), tr, txn.IntentionExclusive, 1, page.RecordID{PageID: 1, SlotNum: 0})
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, AttemptedIntentionLockOnRow, abortErr.Reason)
}

func TestUnlockTable_RefusesWhileRowLocksHeld(t *testing.T) {
	m, _ := newTestManager(t)
	tr := txn.NewTransaction(1, txn.RepeatableRead)
	m.RegisterTransaction(tr)
	require.NoError(t, m.LockTable(context.Background(), tr, txn.IntentionExclusive, 1))
	require.NoError(t, m.LockRow(context.Background(), tr, txn.Exclusive, 1, page.RecordID{PageID: 1, SlotNum: 0}))

	err := m.UnlockTable(tr, 1)
	require.Error(t, err)
	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	require.Equal(t, TableUnlockedBeforeUnlockingRows, abortErr.Reason)
}

func TestDeadlockDetector_AbortsYoungestInCycle(t *testing.T) {
	m, _ := newTestManager(t)
	t1 := txn.NewTransaction(1, txn.RepeatableRead)
	t2 := txn.NewTransaction(2, txn.RepeatableRead)
	m.RegisterTransaction(t1)
	m.RegisterTransaction(t2)

	require.NoError(t, m.LockTable(context.Background(), t1, txn.Exclusive, 1))
	require.NoError(t, m.LockTable(context.Background(), t2, txn.Exclusive, 2))

	err1 := make(chan error, 1)
	err2 := make(chan error, 1)
	go func() { err1 <- m.LockTable(context.Background(), t1, txn.Exclusive, 2) }()
	go func() { err2 <- m.LockTable(context.Background(), t2, txn.Exclusive, 1) }()

	select {
	case e := <-err2:
		require.ErrorIs(t, e, ErrDeadlockVictim)
		require.Equal(t, txn.Aborted, t2.State())
		// Release the victim's held lock so the survivor's wait can finish.
		require.NoError(t, m.UnlockTable(t2, 2))
		require.NoError(t, <-err1)
	case e := <-err1:
		require.ErrorIs(t, e, ErrDeadlockVictim)
		require.Equal(t, txn.Aborted, t1.State())
		require.NoError(t, m.UnlockTable(t1, 1))
		require.NoError(t, <-err2)
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock detector never aborted either transaction")
	}
}
