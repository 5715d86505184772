package lock

import (
	"context"
	"time"

	"coredb/core/storage/page"
	"coredb/core/txn"
)

func (m *Manager) getRowQueue(rid page.RecordID) *requestQueue {
	m.rowMapMu.Lock()
	q, ok := m.rowQueues[rid]
	if !ok {
		q = newRequestQueue()
		m.rowQueues[rid] = q
	}
	m.rowMapMu.Unlock()
	return q
}

// rowLockPrerequisite reports whether any of the table-level modes that
// license a row lock of mode are held by t on table (spec's decision for
// Open Question #4: only X-on-row requires an IX/X/SIX table lock; S-on-row
// requires any of IS/IX/S/SIX/X).
func rowLockPrerequisite(t *txn.Transaction, mode txn.LockMode, table TableTag) bool {
	switch mode {
	case txn.Exclusive:
		return t.HasAnyTableLock(table, txn.IntentionExclusive, txn.Exclusive, txn.SharedIntentionExclusive)
	case txn.Shared:
		return t.HasAnyTableLock(table, txn.IntentionShared, txn.IntentionExclusive, txn.Shared, txn.SharedIntentionExclusive, txn.Exclusive)
	default:
		return false
	}
}

// LockRow acquires mode (Shared or Exclusive only — row locks are never
// intention locks) on rid, belonging to table, for t.
func (m *Manager) LockRow(ctx context.Context, t *txn.Transaction, mode txn.LockMode, table TableTag, rid page.RecordID) error {
	if mode != txn.Shared && mode != txn.Exclusive {
		return m.recordAbort(abort(t, AttemptedIntentionLockOnRow))
	}
	if err := canTxnTakeLock(t, mode); err != nil {
		return m.recordAbort(err)
	}
	if !rowLockPrerequisite(t, mode, table) {
		return m.recordAbort(abort(t, TableLockNotPresent))
	}

	q := m.getRowQueue(rid)
	q.mu.Lock()

	if t.HasRowLock(mode, rid) {
		q.mu.Unlock()
		return nil
	}

	if existing := findGrantedRequest(q, t.ID()); existing != nil {
		return m.upgradeLocked(ctx, q, t, existing, mode, func() {
			t.RevokeRowLock(existing.mode, rid)
			t.GrantRowLock(mode, table, rid)
		})
	}

	req := &lockRequest{txnID: t.ID(), mode: mode}
	q.requests.PushBack(req)

	start := time.Now()
	if err := m.waitForGrant(ctx, q, req, t); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	t.GrantRowLock(mode, table, rid)
	m.observeWait(time.Since(start))
	m.incGrant()
	return nil
}

// UnlockRow releases t's lock on rid.
func (m *Manager) UnlockRow(t *txn.Transaction, rid page.RecordID) error {
	mode, held := heldRowMode(t, rid)
	if !held {
		return m.recordAbort(abort(t, AttemptedUnlockButNoLockHeld))
	}

	q := m.getRowQueue(rid)
	q.mu.Lock()
	removeGrantedRequest(q, t.ID())
	t.RevokeRowLock(mode, rid)
	wakeAndGrant(q)
	q.mu.Unlock()

	changeStateOnUnlock(t, mode)
	return nil
}

// UpgradeLockRow behaves identically to calling LockRow with the new
// mode; kept as a distinct name to mirror the reference API shape.
func (m *Manager) UpgradeLockRow(ctx context.Context, t *txn.Transaction, newMode txn.LockMode, table TableTag, rid page.RecordID) error {
	return m.LockRow(ctx, t, newMode, table, rid)
}

func heldRowMode(t *txn.Transaction, rid page.RecordID) (txn.LockMode, bool) {
	if t.HasRowLock(txn.Exclusive, rid) {
		return txn.Exclusive, true
	}
	if t.HasRowLock(txn.Shared, rid) {
		return txn.Shared, true
	}
	return 0, false
}
