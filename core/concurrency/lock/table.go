package lock

import (
	"container/list"
	"context"
	"time"

	"coredb/core/txn"
)

func (m *Manager) getTableQueue(table TableTag) *requestQueue {
	m.tableMapMu.Lock()
	q, ok := m.tableQueues[table]
	if !ok {
		q = newRequestQueue()
		m.tableQueues[table] = q
	}
	m.tableMapMu.Unlock()
	return q
}

// LockTable acquires mode on table for t, blocking until granted,
// aborted by a protocol violation, or ctx is done. It implements the
// FIFO-with-upgrade-preemption protocol of spec section 4.4.
func (m *Manager) LockTable(ctx context.Context, t *txn.Transaction, mode txn.LockMode, table TableTag) error {
	if err := canTxnTakeLock(t, mode); err != nil {
		return m.recordAbort(err)
	}

	q := m.getTableQueue(table)
	q.mu.Lock()

	// Already held at this exact mode: no-op.
	if t.HasTableLock(mode, table) {
		q.mu.Unlock()
		return nil
	}

	// Upgrade: find the transaction's currently granted request on this
	// resource, if any.
	if existing := findGrantedRequest(q, t.ID()); existing != nil {
		return m.upgradeLocked(ctx, q, t, existing, mode, func() {
			t.RevokeTableLock(existing.mode, table)
			t.GrantTableLock(mode, table)
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

	t.GrantTableLock(mode, table)
	m.observeWait(time.Since(start))
	m.incGrant()
	return nil
}

// UnlockTable releases t's lock on table. It refuses (aborting t) if t
// still holds row locks on that table.
func (m *Manager) UnlockTable(t *txn.Transaction, table TableTag) error {
	if t.HasRowLockOnTable(table) {
		return m.recordAbort(abort(t, TableUnlockedBeforeUnlockingRows))
	}

	mode, held := heldTableMode(t, table)
	if !held {
		return m.recordAbort(abort(t, AttemptedUnlockButNoLockHeld))
	}

	q := m.getTableQueue(table)
	q.mu.Lock()
	removeGrantedRequest(q, t.ID())
	t.RevokeTableLock(mode, table)
	wakeAndGrant(q)
	q.mu.Unlock()

	changeStateOnUnlock(t, mode)
	return nil
}

// UpgradeLockTable is an explicit-intent variant of LockTable used when
// the caller already knows it is upgrading rather than acquiring fresh;
// behaves identically to calling LockTable with the new mode.
func (m *Manager) UpgradeLockTable(ctx context.Context, t *txn.Transaction, newMode txn.LockMode, table TableTag) error {
	return m.LockTable(ctx, t, newMode, table)
}

// heldTableMode returns the single mode t currently holds on table (a
// transaction holds at most one table lock mode per table at a time).
func heldTableMode(t *txn.Transaction, table TableTag) (txn.LockMode, bool) {
	for _, mode := range []txn.LockMode{txn.IntentionShared, txn.IntentionExclusive, txn.Shared, txn.SharedIntentionExclusive, txn.Exclusive} {
		if t.HasTableLock(mode, table) {
			return mode, true
		}
	}
	return 0, false
}

func findGrantedRequest(q *requestQueue, txnID int64) *lockRequest {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		r := e.Value.(*lockRequest)
		if r.txnID == txnID && r.granted {
			return r
		}
	}
	return nil
}

func removeGrantedRequest(q *requestQueue, txnID int64) {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		r := e.Value.(*lockRequest)
		if r.txnID == txnID && r.granted {
			q.requests.Remove(e)
			return
		}
	}
}

// wakeAndGrant grants the lock to every waiting request, in FIFO order,
// that is compatible with everything already granted ahead of it, and
// wakes all blocked waiters so they can recheck.
func wakeAndGrant(q *requestQueue) {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		r := e.Value.(*lockRequest)
		if r.granted {
			continue
		}
		if grantable(q, r) {
			r.granted = true
		} else {
			break
		}
	}
	q.cond.Broadcast()
}

// upgradeLocked implements the upgrade path shared by LockTable and
// LockRow: only one upgrade may be in flight per resource at a time
// (spec's UpgradeConflict rule), and the upgrade preempts queued fresh
// requests (its not-yet-granted replacement request is spliced in right
// after the granted prefix, ahead of every other waiter).
func (m *Manager) upgradeLocked(ctx context.Context, q *requestQueue, t *txn.Transaction, existing *lockRequest, newMode txn.LockMode, commit func()) error {
	if existing.mode == newMode {
		q.mu.Unlock()
		return nil
	}
	if !canUpgrade(existing.mode, newMode) {
		q.mu.Unlock()
		return m.recordAbort(abort(t, IncompatibleUpgrade))
	}
	if q.upgrading != 0 && q.upgrading != t.ID() {
		q.mu.Unlock()
		return m.recordAbort(abort(t, UpgradeConflict))
	}
	q.upgrading = t.ID()

	// Drop the old granted request and splice a new, not-yet-granted
	// request for the stronger mode in immediately after every other
	// currently-granted request but ahead of any brand-new waiter — the
	// upgrade takes priority over fresh FIFO arrivals, but grantable must
	// still see every other granted holder to its left in the list or it
	// would be (wrongly) granted instantly. A plain PushFront would place
	// req before those granted entries and break that check entirely.
	removeGrantedRequest(q, t.ID())
	req := &lockRequest{txnID: t.ID(), mode: newMode}
	insertAfterGrantedPrefix(q, req)

	start := time.Now()
	err := m.waitForGrant(ctx, q, req, t)
	q.upgrading = 0
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	commit()
	m.observeWait(time.Since(start))
	m.incGrant()
	return nil
}

// waitForGrant blocks on q.cond until req is granted, ctx is done, or t
// aborts out from under the wait (e.g. selected as a deadlock victim).
// Caller must hold q.mu on entry and retains it on return.
func (m *Manager) waitForGrant(ctx context.Context, q *requestQueue, req *lockRequest, t *txn.Transaction) error {
	if grantable(q, req) {
		req.granted = true
		return nil
	}
	done := make(chan struct{})
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			case <-done:
			}
		}()
		defer close(done)
	}
	for {
		if t.State() == txn.Aborted {
			removeRequest(q, req)
			wakeAndGrant(q)
			return m.recordAbort(ErrDeadlockVictim)
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				removeRequest(q, req)
				wakeAndGrant(q)
				return ctx.Err()
			default:
			}
		}
		if grantable(q, req) {
			req.granted = true
			return nil
		}
		q.cond.Wait()
	}
}

// insertAfterGrantedPrefix splices req into q immediately after the last
// currently-granted request, ahead of any not-yet-granted waiter. This
// keeps grantable's left-to-right scan correct (req sees every granted
// holder) while still giving an in-flight upgrade priority over requests
// that arrived after it.
func insertAfterGrantedPrefix(q *requestQueue, req *lockRequest) {
	var last *list.Element
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if e.Value.(*lockRequest).granted {
			last = e
		} else {
			break
		}
	}
	if last == nil {
		q.requests.PushFront(req)
		return
	}
	q.requests.InsertAfter(req, last)
}

func removeRequest(q *requestQueue, req *lockRequest) {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		if e.Value.(*lockRequest) == req {
			q.requests.Remove(e)
			return
		}
	}
}

func (m *Manager) recordAbort(err error) error {
	m.incAbort()
	return err
}

func (m *Manager) observeWait(d time.Duration) {
	if m.waitHist != nil {
		m.waitHist.Record(context.Background(), d.Seconds())
	}
}

func (m *Manager) incGrant() {
	if m.grantCtr != nil {
		m.grantCtr.Add(context.Background(), 1)
	}
}

func (m *Manager) incAbort() {
	if m.abortCtr != nil {
		m.abortCtr.Add(context.Background(), 1)
	}
}
