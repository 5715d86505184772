// Package lock implements a hierarchical, multi-granularity lock manager:
// five lock modes over tables and rows, lock upgrades, isolation-level
// policing of the 2PL state machine, and (in deadlock.go) cycle-based
// deadlock detection.
package lock

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"coredb/core/storage/page"
	"coredb/core/txn"
)

// AbortReason is a typed protocol-violation cause. The lock manager never
// panics or logs-and-continues on a violation: it transitions the
// transaction to Aborted and returns an *AbortError naming one of these.
type AbortReason int

const (
	LockOnShrinking AbortReason = iota
	UpgradeConflict
	IncompatibleUpgrade
	AttemptedIntentionLockOnRow
	TableLockNotPresent
	TableUnlockedBeforeUnlockingRows
	AttemptedUnlockButNoLockHeld
	LockSharedOnReadUncommitted
)

func (r AbortReason) String() string {
	switch r {
	case LockOnShrinking:
		return "LockOnShrinking"
	case UpgradeConflict:
		return "UpgradeConflict"
	case IncompatibleUpgrade:
		return "IncompatibleUpgrade"
	case AttemptedIntentionLockOnRow:
		return "AttemptedIntentionLockOnRow"
	case TableLockNotPresent:
		return "TableLockNotPresent"
	case TableUnlockedBeforeUnlockingRows:
		return "TableUnlockedBeforeUnlockingRows"
	case AttemptedUnlockButNoLockHeld:
		return "AttemptedUnlockButNoLockHeld"
	case LockSharedOnReadUncommitted:
		return "LockSharedOnReadUncommitted"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// AbortError is returned by every lock-manager operation that aborts the
// calling transaction as a side effect.
type AbortError struct {
	Reason AbortReason
	TxnID  int64
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("txn %d aborted: %s", e.TxnID, e.Reason)
}

func abort(t *txn.Transaction, reason AbortReason) error {
	t.SetState(txn.Aborted)
	return &AbortError{Reason: reason, TxnID: t.ID()}
}

// ErrDeadlockVictim is returned by a blocked lock request when the
// background deadlock detector selects the waiting transaction as a
// cycle's victim while it was still queued. Unlike AbortError, no single
// AbortReason describes this: the transaction did nothing wrong itself,
// it simply lost the detector's youngest-wins tie-break.
var ErrDeadlockVictim = fmt.Errorf("transaction aborted: selected as deadlock victim")

// TableTag is the lock manager's view of a table resource id; an alias of
// txn.TableID kept distinct in name for readability at call sites.
type TableTag = txn.TableID

// lockRequest is one entry in a resource's FIFO queue. It is owned by the
// queue's list.List; removing it from the list (on grant-and-done,
// unlock, or abort) is its only deallocation — there is no separate
// owning pointer to dangle, unlike the reference's manual new/delete.
type lockRequest struct {
	txnID   int64
	mode    txn.LockMode
	granted bool
}

// requestQueue is the per-resource FIFO queue of lock requests, with at
// most one in-flight upgrade tracked via upgrading.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  *list.List // Value: *lockRequest
	upgrading int64      // 0 means "no upgrade in flight" (txn ids start at 1)
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{requests: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// compatible reports whether holding held is compatible with a concurrent
// request for requested, per the matrix in spec section 4.4.
func compatible(held, requested txn.LockMode) bool {
	switch held {
	case txn.IntentionShared:
		return requested != txn.Exclusive
	case txn.IntentionExclusive:
		return requested == txn.IntentionShared || requested == txn.IntentionExclusive
	case txn.Shared:
		return requested == txn.IntentionShared || requested == txn.Shared
	case txn.SharedIntentionExclusive:
		return requested == txn.IntentionShared
	case txn.Exclusive:
		return false
	default:
		return true
	}
}

// canUpgrade reports whether the upgrade graph in spec section 4.4 allows
// transitioning from curr to next (same-mode is handled by the caller as
// a no-op, not here).
func canUpgrade(curr, next txn.LockMode) bool {
	switch curr {
	case txn.IntentionShared:
		return true // IS -> {S, X, IX, SIX}, i.e. anything
	case txn.Shared, txn.IntentionExclusive:
		return next == txn.Exclusive || next == txn.SharedIntentionExclusive
	case txn.SharedIntentionExclusive:
		return next == txn.Exclusive
	default:
		return false // X -> {}
	}
}

// Config parameterizes the lock manager's background deadlock detector.
type Config struct {
	CycleDetectionInterval time.Duration
}

// Manager is the hierarchical multi-granularity lock manager described in
// spec section 4.4.
type Manager struct {
	tableMapMu sync.Mutex
	tableQueues map[TableTag]*requestQueue

	rowMapMu sync.Mutex
	rowQueues map[page.RecordID]*requestQueue

	txnMu sync.Mutex
	txns  map[int64]*txn.Transaction

	log *zap.Logger

	waitHist    metric.Float64Histogram
	grantCtr    metric.Int64Counter
	abortCtr    metric.Int64Counter
	deadlockCtr metric.Int64Counter

	detector *deadlockDetector
}

// New builds a lock manager and starts its background deadlock detector
// under ctx; cancel ctx to stop the detector.
func New(ctx context.Context, cfg Config, log *zap.Logger, meter metric.Meter) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		tableQueues: make(map[TableTag]*requestQueue),
		rowQueues:   make(map[page.RecordID]*requestQueue),
		txns:        make(map[int64]*txn.Transaction),
		log:         log,
	}
	if meter != nil {
		if h, err := meter.Float64Histogram("coredb.lock.wait_seconds", metric.WithDescription("time spent blocked acquiring a lock")); err == nil {
			m.waitHist = h
		}
		if c, err := meter.Int64Counter("coredb.lock.grants", metric.WithDescription("lock requests granted")); err == nil {
			m.grantCtr = c
		}
		if c, err := meter.Int64Counter("coredb.lock.aborts", metric.WithDescription("lock requests that aborted their transaction")); err == nil {
			m.abortCtr = c
		}
		if c, err := meter.Int64Counter("coredb.lock.deadlocks", metric.WithDescription("deadlock victims selected")); err == nil {
			m.deadlockCtr = c
		}
	}
	interval := cfg.CycleDetectionInterval
	if interval <= 0 {
		interval = defaultCycleDetectionInterval
	}
	m.detector = newDeadlockDetector(m, interval, log)
	m.detector.start(ctx)
	return m
}

// RegisterTransaction makes txn visible to the deadlock detector's
// wait-for graph and to victim notification. Called once by the
// transaction manager's Begin.
func (m *Manager) RegisterTransaction(t *txn.Transaction) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	m.txns[t.ID()] = t
}

// UnregisterTransaction drops txn bookkeeping at commit/abort.
func (m *Manager) UnregisterTransaction(id int64) {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	delete(m.txns, id)
}

func (m *Manager) lookupTxn(id int64) *txn.Transaction {
	m.txnMu.Lock()
	defer m.txnMu.Unlock()
	return m.txns[id]
}

// canTxnTakeLock applies the isolation-gating rules from spec section
// 4.4. On violation it aborts t and returns a typed error.
func canTxnTakeLock(t *txn.Transaction, mode txn.LockMode) error {
	switch t.IsolationLevel() {
	case txn.RepeatableRead:
		if t.State() == txn.Shrinking {
			return abort(t, LockOnShrinking)
		}
	case txn.ReadCommitted:
		if t.State() == txn.Shrinking {
			if mode == txn.Exclusive || mode == txn.IntentionExclusive || mode == txn.SharedIntentionExclusive {
				return abort(t, LockOnShrinking)
			}
		}
	case txn.ReadUncommitted:
		if mode == txn.Shared || mode == txn.IntentionShared || mode == txn.SharedIntentionExclusive {
			return abort(t, LockSharedOnReadUncommitted)
		}
		if t.State() == txn.Shrinking {
			return abort(t, LockOnShrinking)
		}
	}
	return nil
}

// changeStateOnUnlock applies spec section 4.4's unlock-protocol state
// transition: Growing -> Shrinking once a mode is released whose release,
// under the transaction's isolation level, ends its growing phase (S or X
// under repeatable read; X under read committed and read uncommitted).
func changeStateOnUnlock(t *txn.Transaction, mode txn.LockMode) {
	shrinks := false
	switch t.IsolationLevel() {
	case txn.RepeatableRead:
		shrinks = mode == txn.Shared || mode == txn.Exclusive
	case txn.ReadCommitted, txn.ReadUncommitted:
		shrinks = mode == txn.Exclusive
	}
	if shrinks && t.State() == txn.Growing {
		t.SetState(txn.Shrinking)
	}
}

// grantable reports whether req is compatible with every already-granted
// request ahead of it AND has no earlier not-yet-granted request blocking
// the line ahead of it. The second condition is what makes the queue
// FIFO: without it, a later arrival can see a compatible granted prefix,
// skip over an earlier incompatible waiter still stuck in the queue, and
// jump ahead of it. insertAfterGrantedPrefix keeps an in-flight upgrade's
// replacement request at the front of the not-yet-granted run, so it
// never has an earlier non-granted sibling and this rule never starves it.
func grantable(q *requestQueue, req *lockRequest) bool {
	for e := q.requests.Front(); e != nil; e = e.Next() {
		r := e.Value.(*lockRequest)
		if r == req {
			return true
		}
		if !r.granted {
			return false
		}
		if !compatible(r.mode, req.mode) {
			return false
		}
	}
	return true
}
