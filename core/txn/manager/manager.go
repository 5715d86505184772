// Package manager implements the transaction manager: transaction
// lifecycle (Begin/Commit/Abort) layered on top of core/txn's
// Transaction and core/concurrency/lock's Manager.
//
// It imports both txn and lock directly — txn has no dependency on lock,
// so no import cycle exists — but still talks to the lock manager
// through the LockReleaser interface defined here rather than the
// concrete type, so tests can substitute a fake releaser without
// spinning up a real lock manager and its deadlock-detector goroutine.
package manager

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"coredb/core/concurrency/lock"
	"coredb/core/storage/page"
	"coredb/core/txn"
)

// LockReleaser is the subset of *lock.Manager the transaction manager
// needs at commit/abort time, plus registration at begin time. Tests can
// substitute a fake implementation without starting a real lock
// manager's deadlock-detector goroutine.
type LockReleaser interface {
	RegisterTransaction(t *txn.Transaction)
	UnregisterTransaction(id int64)
	UnlockTable(t *txn.Transaction, table txn.TableID) error
	UnlockRow(t *txn.Transaction, rid page.RecordID) error
}

// Manager creates and finalizes transactions. It assigns strictly
// increasing transaction ids and drives the 2PL commit/abort protocol:
// release row locks before table locks, run undo in LIFO order on
// abort, then mark the transaction's terminal state.
type Manager struct {
	nextID int64
	locks  LockReleaser
	log    *zap.Logger
}

// New builds a transaction manager bound to locks, the lock manager
// instance transactions it creates will acquire locks through.
func New(locks *lock.Manager, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{locks: locks, log: log}
}

// Begin allocates a new transaction at the given isolation level,
// registers it with the lock manager's deadlock detector, and returns
// it ready for use.
func (m *Manager) Begin(level txn.IsolationLevel) *txn.Transaction {
	id := atomic.AddInt64(&m.nextID, 1)
	t := txn.NewTransaction(id, level)
	m.locks.RegisterTransaction(t)
	m.log.Debug("transaction begin", zap.Int64("txn_id", id), zap.Stringer("isolation", levelStringer(level)))
	return t
}

// Commit releases every lock t holds — rows before tables, per spec
// section 4.4's unlock ordering — and marks t Committed.
func (m *Manager) Commit(ctx context.Context, t *txn.Transaction) error {
	if t.State() == txn.Aborted {
		return fmt.Errorf("txn %d: cannot commit an aborted transaction", t.ID())
	}
	m.releaseAll(t)
	t.SetState(txn.Committed)
	m.locks.UnregisterTransaction(t.ID())
	m.log.Debug("transaction commit", zap.Int64("txn_id", t.ID()))
	return nil
}

// Abort undoes every write t recorded, in LIFO order, releases its
// locks, and marks it Aborted.
func (m *Manager) Abort(ctx context.Context, t *txn.Transaction) error {
	t.UndoAll()
	m.releaseAll(t)
	t.SetState(txn.Aborted)
	m.locks.UnregisterTransaction(t.ID())
	m.log.Debug("transaction abort", zap.Int64("txn_id", t.ID()))
	return nil
}

func (m *Manager) releaseAll(t *txn.Transaction) {
	for _, rid := range t.HeldRowIDs() {
		if err := m.locks.UnlockRow(t, rid); err != nil {
			m.log.Warn("unlock row failed during finalize", zap.Int64("txn_id", t.ID()), zap.Error(err))
		}
	}
	for _, table := range t.HeldTableIDs() {
		if err := m.locks.UnlockTable(t, table); err != nil {
			m.log.Warn("unlock table failed during finalize", zap.Int64("txn_id", t.ID()), zap.Error(err))
		}
	}
}

type levelStringer txn.IsolationLevel

func (l levelStringer) String() string {
	switch txn.IsolationLevel(l) {
	case txn.RepeatableRead:
		return "REPEATABLE_READ"
	case txn.ReadCommitted:
		return "READ_COMMITTED"
	case txn.ReadUncommitted:
		return "READ_UNCOMMITTED"
	default:
		return "UNKNOWN"
	}
}
