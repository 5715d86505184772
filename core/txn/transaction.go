// Package txn defines the transaction data model shared by the lock
// manager and the transaction manager: isolation levels, the 2PL state
// machine, lock-mode bookkeeping, and write-set undo.
//
// Transaction deliberately has no dependency on the lock manager package:
// the lock manager depends on Transaction (to read its isolation level
// and state, and to record which locks it holds), not the other way
// around. The transaction manager (core/txn/manager) imports both this
// package and the lock manager and reaches the latter through its own
// LockReleaser interface, so no two packages import each other.
package txn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"coredb/core/storage/page"
)

// LockMode is one of the five multi-granularity lock modes a Transaction
// can hold on a table or a row.
type LockMode int

const (
	IntentionShared LockMode = iota
	IntentionExclusive
	Shared
	SharedIntentionExclusive
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case Shared:
		return "S"
	case SharedIntentionExclusive:
		return "SIX"
	case Exclusive:
		return "X"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// IsolationLevel governs which lock-manager protocol checks apply to a
// transaction (see spec section 4.4's isolation-level gating).
type IsolationLevel int

const (
	RepeatableRead IsolationLevel = iota
	ReadCommitted
	ReadUncommitted
)

// State is the transaction's 2PL phase.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TableID identifies the table-granularity resource a lock is held on.
// The catalog that maps names to ids is out of scope for this core; the
// lock manager and its callers treat it as an opaque comparable handle.
type TableID int64

// UndoFunc reverses one write recorded during a transaction; Abort runs
// these in reverse (LIFO) order.
type UndoFunc func()

// Transaction tracks one unit of work: its isolation level, its 2PL
// state, the locks it currently holds at each granularity, and the undo
// closures needed to roll back its writes on abort.
type Transaction struct {
	mu sync.Mutex

	id             int64
	correlationID  uuid.UUID
	isolationLevel IsolationLevel
	state          State

	tableLocks map[LockMode]map[TableID]struct{}
	rowLocks   map[LockMode]map[page.RecordID]struct{}
	// rowLockTables tracks, per locked row, which table it belongs to, so
	// a table-unlock can refuse while rows on that table are still held
	// (spec's TableUnlockedBeforeUnlockingRows rule).
	rowLockTables map[page.RecordID]TableID

	writeSet []UndoFunc
}

// NewTransaction constructs a fresh Transaction in the Growing state.
// Called by the transaction manager's Begin (and directly by tests) — there is one
// transaction manager per engine instance, so id allocation is its
// responsibility, not this package's.
func NewTransaction(id int64, level IsolationLevel) *Transaction {
	return newTransaction(id, level)
}

func newTransaction(id int64, level IsolationLevel) *Transaction {
	return &Transaction{
		id:             id,
		correlationID:  uuid.New(),
		isolationLevel: level,
		state:          Growing,
		tableLocks: map[LockMode]map[TableID]struct{}{
			IntentionShared: {}, IntentionExclusive: {}, Shared: {}, SharedIntentionExclusive: {}, Exclusive: {},
		},
		rowLocks: map[LockMode]map[page.RecordID]struct{}{
			Shared: {}, Exclusive: {},
		},
		rowLockTables: make(map[page.RecordID]TableID),
	}
}

// ID returns the transaction's unique, monotonically increasing id.
func (t *Transaction) ID() int64 { return t.id }

// CorrelationID returns a UUID for cross-log/trace correlation. It is
// never used for ordering or identity — ID is authoritative there.
func (t *Transaction) CorrelationID() uuid.UUID { return t.correlationID }

// IsolationLevel returns the transaction's isolation level.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolationLevel }

// State returns the transaction's current 2PL phase.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction's phase. Used by the lock manager
// (growing->shrinking on a qualifying unlock, or ->aborted on a protocol
// violation) and by the deadlock detector (->aborted on a victim).
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// HasTableLock reports whether the transaction holds mode on table.
func (t *Transaction) HasTableLock(mode LockMode, table TableID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tableLocks[mode][table]
	return ok
}

// HasAnyTableLock reports whether the transaction holds any of modes on
// table, used for the row-lock table-prerequisite check.
func (t *Transaction) HasAnyTableLock(table TableID, modes ...LockMode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range modes {
		if _, ok := t.tableLocks[m][table]; ok {
			return true
		}
	}
	return false
}

// GrantTableLock records that the transaction now holds mode on table.
func (t *Transaction) GrantTableLock(mode LockMode, table TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tableLocks[mode][table] = struct{}{}
}

// RevokeTableLock removes the record of mode held on table.
func (t *Transaction) RevokeTableLock(mode LockMode, table TableID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tableLocks[mode], table)
}

// HasRowLockOnTable reports whether the transaction holds any row lock
// belonging to table, used to police table-unlock-before-row-unlock.
func (t *Transaction) HasRowLockOnTable(table TableID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for rid, tbl := range t.rowLockTables {
		if tbl == table {
			_ = rid
			return true
		}
	}
	return false
}

// HasRowLock reports whether the transaction holds mode on rid.
func (t *Transaction) HasRowLock(mode LockMode, rid page.RecordID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rowLocks[mode][rid]
	return ok
}

// GrantRowLock records that the transaction now holds mode on rid,
// belonging to table.
func (t *Transaction) GrantRowLock(mode LockMode, table TableID, rid page.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rowLocks[mode][rid] = struct{}{}
	t.rowLockTables[rid] = table
}

// RevokeRowLock removes the record of mode held on rid.
func (t *Transaction) RevokeRowLock(mode LockMode, rid page.RecordID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rowLocks[mode], rid)
	delete(t.rowLockTables, rid)
}

// RecordWrite appends an undo closure to the transaction's write set. The
// transaction manager runs these in reverse order on Abort.
func (t *Transaction) RecordWrite(undo UndoFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = append(t.writeSet, undo)
}

// undoAll runs the write set's undo closures in LIFO order. Called only
// by the transaction manager during Abort.
func (t *Transaction) undoAll() {
	t.mu.Lock()
	set := t.writeSet
	t.writeSet = nil
	t.mu.Unlock()
	for i := len(set) - 1; i >= 0; i-- {
		set[i]()
	}
}

// UndoAll is the exported entry point the transaction manager calls
// during Abort; see undoAll.
func (t *Transaction) UndoAll() { t.undoAll() }

// HeldRowIDs returns every row the transaction currently holds a lock
// on, for the transaction manager to release at commit/abort.
func (t *Transaction) HeldRowIDs() []page.RecordID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]page.RecordID, 0, len(t.rowLockTables))
	for rid := range t.rowLockTables {
		ids = append(ids, rid)
	}
	return ids
}

// HeldTableIDs returns every table the transaction currently holds a
// lock on, for the transaction manager to release at commit/abort.
func (t *Transaction) HeldTableIDs() []TableID {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[TableID]struct{})
	for _, set := range t.tableLocks {
		for table := range set {
			seen[table] = struct{}{}
		}
	}
	ids := make([]TableID, 0, len(seen))
	for table := range seen {
		ids = append(ids, table)
	}
	return ids
}
