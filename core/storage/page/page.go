// Package page defines the fixed-size disk page and its in-memory frame
// representation shared by the buffer pool manager, the B+Tree, and the
// disk manager.
package page

import (
	"sync"
)

// Size is the fixed byte length of every on-disk and in-memory page.
const Size = 4096

// ID identifies a page on disk. It is monotonically increasing; page 0 is
// reserved for the database file's header page.
type ID int32

// InvalidID is the sentinel for "no page" (an empty tree, an unset parent,
// an absent next-leaf pointer).
const InvalidID ID = -1

// LSN is a log sequence number. The core does not implement write-ahead
// logging (see spec Non-goals); the field is carried on Page so that a
// future WAL layer can stamp it without changing the page layout.
type LSN uint64

// InvalidLSN marks a page that has never been touched by a logged write.
const InvalidLSN LSN = 0

// RecordID addresses a tuple within a table heap page: a page id plus the
// tuple's slot number within that page. The B+Tree stores RecordIDs as its
// leaf values.
type RecordID struct {
	PageID  ID
	SlotNum uint32
}

// IsValid reports whether r refers to a real slot.
func (r RecordID) IsValid() bool { return r.PageID != InvalidID }

// Page is a frame's in-memory copy of one on-disk page plus the metadata
// the buffer pool manager needs to track it: pin count, dirty flag, and a
// reader/writer latch guarding the byte buffer for guard-scoped access.
//
// A Page is reused across its frame's lifetime: ResetFor rebinds it to a
// different PageID without reallocating the backing buffer.
type Page struct {
	id       ID
	data     [Size]byte
	pinCount int
	isDirty  bool
	lsn      LSN

	latch sync.RWMutex
}

// NewPage allocates a zeroed frame, unbound to any page id.
func NewPage() *Page {
	return &Page{id: InvalidID, lsn: InvalidLSN}
}

// ID returns the page id currently bound to this frame.
func (p *Page) ID() ID { return p.id }

// Data returns the page's raw byte buffer. Callers interpret its contents
// according to the page's type tag (tree leaf, tree internal, header).
func (p *Page) Data() []byte { return p.data[:] }

// IsDirty reports whether the page has unflushed modifications.
func (p *Page) IsDirty() bool { return p.isDirty }

// SetDirty sets the dirty flag. Per the BPM's dirty-flag policy, dirty is
// sticky: passing false never clears a flag that is already true. Only
// flush/eviction write-back clears it (see MarkClean).
func (p *Page) SetDirty(dirty bool) {
	if dirty {
		p.isDirty = true
	}
}

// MarkClean clears the dirty flag after a successful write-back. It is the
// only way the flag is ever cleared.
func (p *Page) MarkClean() { p.isDirty = false }

// PinCount returns the number of active borrowers of this page.
func (p *Page) PinCount() int { return p.pinCount }

// Pin increments the pin count.
func (p *Page) Pin() { p.pinCount++ }

// Unpin decrements the pin count. It is a no-op (never goes negative) if
// already zero; callers must check PinCount before relying on this.
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}

// LSN returns the log sequence number of the last logged write to this page.
func (p *Page) LSN() LSN { return p.lsn }

// SetLSN stamps the page with a log sequence number.
func (p *Page) SetLSN(lsn LSN) { p.lsn = lsn }

// ResetFor rebinds the frame to a fresh page id, clearing metadata and
// zeroing the buffer so no stale tuple data leaks into the new page.
func (p *Page) ResetFor(id ID) {
	p.id = id
	p.pinCount = 0
	p.isDirty = false
	p.lsn = InvalidLSN
	for i := range p.data {
		p.data[i] = 0
	}
}

// RLock acquires the page's shared latch, used by ReadPageGuard.
func (p *Page) RLock() { p.latch.RLock() }

// RUnlock releases the page's shared latch.
func (p *Page) RUnlock() { p.latch.RUnlock() }

// Lock acquires the page's exclusive latch, used by WritePageGuard.
func (p *Page) Lock() { p.latch.Lock() }

// Unlock releases the page's exclusive latch.
func (p *Page) Unlock() { p.latch.Unlock() }
