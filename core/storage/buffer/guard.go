package buffer

import "coredb/core/storage/page"

// BasicPageGuard pairs a fetched page with the buffer pool manager it was
// fetched from, unpinning the page exactly once when Drop is called (or,
// for callers that forget, never — callers must Drop explicitly; there is
// no finalizer, matching the reference's move-only RAII contract as
// closely as Go allows). A zero-value guard (from a moved-from guard) is
// inert: Drop is a no-op.
type BasicPageGuard struct {
	bpm     *BufferPoolManager
	page    *page.Page
	isDirty bool
	valid   bool
}

// NewBasicPageGuard fetches id from bpm and wraps it in a guard.
func NewBasicPageGuard(bpm *BufferPoolManager, id page.ID) (BasicPageGuard, error) {
	p, err := bpm.FetchPage(id)
	if err != nil {
		return BasicPageGuard{}, err
	}
	return BasicPageGuard{bpm: bpm, page: p, valid: true}, nil
}

// PageID returns the guarded page's id.
func (g *BasicPageGuard) PageID() page.ID { return g.page.ID() }

// Data returns the guarded page's raw byte buffer.
func (g *BasicPageGuard) Data() []byte { return g.page.Data() }

// SetDirty marks the guarded page dirty when it is unpinned.
func (g *BasicPageGuard) SetDirty(dirty bool) { g.isDirty = g.isDirty || dirty }

// Move transfers ownership of the guard to the caller and invalidates g,
// the Go idiom standing in for the reference's move constructor/move
// assignment: the old guard becomes inert so Drop on it is a no-op, and
// the returned guard is the sole owner.
func (g *BasicPageGuard) Move() BasicPageGuard {
	moved := *g
	g.valid = false
	g.page = nil
	g.bpm = nil
	return moved
}

// Drop unpins the guarded page, propagating the accumulated dirty flag.
// Safe to call multiple times or on a moved-from guard.
func (g *BasicPageGuard) Drop() {
	if !g.valid || g.page == nil {
		return
	}
	g.bpm.UnpinPage(g.page.ID(), g.isDirty)
	g.valid = false
	g.page = nil
	g.bpm = nil
}

// ReadPageGuard additionally holds the page's shared latch for the
// guard's lifetime, releasing it (before unpinning) on Drop.
type ReadPageGuard struct {
	inner BasicPageGuard
}

// NewReadPageGuard fetches id from bpm, pins it, and acquires its shared
// latch.
func NewReadPageGuard(bpm *BufferPoolManager, id page.ID) (ReadPageGuard, error) {
	g, err := NewBasicPageGuard(bpm, id)
	if err != nil {
		return ReadPageGuard{}, err
	}
	g.page.RLock()
	return ReadPageGuard{inner: g}, nil
}

// Data returns the guarded page's raw byte buffer.
func (g *ReadPageGuard) Data() []byte { return g.inner.Data() }

// PageID returns the guarded page's id.
func (g *ReadPageGuard) PageID() page.ID { return g.inner.PageID() }

// Move transfers ownership to the caller, invalidating g.
func (g *ReadPageGuard) Move() ReadPageGuard {
	moved := ReadPageGuard{inner: g.inner.Move()}
	return moved
}

// Drop releases the shared latch, then unpins the page.
func (g *ReadPageGuard) Drop() {
	if !g.inner.valid || g.inner.page == nil {
		return
	}
	p := g.inner.page
	p.RUnlock()
	g.inner.Drop()
}

// WritePageGuard additionally holds the page's exclusive latch for the
// guard's lifetime, releasing it (before unpinning) on Drop. Any write
// through a WritePageGuard implicitly dirties the page.
type WritePageGuard struct {
	inner BasicPageGuard
}

// NewWritePageGuard fetches id from bpm, pins it, and acquires its
// exclusive latch.
func NewWritePageGuard(bpm *BufferPoolManager, id page.ID) (WritePageGuard, error) {
	g, err := NewBasicPageGuard(bpm, id)
	if err != nil {
		return WritePageGuard{}, err
	}
	g.page.Lock()
	g.isDirty = true
	return WritePageGuard{inner: g}, nil
}

// Data returns the guarded page's raw byte buffer, writable in place.
func (g *WritePageGuard) Data() []byte { return g.inner.Data() }

// PageID returns the guarded page's id.
func (g *WritePageGuard) PageID() page.ID { return g.inner.PageID() }

// Move transfers ownership to the caller, invalidating g.
func (g *WritePageGuard) Move() WritePageGuard {
	return WritePageGuard{inner: g.inner.Move()}
}

// Drop releases the exclusive latch, then unpins the page (always dirty).
func (g *WritePageGuard) Drop() {
	if !g.inner.valid || g.inner.page == nil {
		return
	}
	p := g.inner.page
	p.Unlock()
	g.inner.Drop()
}
