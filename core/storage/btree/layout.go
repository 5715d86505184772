// Package btree implements the disk-backed, page-resident B+Tree index:
// fixed-width int64 keys mapping to page.RecordID values, split on
// insert, redistribute-or-coalesce on delete, and forward-linked leaves
// for range iteration.
package btree

import (
	"encoding/binary"

	"coredb/core/storage/page"
)

// Key is the fixed-width, order-preserving key type the tree indexes on.
// The spec calls for fixed-width keys; int64 is this engine's concrete
// choice (a generic comparator would need variable-width key support the
// executors above this core do not exercise).
type Key int64

// pageType tags a resident page as a leaf or internal node. Page 0 is
// reserved for the file header (see core/storage/page) and is never a
// tree page.
type pageType uint32

const (
	leafPageType     pageType = 1
	internalPageType pageType = 2
)

// Shared header layout, at offset 0 of every tree page:
//
//	page_type    u32
//	size         u32  (current entry count)
//	max_size     u32
//	parent_id    u32
//	page_id      u32
//	next_page_id u32  (leaf only; unused/zero on internal pages)
const (
	offPageType   = 0
	offSize       = 4
	offMaxSize    = 8
	offParentID   = 12
	offPageID     = 16
	offNextPageID = 20
	headerSize    = 24
)

const (
	keySize      = 8 // int64
	recordIDSize = 8 // page.ID (int32) + SlotNum (uint32)
	leafEntrySize = keySize + recordIDSize
	childIDSize   = 4 // page.ID
	internalEntrySize = keySize + childIDSize
)

func readU32(buf []byte, off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }
func writeU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

func readPageID(buf []byte, off int) page.ID { return page.ID(int32(readU32(buf, off))) }
func writePageID(buf []byte, off int, id page.ID) { writeU32(buf, off, uint32(int32(id))) }

func readKey(buf []byte, off int) Key {
	return Key(int64(binary.LittleEndian.Uint64(buf[off:])))
}
func writeKey(buf []byte, off int, k Key) {
	binary.LittleEndian.PutUint64(buf[off:], uint64(int64(k)))
}

// header is a thin view over a tree page's fixed header fields.
type header struct{ buf []byte }

func (h header) pageType() pageType    { return pageType(readU32(h.buf, offPageType)) }
func (h header) setPageType(t pageType) { writeU32(h.buf, offPageType, uint32(t)) }
func (h header) size() int             { return int(readU32(h.buf, offSize)) }
func (h header) setSize(n int)         { writeU32(h.buf, offSize, uint32(n)) }
func (h header) maxSize() int          { return int(readU32(h.buf, offMaxSize)) }
func (h header) setMaxSize(n int)      { writeU32(h.buf, offMaxSize, uint32(n)) }
func (h header) parentID() page.ID     { return readPageID(h.buf, offParentID) }
func (h header) setParentID(id page.ID) { writePageID(h.buf, offParentID, id) }
func (h header) pageID() page.ID       { return readPageID(h.buf, offPageID) }
func (h header) setPageID(id page.ID)  { writePageID(h.buf, offPageID, id) }
func (h header) nextPageID() page.ID   { return readPageID(h.buf, offNextPageID) }
func (h header) setNextPageID(id page.ID) { writePageID(h.buf, offNextPageID, id) }

// minSize is ceil(maxSize/2), the invariant from spec section 3. The root
// page is exempt from this lower bound by its caller, never by this
// helper.
func minSize(maxSize int) int { return (maxSize + 1) / 2 }

// LeafPage is a view over a page buffer laid out as a B+Tree leaf: a
// sorted array of (key, record id) entries plus a forward pointer to the
// next leaf in key order.
type LeafPage struct {
	header
}

// WrapLeaf views an already-initialized leaf page's buffer.
func WrapLeaf(buf []byte) LeafPage { return LeafPage{header{buf}} }

// InitLeaf formats buf as a brand-new, empty leaf page.
func InitLeaf(buf []byte, id, parentID page.ID, maxSize int) LeafPage {
	l := LeafPage{header{buf}}
	l.setPageType(leafPageType)
	l.setSize(0)
	l.setMaxSize(maxSize)
	l.setPageID(id)
	l.setParentID(parentID)
	l.setNextPageID(page.InvalidID)
	return l
}

func (l LeafPage) entryOffset(i int) int { return headerSize + i*leafEntrySize }

// KeyAt returns the key at slot i.
func (l LeafPage) KeyAt(i int) Key { return readKey(l.buf, l.entryOffset(i)) }

// ValueAt returns the record id at slot i.
func (l LeafPage) ValueAt(i int) page.RecordID {
	off := l.entryOffset(i) + keySize
	return page.RecordID{PageID: readPageID(l.buf, off), SlotNum: readU32(l.buf, off+4)}
}

func (l LeafPage) setEntry(i int, k Key, v page.RecordID) {
	off := l.entryOffset(i)
	writeKey(l.buf, off, k)
	writePageID(l.buf, off+keySize, v.PageID)
	writeU32(l.buf, off+keySize+4, v.SlotNum)
}

// findIndex returns the index of the first entry with KeyAt(i) >= key,
// i.e. the sorted insertion point, via binary search (keys are strictly
// increasing per spec section 3).
func (l LeafPage) findIndex(key Key) int {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if l.KeyAt(mid) < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Lookup returns the record id for key and true, or the zero value and
// false if key is absent.
func (l LeafPage) Lookup(key Key) (page.RecordID, bool) {
	i := l.findIndex(key)
	if i < l.size() && l.KeyAt(i) == key {
		return l.ValueAt(i), true
	}
	return page.RecordID{}, false
}

// Insert inserts (key, value) in sorted position. Returns false without
// modifying the page if key is already present (spec: reject duplicates).
func (l LeafPage) Insert(key Key, value page.RecordID) bool {
	i := l.findIndex(key)
	if i < l.size() && l.KeyAt(i) == key {
		return false
	}
	n := l.size()
	for j := n; j > i; j-- {
		l.setEntry(j, l.KeyAt(j-1), l.ValueAt(j-1))
	}
	l.setEntry(i, key, value)
	l.setSize(n + 1)
	return true
}

// Remove deletes key if present, shifting subsequent entries down.
// Returns false if key was absent.
func (l LeafPage) Remove(key Key) bool {
	i := l.findIndex(key)
	n := l.size()
	if i >= n || l.KeyAt(i) != key {
		return false
	}
	for j := i; j < n-1; j++ {
		l.setEntry(j, l.KeyAt(j+1), l.ValueAt(j+1))
	}
	l.setSize(n - 1)
	return true
}

// MoveHalfTo moves this leaf's upper half of entries to right, the first
// step of a leaf split; right must already be an empty leaf.
func (l LeafPage) MoveHalfTo(right LeafPage) {
	n := l.size()
	splitAt := n / 2
	for i := splitAt; i < n; i++ {
		right.setEntry(i-splitAt, l.KeyAt(i), l.ValueAt(i))
	}
	right.setSize(n - splitAt)
	l.setSize(splitAt)
}

// MoveFirstTo moves this leaf's first entry onto the end of left, used
// when redistributing from a right sibling.
func (l LeafPage) MoveFirstTo(left LeafPage) {
	k, v := l.KeyAt(0), l.ValueAt(0)
	left.setEntry(left.size(), k, v)
	left.setSize(left.size() + 1)
	l.Remove(k)
}

// MoveLastTo moves this leaf's last entry onto the front of right, used
// when redistributing from a left sibling.
func (l LeafPage) MoveLastTo(right LeafPage) {
	n := l.size()
	k, v := l.KeyAt(n-1), l.ValueAt(n-1)
	for j := right.size(); j > 0; j-- {
		right.setEntry(j, right.KeyAt(j-1), right.ValueAt(j-1))
	}
	right.setEntry(0, k, v)
	right.setSize(right.size() + 1)
	l.setSize(n - 1)
}

// MoveAllTo appends all of this leaf's entries onto right, the coalesce
// step. It does not touch either page's next_page_id; the caller splices
// the forward link.
func (l LeafPage) MoveAllTo(right LeafPage) {
	n, rn := l.size(), right.size()
	for i := 0; i < n; i++ {
		right.setEntry(rn+i, l.KeyAt(i), l.ValueAt(i))
	}
	right.setSize(rn + n)
	l.setSize(0)
}

// InternalPage is a view over a page buffer laid out as a B+Tree internal
// node: n (key, child-page-id) entries where slot 0's key is an unused
// placeholder and child 0 covers the range below key 1.
type InternalPage struct {
	header
}

// WrapInternal views an already-initialized internal page's buffer.
func WrapInternal(buf []byte) InternalPage { return InternalPage{header{buf}} }

// InitInternal formats buf as a brand-new, empty internal page.
func InitInternal(buf []byte, id, parentID page.ID, maxSize int) InternalPage {
	n := InternalPage{header{buf}}
	n.setPageType(internalPageType)
	n.setSize(0)
	n.setMaxSize(maxSize)
	n.setPageID(id)
	n.setParentID(parentID)
	return n
}

func (n InternalPage) entryOffset(i int) int { return headerSize + i*internalEntrySize }

// KeyAt returns the separator key at slot i. Slot 0's key is unused.
func (n InternalPage) KeyAt(i int) Key { return readKey(n.buf, n.entryOffset(i)) }

// ChildAt returns the child page id at slot i.
func (n InternalPage) ChildAt(i int) page.ID {
	return readPageID(n.buf, n.entryOffset(i)+keySize)
}

func (n InternalPage) setEntry(i int, k Key, child page.ID) {
	off := n.entryOffset(i)
	writeKey(n.buf, off, k)
	writePageID(n.buf, off+keySize, child)
}

// SetFirstChild sets slot 0's child pointer (its key remains unused).
func (n InternalPage) SetFirstChild(child page.ID) { n.setEntry(0, 0, child) }

// ChildIndexFor returns the index i such that ChildAt(i) is the subtree to
// descend into for key: the largest i with KeyAt(i) <= key (i=0 if key is
// smaller than every real separator).
func (n InternalPage) ChildIndexFor(key Key) int {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.KeyAt(mid) <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// IndexOfChild returns the slot index holding childID, or -1.
func (n InternalPage) IndexOfChild(childID page.ID) int {
	for i := 0; i < n.size(); i++ {
		if n.ChildAt(i) == childID {
			return i
		}
	}
	return -1
}

// InsertAfter inserts (key, child) immediately after the entry currently
// holding leftChild, used when propagating a split's separator upward.
func (n InternalPage) InsertAfter(leftChild page.ID, key Key, child page.ID) {
	idx := n.IndexOfChild(leftChild)
	sz := n.size()
	for j := sz; j > idx+1; j-- {
		n.setEntry(j, n.KeyAt(j-1), n.ChildAt(j-1))
	}
	n.setEntry(idx+1, key, child)
	n.setSize(sz + 1)
}

// RemoveAt deletes the entry at slot i.
func (n InternalPage) RemoveAt(i int) {
	sz := n.size()
	for j := i; j < sz-1; j++ {
		n.setEntry(j, n.KeyAt(j+1), n.ChildAt(j+1))
	}
	n.setSize(sz - 1)
}

// MoveHalfTo moves this internal page's upper half (entries from
// (size+1)/2 on, keys included) to right, the split step. The first moved
// key lands in right's unused slot 0 and is the separator to promote.
// The caller is responsible for re-parenting right's children and fixing
// up the parent entry; see Tree.insertIntoParent.
func (n InternalPage) MoveHalfTo(right InternalPage) {
	sz := n.size()
	splitAt := (sz + 1) / 2
	for i := splitAt; i < sz; i++ {
		right.setEntry(i-splitAt, n.KeyAt(i), n.ChildAt(i))
	}
	right.setSize(sz - splitAt)
	n.setSize(splitAt)
}

// MoveFirstTo moves this page's first entry onto the end of left,
// re-keying left's new last entry with sepKey (the parent's former
// separator between left and this node), and returns the new separator
// the parent must adopt (this node's new first real key).
func (n InternalPage) MoveFirstTo(left InternalPage, sepKey Key) Key {
	child := n.ChildAt(0)
	left.setEntry(left.size(), sepKey, child)
	left.setSize(left.size() + 1)
	newSep := n.KeyAt(1)
	n.RemoveAt(0)
	return newSep
}

// MoveLastTo moves this page's last entry onto the front of right,
// re-keying right's old first entry (slot 0, previously unused) with
// sepKey, and returns the new separator the parent must adopt (the key
// that used to point at this moved entry).
func (n InternalPage) MoveLastTo(right InternalPage, sepKey Key) Key {
	sz := n.size()
	movedKey := n.KeyAt(sz - 1)
	movedChild := n.ChildAt(sz - 1)
	rsz := right.size()
	for j := rsz; j > 0; j-- {
		right.setEntry(j, right.KeyAt(j-1), right.ChildAt(j-1))
	}
	right.setEntry(1, sepKey, right.ChildAt(1))
	right.setEntry(0, 0, movedChild)
	right.setSize(rsz + 1)
	n.setSize(sz - 1)
	return movedKey
}

// MoveAllTo appends all of this page's entries onto right (the coalesce
// step), re-keying its first (previously unused) slot with sepKey, the
// parent's separator between left and right.
func (n InternalPage) MoveAllTo(right InternalPage, sepKey Key) {
	sz, rsz := n.size(), right.size()
	right.setEntry(rsz, sepKey, n.ChildAt(0))
	for i := 1; i < sz; i++ {
		right.setEntry(rsz+i, n.KeyAt(i), n.ChildAt(i))
	}
	right.setSize(rsz + sz)
	n.setSize(0)
}
