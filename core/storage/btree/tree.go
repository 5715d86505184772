package btree

import (
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"coredb/core/storage/buffer"
	"coredb/core/storage/disk"
	"coredb/core/storage/page"
)

// Config parameterizes a Tree: its leaf and internal node capacities.
// Both must be at least 3, per the spec's data model.
type Config struct {
	LeafMax     int
	InternalMax int
}

// Tree is a disk-backed B+Tree index. A single tree-wide read-write latch
// protects every operation — reads take it shared, mutations take it
// exclusive — so no latch-crabbing between pages is required: by the time
// an insert or delete touches a second page, no concurrent reader could
// have observed the first page's half-finished change. See spec section
// 4.3's concurrency note.
type Tree struct {
	mu sync.RWMutex

	bpm  *buffer.BufferPoolManager
	disk *disk.Manager
	cfg  Config
	log  *zap.Logger

	rootPageID page.ID

	heightG metric.Int64ObservableGauge
}

// Open builds a Tree over an already-open disk file and buffer pool,
// picking up whatever root page id is recorded in the file header (which
// is page.InvalidID for a brand-new, empty tree).
func Open(bpm *buffer.BufferPoolManager, dm *disk.Manager, cfg Config, rootPageID page.ID, log *zap.Logger, meter metric.Meter) (*Tree, error) {
	if cfg.LeafMax < 3 || cfg.InternalMax < 3 {
		return nil, fmt.Errorf("btree: leaf_max and internal_max must be >= 3, got %d/%d", cfg.LeafMax, cfg.InternalMax)
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tree{bpm: bpm, disk: dm, cfg: cfg, log: log, rootPageID: rootPageID}
	if meter != nil {
		if gauge, err := meter.Int64ObservableGauge("coredb.btree.height", metric.WithDescription("root-to-leaf path length")); err == nil {
			t.heightG = gauge
		}
	}
	return t, nil
}

// GetRootPageID returns the tree's current root page id (page.InvalidID
// if the tree is empty).
func (t *Tree) GetRootPageID() page.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootPageID
}

func (t *Tree) setRoot(id page.ID) error {
	t.rootPageID = id
	return t.disk.UpdateHeader(func(h *page.DBFileHeader) { h.RootPageID = id })
}

func (t *Tree) fetchLeaf(id page.ID) (*page.Page, LeafPage, error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, LeafPage{}, err
	}
	return p, WrapLeaf(p.Data()), nil
}

func (t *Tree) fetchInternal(id page.ID) (*page.Page, InternalPage, error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return nil, InternalPage{}, err
	}
	return p, WrapInternal(p.Data()), nil
}

func (t *Tree) pageTypeOf(id page.ID) (pageType, *page.Page, error) {
	p, err := t.bpm.FetchPage(id)
	if err != nil {
		return 0, nil, err
	}
	return header{p.Data()}.pageType(), p, nil
}

// Get performs the point lookup described in spec section 4.3: descend by
// locating, in each internal page, the largest separator <= key, until a
// leaf; scan the leaf for an exact match.
func (t *Tree) Get(key Key) (page.RecordID, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return page.RecordID{}, false, nil
	}
	guard, err := buffer.NewReadPageGuard(t.bpm, t.rootPageID)
	if err != nil {
		return page.RecordID{}, false, err
	}
	for {
		typ := header{guard.Data()}.pageType()
		if typ == leafPageType {
			leaf := WrapLeaf(guard.Data())
			rid, ok := leaf.Lookup(key)
			guard.Drop()
			return rid, ok, nil
		}
		internal := WrapInternal(guard.Data())
		idx := internal.ChildIndexFor(key)
		childID := internal.ChildAt(idx)
		guard.Drop()
		next, err := buffer.NewReadPageGuard(t.bpm, childID)
		if err != nil {
			return page.RecordID{}, false, err
		}
		guard = next
	}
}

// descendForWrite walks from the root to the target leaf for key, fetching
// (but not latching — the tree-wide exclusive lock already excludes
// everyone else) each internal page along the way and recording its id so
// split/redistribute can walk back up. The leaf's page is returned still
// pinned; callers must unpin it.
func (t *Tree) descendForWrite(key Key) (leafPg *page.Page, leaf LeafPage, path []page.ID, err error) {
	curID := t.rootPageID
	for {
		typ, p, ferr := t.pageTypeOf(curID)
		if ferr != nil {
			return nil, LeafPage{}, nil, ferr
		}
		if typ == leafPageType {
			return p, WrapLeaf(p.Data()), path, nil
		}
		internal := WrapInternal(p.Data())
		idx := internal.ChildIndexFor(key)
		childID := internal.ChildAt(idx)
		t.bpm.UnpinPage(curID, false)
		path = append(path, curID)
		curID = childID
	}
}

// Put inserts key->value. Returns false without modifying the tree if key
// is already present.
func (t *Tree) Put(key Key, value page.RecordID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.InvalidID {
		p, err := t.bpm.NewPage()
		if err != nil {
			return false, err
		}
		leaf := InitLeaf(p.Data(), p.ID(), page.InvalidID, t.cfg.LeafMax)
		leaf.Insert(key, value)
		id := p.ID()
		t.bpm.UnpinPage(id, true)
		if err := t.setRoot(id); err != nil {
			return false, err
		}
		return true, nil
	}

	leafPg, leaf, path, err := t.descendForWrite(key)
	if err != nil {
		return false, err
	}
	leafID := leafPg.ID()
	if !leaf.Insert(key, value) {
		t.bpm.UnpinPage(leafID, false)
		return false, nil
	}
	// Open question #1 (see DESIGN.md): split eagerly so a leaf never
	// holds cfg.LeafMax entries in steady state — split as soon as size
	// reaches LeafMax rather than waiting for it to exceed LeafMax.
	if leaf.size() < t.cfg.LeafMax {
		t.bpm.UnpinPage(leafID, true)
		return true, nil
	}

	rightPg, err := t.bpm.NewPage()
	if err != nil {
		return false, err
	}
	right := InitLeaf(rightPg.Data(), rightPg.ID(), leaf.parentID(), t.cfg.LeafMax)
	leaf.MoveHalfTo(right)
	right.setNextPageID(leaf.nextPageID())
	leaf.setNextPageID(rightPg.ID())
	sepKey := right.KeyAt(0)
	rightID := rightPg.ID()

	t.bpm.UnpinPage(leafID, true)
	t.bpm.UnpinPage(rightID, true)

	return true, t.insertIntoParent(leafID, sepKey, rightID, path)
}

// insertIntoParent implements spec section 4.3's insert_into_parent: if
// left was the root, allocate a new root; otherwise insert the separator
// into the parent recorded in path, splitting it (and recursing) if it
// overflows.
func (t *Tree) insertIntoParent(leftID page.ID, sepKey Key, rightID page.ID, path []page.ID) error {
	if len(path) == 0 {
		newRootPg, err := t.bpm.NewPage()
		if err != nil {
			return err
		}
		root := InitInternal(newRootPg.Data(), newRootPg.ID(), page.InvalidID, t.cfg.InternalMax)
		root.setEntry(0, 0, leftID)
		root.setSize(1)
		root.InsertAfter(leftID, sepKey, rightID)
		newRootID := newRootPg.ID()
		t.bpm.UnpinPage(newRootID, true)

		if err := t.setChildParent(leftID, newRootID); err != nil {
			return err
		}
		if err := t.setChildParent(rightID, newRootID); err != nil {
			return err
		}
		return t.setRoot(newRootID)
	}

	parentID := path[len(path)-1]
	parentPath := path[:len(path)-1]
	_, parent, err := t.fetchInternal(parentID)
	if err != nil {
		return err
	}
	parent.InsertAfter(leftID, sepKey, rightID)
	if err := t.setChildParentData(rightID, parentID); err != nil {
		t.bpm.UnpinPage(parentID, true)
		return err
	}

	if parent.size() <= t.cfg.InternalMax {
		t.bpm.UnpinPage(parentID, true)
		return nil
	}

	// Parent overflowed: split it, promoting the new separator upward.
	newInternalPg, err := t.bpm.NewPage()
	if err != nil {
		t.bpm.UnpinPage(parentID, true)
		return err
	}
	newInternal := InitInternal(newInternalPg.Data(), newInternalPg.ID(), parent.parentID(), t.cfg.InternalMax)
	parent.MoveHalfTo(newInternal)
	promotedKey := newInternal.KeyAt(0)
	newInternalID := newInternalPg.ID()

	for i := 0; i < newInternal.size(); i++ {
		if err := t.setChildParent(newInternal.ChildAt(i), newInternalID); err != nil {
			t.bpm.UnpinPage(parentID, true)
			t.bpm.UnpinPage(newInternalID, true)
			return err
		}
	}

	t.bpm.UnpinPage(parentID, true)
	t.bpm.UnpinPage(newInternalID, true)

	return t.insertIntoParent(parentID, promotedKey, newInternalID, parentPath)
}

func (t *Tree) setChildParent(childID, parentID page.ID) error {
	return t.setChildParentData(childID, parentID)
}

func (t *Tree) setChildParentData(childID, parentID page.ID) error {
	p, err := t.bpm.FetchPage(childID)
	if err != nil {
		return err
	}
	header{p.Data()}.setParentID(parentID)
	t.bpm.UnpinPage(childID, true)
	return nil
}

// Remove deletes key if present, redistributing from or coalescing with a
// sibling on underflow per spec section 4.3. A no-op if key is absent.
func (t *Tree) Remove(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPageID == page.InvalidID {
		return nil
	}
	leafPg, leaf, path, err := t.descendForWrite(key)
	if err != nil {
		return err
	}
	leafID := leafPg.ID()
	if !leaf.Remove(key) {
		t.bpm.UnpinPage(leafID, false)
		return nil
	}

	if len(path) == 0 {
		// Root is a leaf; no minimum-size constraint applies.
		t.bpm.UnpinPage(leafID, true)
		return nil
	}
	if leaf.size() >= minSize(t.cfg.LeafMax) {
		t.bpm.UnpinPage(leafID, true)
		return nil
	}
	// Release the descend pin before handing off: handleLeafUnderflow
	// re-fetches leafID itself (as whichever of leftID/rightID it turns
	// out to be), and must see exactly one pin on it, the same as every
	// other node it fetches.
	t.bpm.UnpinPage(leafID, true)
	return t.handleLeafUnderflow(leafID, path)
}

// handleLeafUnderflow redistributes from, or coalesces with, leafID's
// sibling, per spec section 4.3 step 4: prefer the left sibling unless
// leafID is the parent's first child.
func (t *Tree) handleLeafUnderflow(leafID page.ID, path []page.ID) error {
	parentID := path[len(path)-1]
	parentPath := path[:len(path)-1]
	parentPg, parent, err := t.fetchInternal(parentID)
	if err != nil {
		return err
	}
	idx := parent.IndexOfChild(leafID)

	var leftID, rightID page.ID
	var leftIsTarget bool
	if idx > 0 {
		leftID, rightID = parent.ChildAt(idx-1), leafID
		leftIsTarget = false
	} else {
		leftID, rightID = leafID, parent.ChildAt(idx+1)
		leftIsTarget = true
	}

	_, left, err := t.fetchLeaf(leftID)
	if err != nil {
		t.bpm.UnpinPage(parentID, false)
		return err
	}
	_, right, err := t.fetchLeaf(rightID)
	if err != nil {
		t.bpm.UnpinPage(parentID, false)
		t.bpm.UnpinPage(leftID, false)
		return err
	}

	if leftIsTarget {
		// leafID is left; its sibling (right) may lend from the front.
		if right.size() > minSize(t.cfg.LeafMax) {
			right.MoveFirstTo(left)
			sepIdx := parent.IndexOfChild(rightID)
			parent.setEntry(sepIdx, right.KeyAt(0), rightID)
			t.bpm.UnpinPage(leftID, true)
			t.bpm.UnpinPage(rightID, true)
			t.bpm.UnpinPage(parentID, true)
			return nil
		}
		right.MoveAllTo(left)
		left.setNextPageID(right.nextPageID())
		t.bpm.UnpinPage(leftID, true)
		if err := t.deleteMergedPage(rightID); err != nil {
			return err
		}
		sepIdx := parent.IndexOfChild(rightID)
		parent.RemoveAt(sepIdx)
		return t.afterCoalesce(parentID, parent, parentPg, parentPath)
	}

	// leafID is right; its sibling (left) may lend from the back.
	if left.size() > minSize(t.cfg.LeafMax) {
		left.MoveLastTo(right)
		sepIdx := parent.IndexOfChild(rightID)
		parent.setEntry(sepIdx, right.KeyAt(0), rightID)
		t.bpm.UnpinPage(leftID, true)
		t.bpm.UnpinPage(rightID, true)
		t.bpm.UnpinPage(parentID, true)
		return nil
	}
	right.MoveAllTo(left) // merge right (leafID) into left
	left.setNextPageID(right.nextPageID())
	t.bpm.UnpinPage(leftID, true)
	if err := t.deleteMergedPage(rightID); err != nil {
		return err
	}
	sepIdx := parent.IndexOfChild(rightID)
	parent.RemoveAt(sepIdx)
	return t.afterCoalesce(parentID, parent, parentPg, parentPath)
}

// deleteMergedPage drops the pin fetchLeaf/fetchInternal left on a page
// that just lost all its entries to a MoveAllTo merge, then deletes it.
// DeletePage refuses a still-pinned page, so skipping the unpin here
// would silently leave the merged-away page resident forever.
func (t *Tree) deleteMergedPage(id page.ID) error {
	t.bpm.UnpinPage(id, false)
	if !t.bpm.DeletePage(id) {
		return fmt.Errorf("btree: failed to delete merged page %d", id)
	}
	return nil
}

// afterCoalesce handles the parent's size after a child merge: recurse on
// underflow, or promote an only child to root, or simply persist if the
// parent is still within bounds.
func (t *Tree) afterCoalesce(parentID page.ID, parent InternalPage, parentPg *page.Page, parentPath []page.ID) error {
	if len(parentPath) == 0 {
		// parent is root
		if parent.size() == 1 {
			onlyChild := parent.ChildAt(0)
			t.bpm.UnpinPage(parentID, true)
			t.bpm.DeletePage(parentID)
			if err := t.setChildParentData(onlyChild, page.InvalidID); err != nil {
				return err
			}
			return t.setRoot(onlyChild)
		}
		t.bpm.UnpinPage(parentID, true)
		return nil
	}
	if parent.size() >= minSize(t.cfg.InternalMax) {
		t.bpm.UnpinPage(parentID, true)
		return nil
	}
	t.bpm.UnpinPage(parentID, true)
	return t.handleInternalUnderflow(parentID, parentPath)
}

// handleInternalUnderflow mirrors handleLeafUnderflow for internal nodes:
// redistribute via the parent's separator key, or coalesce and recurse.
func (t *Tree) handleInternalUnderflow(nodeID page.ID, path []page.ID) error {
	parentID := path[len(path)-1]
	parentPath := path[:len(path)-1]
	parentPg, parent, err := t.fetchInternal(parentID)
	if err != nil {
		return err
	}
	idx := parent.IndexOfChild(nodeID)

	var leftID, rightID page.ID
	var nodeIsLeft bool
	if idx > 0 {
		leftID, rightID = parent.ChildAt(idx-1), nodeID
		nodeIsLeft = false
	} else {
		leftID, rightID = nodeID, parent.ChildAt(idx+1)
		nodeIsLeft = true
	}

	_, left, err := t.fetchInternal(leftID)
	if err != nil {
		t.bpm.UnpinPage(parentID, false)
		return err
	}
	_, right, err := t.fetchInternal(rightID)
	if err != nil {
		t.bpm.UnpinPage(parentID, false)
		t.bpm.UnpinPage(leftID, false)
		return err
	}

	sepIdx := parent.IndexOfChild(rightID)
	sepKey := parent.KeyAt(sepIdx)

	if nodeIsLeft {
		if right.size() > minSize(t.cfg.InternalMax) {
			newSep := right.MoveFirstTo(left, sepKey)
			if err := t.setChildParentData(left.ChildAt(left.size()-1), leftID); err != nil {
				return err
			}
			parent.setEntry(sepIdx, newSep, rightID)
			t.bpm.UnpinPage(leftID, true)
			t.bpm.UnpinPage(rightID, true)
			t.bpm.UnpinPage(parentID, true)
			return nil
		}
		right.MoveAllTo(left, sepKey)
		for i := 0; i < left.size(); i++ {
			if err := t.setChildParentData(left.ChildAt(i), leftID); err != nil {
				return err
			}
		}
		t.bpm.UnpinPage(leftID, true)
		if err := t.deleteMergedPage(rightID); err != nil {
			return err
		}
		parent.RemoveAt(sepIdx)
		return t.afterCoalesce(parentID, parent, parentPg, parentPath)
	}

	if left.size() > minSize(t.cfg.InternalMax) {
		newSep := left.MoveLastTo(right, sepKey)
		if err := t.setChildParentData(right.ChildAt(0), rightID); err != nil {
			return err
		}
		parent.setEntry(sepIdx, newSep, rightID)
		t.bpm.UnpinPage(leftID, true)
		t.bpm.UnpinPage(rightID, true)
		t.bpm.UnpinPage(parentID, true)
		return nil
	}
	right.MoveAllTo(left, sepKey)
	for i := 0; i < left.size(); i++ {
		if err := t.setChildParentData(left.ChildAt(i), leftID); err != nil {
			return err
		}
	}
	t.bpm.UnpinPage(leftID, true)
	if err := t.deleteMergedPage(rightID); err != nil {
		return err
	}
	parent.RemoveAt(sepIdx)
	return t.afterCoalesce(parentID, parent, parentPg, parentPath)
}

// Iterator walks forward-linked leaves in ascending key order, pinning
// one leaf at a time.
type Iterator struct {
	tree  *Tree
	guard buffer.ReadPageGuard
	idx   int
	done  bool
}

// Begin returns an iterator positioned at the leftmost leaf's first
// entry.
func (t *Tree) Begin() (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return &Iterator{done: true}, nil
	}
	curID := t.rootPageID
	guard, err := buffer.NewReadPageGuard(t.bpm, curID)
	if err != nil {
		return nil, err
	}
	for (header{guard.Data()}).pageType() != leafPageType {
		internal := WrapInternal(guard.Data())
		childID := internal.ChildAt(0)
		guard.Drop()
		guard, err = buffer.NewReadPageGuard(t.bpm, childID)
		if err != nil {
			return nil, err
		}
	}
	it := &Iterator{tree: t, guard: guard, idx: 0}
	if WrapLeaf(guard.Data()).size() == 0 {
		it.done = true
	}
	return it, nil
}

// BeginAt returns an iterator positioned at the first entry with key >=
// key (spec's begin(key)).
func (t *Tree) BeginAt(key Key) (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return &Iterator{done: true}, nil
	}
	curID := t.rootPageID
	guard, err := buffer.NewReadPageGuard(t.bpm, curID)
	if err != nil {
		return nil, err
	}
	for (header{guard.Data()}).pageType() != leafPageType {
		internal := WrapInternal(guard.Data())
		idx := internal.ChildIndexFor(key)
		childID := internal.ChildAt(idx)
		guard.Drop()
		guard, err = buffer.NewReadPageGuard(t.bpm, childID)
		if err != nil {
			return nil, err
		}
	}
	leaf := WrapLeaf(guard.Data())
	slot := leaf.findIndex(key)
	it := &Iterator{tree: t, guard: guard, idx: slot}
	if slot >= leaf.size() {
		if err := it.advanceLeaf(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the current entry's key. Valid must be true.
func (it *Iterator) Key() Key { return WrapLeaf(it.guard.Data()).KeyAt(it.idx) }

// Value returns the current entry's record id. Valid must be true.
func (it *Iterator) Value() page.RecordID { return WrapLeaf(it.guard.Data()).ValueAt(it.idx) }

// Next advances the iterator by one entry, following next_page_id and
// unpinning the previous leaf when the current one is exhausted.
func (it *Iterator) Next() error {
	if it.done {
		return nil
	}
	it.idx++
	leaf := WrapLeaf(it.guard.Data())
	if it.idx < leaf.size() {
		return nil
	}
	return it.advanceLeaf()
}

func (it *Iterator) advanceLeaf() error {
	leaf := WrapLeaf(it.guard.Data())
	next := leaf.nextPageID()
	it.guard.Drop()
	if next == page.InvalidID {
		it.done = true
		return nil
	}
	g, err := buffer.NewReadPageGuard(it.tree.bpm, next)
	if err != nil {
		return err
	}
	it.guard = g
	it.idx = 0
	if WrapLeaf(g.Data()).size() == 0 {
		it.done = true
	}
	return nil
}

// Close releases the iterator's pinned leaf, if any. Safe to call more
// than once.
func (it *Iterator) Close() {
	if it.tree == nil {
		return
	}
	it.guard.Drop()
	it.done = true
}

// Height returns the number of pages on the root-to-leaf path (1 for a
// tree with only a root leaf, 0 for an empty tree). Intended for tests
// and diagnostics.
func (t *Tree) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return 0, nil
	}
	h := 0
	curID := t.rootPageID
	for {
		p, err := t.bpm.FetchPage(curID)
		if err != nil {
			return 0, err
		}
		typ := header{p.Data()}.pageType()
		h++
		if typ == leafPageType {
			t.bpm.UnpinPage(curID, false)
			return h, nil
		}
		internal := WrapInternal(p.Data())
		childID := internal.ChildAt(0)
		t.bpm.UnpinPage(curID, false)
		curID = childID
	}
}

// DrawableString renders a small text dump of the tree's structure,
// level by level, for debugging.
func (t *Tree) DrawableString() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootPageID == page.InvalidID {
		return "(empty tree)\n", nil
	}
	var b strings.Builder
	level := []page.ID{t.rootPageID}
	depth := 0
	for len(level) > 0 {
		fmt.Fprintf(&b, "L%d:", depth)
		var next []page.ID
		for _, id := range level {
			p, err := t.bpm.FetchPage(id)
			if err != nil {
				return "", err
			}
			typ := header{p.Data()}.pageType()
			if typ == leafPageType {
				leaf := WrapLeaf(p.Data())
				fmt.Fprintf(&b, " [leaf#%d:", int32(id))
				for i := 0; i < leaf.size(); i++ {
					fmt.Fprintf(&b, "%d,", int64(leaf.KeyAt(i)))
				}
				b.WriteString("]")
			} else {
				internal := WrapInternal(p.Data())
				fmt.Fprintf(&b, " [int#%d:", int32(id))
				for i := 0; i < internal.size(); i++ {
					if i > 0 {
						fmt.Fprintf(&b, "%d,", int64(internal.KeyAt(i)))
					}
					next = append(next, internal.ChildAt(i))
				}
				b.WriteString("]")
			}
			t.bpm.UnpinPage(id, false)
		}
		b.WriteString("\n")
		level = next
		depth++
	}
	return b.String(), nil
}
