// Package buffer implements the LRU-K eviction policy and the fixed
// capacity buffer pool manager that consults it, plus the scoped page
// guards higher layers use to borrow pages safely.
package buffer

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// FrameID identifies a slot in the buffer pool's frame array.
type FrameID int

// ErrNoEvictableFrame is returned by Evict when every tracked frame is
// currently pinned (non-evictable).
var ErrNoEvictableFrame = errors.New("buffer: no evictable frame")

// lruKNode is the per-frame access record described in the spec's data
// model: a bounded window of the k most recent access timestamps (oldest
// first), an access count, and the evictable flag. history never grows
// past k entries; once it reaches k, a new access drops the oldest entry
// before appending, so history[0] is always the k-th most recent access
// timestamp.
type lruKNode struct {
	frameID   FrameID
	history   []int64
	evictable bool
}

func (n *lruKNode) cnt() int { return len(n.history) }

// hasKDistance reports whether this frame has been accessed at least k
// times, i.e. whether it belongs in the cache list rather than young.
func (n *lruKNode) hasKDistance(k int) bool { return len(n.history) >= k }

// kTimestamp returns the timestamp of the k-th most recent access. Callers
// must only call this once hasKDistance(k) is true.
func (n *lruKNode) kTimestamp() int64 { return n.history[0] }

// LRUKReplacer selects eviction victims using the LRU-K policy: frames
// with fewer than k historical accesses (infinite backward k-distance)
// are preferred for eviction over frames with a finite k-distance, with
// classical LRU breaking ties among the former.
//
// State is split into two intrusive lists threaded through container/list
// elements — young (cnt < k, newest access first) and cache (cnt >= k,
// ascending by k-th most recent access timestamp, i.e. largest k-distance
// first) — plus an index from frame id to its current
// list element, mirroring the reference implementation's node_store_ but
// without storing raw iterators that would dangle across list moves.
type LRUKReplacer struct {
	mu sync.Mutex

	k         int
	nowTicks  int64
	currSize  int // count of evictable frames
	young     *list.List // Value: *lruKNode, ordered newest-first
	cache     *list.List // Value: *lruKNode, ordered ascending by kTimestamp
	index     map[FrameID]*list.Element
	inYoung   map[FrameID]bool

	log         *zap.Logger
	sizeGauge   metric.Int64ObservableGauge
	evictionCtr metric.Int64Counter
}

// NewLRUKReplacer builds a replacer with history depth k. log and meter
// may be nil, in which case observability is disabled.
func NewLRUKReplacer(k int, log *zap.Logger, meter metric.Meter) (*LRUKReplacer, error) {
	if k <= 0 {
		return nil, fmt.Errorf("buffer: replacer k must be positive, got %d", k)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &LRUKReplacer{
		k:       k,
		young:   list.New(),
		cache:   list.New(),
		index:   make(map[FrameID]*list.Element),
		inYoung: make(map[FrameID]bool),
		log:     log,
	}
	if meter != nil {
		gauge, err := meter.Int64ObservableGauge(
			"coredb.replacer.size",
			metric.WithDescription("number of currently evictable frames tracked by the replacer"),
		)
		if err == nil {
			r.sizeGauge = gauge
			_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
				o.ObserveInt64(gauge, int64(r.Size()))
				return nil
			}, gauge)
		}
		if ctr, err := meter.Int64Counter(
			"coredb.replacer.eviction",
			metric.WithDescription("count of frames chosen as eviction victims"),
		); err == nil {
			r.evictionCtr = ctr
		}
	}
	return r, nil
}

// RecordAccess bumps the global access clock and records a touch of
// frameID, moving it between the young and cache lists as its access
// count crosses k.
func (r *LRUKReplacer) RecordAccess(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowTicks++
	now := r.nowTicks

	elem, known := r.index[frameID]
	if !known {
		n := &lruKNode{frameID: frameID, history: []int64{now}}
		e := r.young.PushFront(n)
		r.index[frameID] = e
		r.inYoung[frameID] = true
		return
	}

	n := elem.Value.(*lruKNode)
	wasYoung := r.inYoung[frameID]

	if len(n.history) >= r.k {
		n.history = n.history[1:]
	}
	n.history = append(n.history, now)

	if wasYoung {
		if n.hasKDistance(r.k) {
			r.young.Remove(elem)
			r.insertIntoCache(n)
		} else {
			r.young.MoveToFront(elem)
		}
		return
	}

	// Already in cache: the k-th most recent timestamp moved later (the
	// k-distance shrank), reposition.
	r.cache.Remove(elem)
	r.insertIntoCache(n)
}

// insertIntoCache places n into the cache list, keeping it sorted
// ascending by kTimestamp, and updates the index.
func (r *LRUKReplacer) insertIntoCache(n *lruKNode) {
	for e := r.cache.Front(); e != nil; e = e.Next() {
		if e.Value.(*lruKNode).kTimestamp() > n.kTimestamp() {
			ne := r.cache.InsertBefore(n, e)
			r.index[n.frameID] = ne
			r.inYoung[n.frameID] = false
			return
		}
	}
	ne := r.cache.PushBack(n)
	r.index[n.frameID] = ne
	r.inYoung[n.frameID] = false
}

// SetEvictable toggles whether frameID may be chosen as an eviction
// victim. Frames outside the pool's live set (never accessed) are
// ignored, matching the reference implementation's leniency here.
func (r *LRUKReplacer) SetEvictable(frameID FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.index[frameID]
	if !ok {
		return
	}
	n := elem.Value.(*lruKNode)
	if n.evictable == evictable {
		return
	}
	n.evictable = evictable
	if evictable {
		r.currSize++
	} else {
		r.currSize--
	}
}

// Evict picks a victim per the eviction rationale: scan young tail to
// head (oldest access first) for an evictable frame; failing that, scan
// cache head to tail (smallest kTimestamp, i.e. largest k-distance, first).
func (r *LRUKReplacer) Evict() (FrameID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.young.Back(); e != nil; e = e.Prev() {
		n := e.Value.(*lruKNode)
		if n.evictable {
			return r.removeElem(r.young, e, n), nil
		}
	}
	for e := r.cache.Front(); e != nil; e = e.Next() {
		n := e.Value.(*lruKNode)
		if n.evictable {
			return r.removeElem(r.cache, e, n), nil
		}
	}
	return 0, ErrNoEvictableFrame
}

func (r *LRUKReplacer) removeElem(l *list.List, e *list.Element, n *lruKNode) FrameID {
	l.Remove(e)
	delete(r.index, n.frameID)
	delete(r.inYoung, n.frameID)
	r.currSize--
	if r.evictionCtr != nil {
		r.evictionCtr.Add(context.Background(), 1)
	}
	r.log.Debug("evicted frame", zap.Int("frame_id", int(n.frameID)))
	return n.frameID
}

// Remove drops all access history for an evictable frameID without
// evicting it through the normal path (used by the BPM when a page is
// explicitly deleted). Removing a non-evictable frame is a programming
// error and panics, matching the reference assertion.
func (r *LRUKReplacer) Remove(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elem, ok := r.index[frameID]
	if !ok {
		return
	}
	n := elem.Value.(*lruKNode)
	if !n.evictable {
		panic(fmt.Sprintf("buffer: Remove called on non-evictable frame %d", frameID))
	}
	if r.inYoung[frameID] {
		r.young.Remove(elem)
	} else {
		r.cache.Remove(elem)
	}
	delete(r.index, frameID)
	delete(r.inYoung, frameID)
	r.currSize--
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currSize
}
