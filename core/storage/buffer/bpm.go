package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coredb/core/storage/disk"
	"coredb/core/storage/page"
)

// ErrNoFrameAvailable is returned when the pool has neither a free frame
// nor an evictable victim.
var ErrNoFrameAvailable = errors.New("buffer: no free frame available")

// Config parameterizes a BufferPoolManager: the number of resident frames,
// the LRU-K history depth, and an optional cap on the write-back
// bandwidth FlushAllPages is allowed to use.
type Config struct {
	PoolSize             int
	ReplacerK            int
	FlushRateBytesPerSec int // 0 disables throttling
}

// BufferPoolManager is a fixed-capacity cache of fixed-size disk pages. A
// single pool latch serializes all operations, matching the spec's
// concurrency model; the replacer has its own internal latch but is only
// ever consulted while the pool latch is held.
type BufferPoolManager struct {
	mu sync.Mutex

	disk     *disk.Manager
	replacer *LRUKReplacer

	pages     []*page.Page
	pageTable map[page.ID]FrameID
	freeList  []FrameID

	flushLimiter *rate.Limiter
	log          *zap.Logger

	fetchHit   metric.Int64Counter
	fetchMiss  metric.Int64Counter
	residentG  metric.Int64ObservableGauge
}

// New builds a buffer pool manager backed by dm. meter may be nil to
// disable metrics.
func New(cfg Config, dm *disk.Manager, log *zap.Logger, meter metric.Meter) (*BufferPoolManager, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("buffer: pool size must be positive, got %d", cfg.PoolSize)
	}
	if log == nil {
		log = zap.NewNop()
	}
	replacer, err := NewLRUKReplacer(cfg.ReplacerK, log.Named("replacer"), meter)
	if err != nil {
		return nil, err
	}

	bpm := &BufferPoolManager{
		disk:      dm,
		replacer:  replacer,
		pages:     make([]*page.Page, cfg.PoolSize),
		pageTable: make(map[page.ID]FrameID, cfg.PoolSize),
		freeList:  make([]FrameID, 0, cfg.PoolSize),
		log:       log,
	}
	for i := 0; i < cfg.PoolSize; i++ {
		bpm.pages[i] = page.NewPage()
		bpm.freeList = append(bpm.freeList, FrameID(i))
	}
	if cfg.FlushRateBytesPerSec > 0 {
		bpm.flushLimiter = rate.NewLimiter(rate.Limit(cfg.FlushRateBytesPerSec), page.Size)
	}

	if meter != nil {
		if ctr, err := meter.Int64Counter("coredb.bpm.fetch.hit", metric.WithDescription("resident-page fetches")); err == nil {
			bpm.fetchHit = ctr
		}
		if ctr, err := meter.Int64Counter("coredb.bpm.fetch.miss", metric.WithDescription("disk-read fetches")); err == nil {
			bpm.fetchMiss = ctr
		}
		if gauge, err := meter.Int64ObservableGauge("coredb.bpm.pages.resident", metric.WithDescription("number of frames currently bound to a page")); err == nil {
			bpm.residentG = gauge
			_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
				bpm.mu.Lock()
				n := len(bpm.pageTable)
				bpm.mu.Unlock()
				o.ObserveInt64(gauge, int64(n))
				return nil
			}, gauge)
		}
	}

	return bpm, nil
}

// findVictimFrame returns a frame to bind, from the free list first, else
// by evicting through the replacer. The victim's dirty contents (if any)
// are written back before its old page-table entry is dropped.
func (bpm *BufferPoolManager) findVictimFrame() (FrameID, error) {
	if len(bpm.freeList) > 0 {
		fid := bpm.freeList[len(bpm.freeList)-1]
		bpm.freeList = bpm.freeList[:len(bpm.freeList)-1]
		return fid, nil
	}
	fid, err := bpm.replacer.Evict()
	if err != nil {
		return 0, ErrNoFrameAvailable
	}
	victim := bpm.pages[fid]
	if victim.ID() != page.InvalidID {
		if victim.IsDirty() {
			if err := bpm.disk.WritePage(victim.ID(), victim.Data()); err != nil {
				return 0, fmt.Errorf("buffer: flushing victim frame %d: %w", fid, err)
			}
			victim.MarkClean()
		}
		delete(bpm.pageTable, victim.ID())
	}
	return fid, nil
}

// NewPage allocates a fresh page id, binds it to a frame, pins it once,
// and returns the page. Fails with ErrNoFrameAvailable if the pool is
// full of pinned pages.
func (bpm *BufferPoolManager) NewPage() (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, err := bpm.findVictimFrame()
	if err != nil {
		return nil, err
	}
	id, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.freeList = append(bpm.freeList, fid)
		return nil, fmt.Errorf("buffer: allocating new page: %w", err)
	}

	p := bpm.pages[fid]
	p.ResetFor(id)
	p.Pin()
	bpm.pageTable[id] = fid
	bpm.replacer.RecordAccess(fid)
	bpm.replacer.SetEvictable(fid, false)
	bpm.log.Debug("new page", zap.Int32("page_id", int32(id)), zap.Int("frame_id", int(fid)))
	return p, nil
}

// FetchPage returns the page for id, reading it from disk into a frame if
// it is not already resident. Fails with ErrNoFrameAvailable if the pool
// is full and the page was not already resident.
func (bpm *BufferPoolManager) FetchPage(id page.ID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if fid, ok := bpm.pageTable[id]; ok {
		p := bpm.pages[fid]
		p.Pin()
		bpm.replacer.RecordAccess(fid)
		bpm.replacer.SetEvictable(fid, false)
		if bpm.fetchHit != nil {
			bpm.fetchHit.Add(context.Background(), 1)
		}
		return p, nil
	}

	fid, err := bpm.findVictimFrame()
	if err != nil {
		return nil, err
	}
	p := bpm.pages[fid]
	p.ResetFor(id)
	if err := bpm.disk.ReadPage(id, p.Data()); err != nil {
		bpm.freeList = append(bpm.freeList, fid)
		return nil, fmt.Errorf("buffer: fetching page %d: %w", id, err)
	}
	p.Pin()
	bpm.pageTable[id] = fid
	bpm.replacer.RecordAccess(fid)
	bpm.replacer.SetEvictable(fid, false)
	if bpm.fetchMiss != nil {
		bpm.fetchMiss.Add(context.Background(), 1)
	}
	return p, nil
}

// UnpinPage decrements id's pin count and OR-ins the dirty flag (dirty is
// sticky, per Page.SetDirty). When the pin count reaches zero the frame
// becomes an eviction candidate. Returns false if id is not resident or
// already unpinned.
func (bpm *BufferPoolManager) UnpinPage(id page.ID, isDirty bool) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable[id]
	if !ok {
		return false
	}
	p := bpm.pages[fid]
	if p.PinCount() == 0 {
		return false
	}
	p.SetDirty(isDirty)
	p.Unpin()
	if p.PinCount() == 0 {
		bpm.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes id's buffer to disk if resident, clearing its dirty
// flag. Returns false if the page is not resident.
func (bpm *BufferPoolManager) FlushPage(id page.ID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushLocked(id)
}

func (bpm *BufferPoolManager) flushLocked(id page.ID) bool {
	fid, ok := bpm.pageTable[id]
	if !ok {
		return false
	}
	p := bpm.pages[fid]
	if err := bpm.disk.WritePage(p.ID(), p.Data()); err != nil {
		bpm.log.Error("flush failed", zap.Int32("page_id", int32(id)), zap.Error(err))
		return false
	}
	p.MarkClean()
	return true
}

// FlushAllPages writes every resident dirty page to disk. When the pool
// was configured with FlushRateBytesPerSec, writes are throttled to that
// rate so a checkpoint sweep does not starve foreground page faults of
// disk bandwidth.
func (bpm *BufferPoolManager) FlushAllPages(ctx context.Context) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for id, fid := range bpm.pageTable {
		p := bpm.pages[fid]
		if !p.IsDirty() {
			continue
		}
		if bpm.flushLimiter != nil {
			if err := bpm.flushLimiter.WaitN(ctx, page.Size); err != nil {
				return fmt.Errorf("buffer: flush throttle: %w", err)
			}
		}
		bpm.flushLocked(id)
	}
	return nil
}

// DeletePage removes id from the pool. Succeeds trivially if not
// resident; fails if resident and still pinned. On success the frame is
// zeroed and returned to the free list.
func (bpm *BufferPoolManager) DeletePage(id page.ID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	fid, ok := bpm.pageTable[id]
	if !ok {
		return true
	}
	p := bpm.pages[fid]
	if p.PinCount() > 0 {
		return false
	}
	bpm.replacer.SetEvictable(fid, true)
	bpm.replacer.Remove(fid)
	delete(bpm.pageTable, id)
	p.ResetFor(page.InvalidID)
	bpm.freeList = append(bpm.freeList, fid)
	return true
}
