// Package cache implements the Cache Index, the fast/safe retrieval
// protocol, and the cache lifecycle, tying together the Segment Registry
// (package registry), the In-Segment Allocator (package alloc), the
// readers-writer lock (package rwlock), and the OS abstraction (package
// shm).
//
// The on-disk layout is a header in shared memory, an array of segment
// descriptors, an array of buckets, and a process-local fast cache used
// when ModeFast is selected.
package cache

import (
	"fmt"

	"github.com/ghetzel/shmcache/alloc"
	"github.com/ghetzel/shmcache/registry"
	"github.com/ghetzel/shmcache/rwlock"
	"github.com/ghetzel/shmcache/shm"
)

// Mode selects the retrieval protocol tier, a plain field on Cache rather
// than global process state.
type Mode int

const (
	// ModeSafe always takes the read lock. Correct, never false-misses.
	ModeSafe Mode = iota
	// ModeFast validates against the local fast cache first and only
	// falls back to the read lock on a validation failure.
	ModeFast
)

// Config configures a Cache at creation time as a flat struct of plain
// fields, rather than a functional-options builder.
type Config struct {
	// Path keys the index segment, the data segments, and the lock's
	// semaphores (via ftok); it need not exist as a real cache file, only
	// be a stable filesystem path unique to this cache.
	Path string

	// Buckets is N, the fixed bucket count of the index's open-addressed
	// table.
	Buckets int

	// MaxSegments is M, the maximum number of data segments the allocator
	// may create.
	MaxSegments int

	// SegmentSize is S, the size in bytes of each data segment.
	SegmentSize int

	// DefaultTTL is applied to entries inserted without an explicit TTL
	// override via InsertTTL. Zero means entries never expire by TTL.
	DefaultTTL int32

	// Checksums gates the optional per-entry payload checksum, verified on
	// every retrieval path when enabled. Off by default.
	Checksums bool
}

const (
	projIndex = 'I'
	projData  = 'D'
)

// Cache is a handle on a shared-memory compilation cache. Multiple
// processes (or, within one process, multiple Cache values) that Create
// with the same Config.Path attach to the same underlying segments and
// lock.
type Cache struct {
	cfg  Config
	lock *rwlock.Lock

	indexSeg *shm.Segment
	indexMem []byte

	reg   *registry.Registry
	local *localCache
	mode  Mode
}

// segAdapter implements registry.Attacher over package shm's ID-addressed
// segments, so the registry never needs to know how a segment ID was
// created — only how to re-open one.
type segAdapter struct{}

func (segAdapter) Attach(segmentID int) ([]byte, error) {
	seg, err := shm.Open(segmentID)
	if err != nil {
		return nil, err
	}
	return seg.Attach()
}

func (segAdapter) Detach(segmentID int, mem []byte) error {
	seg, err := shm.Open(segmentID)
	if err != nil {
		return err
	}
	return seg.Detach(mem)
}

func semFactory(path string, proj byte, initial int) (rwlock.Semaphore, error) {
	sem, err := shm.CreateSemaphore(path, proj, initial)
	if err != nil {
		return nil, err
	}
	return sem, nil
}

// Create creates or attaches the cache at cfg.Path. The first caller to
// win the race performs double-checked initialization (zeroing the
// region, writing the header, marking every bucket EMPTY); every later
// caller — in this process or another — simply attaches.
func Create(cfg Config) (*Cache, error) {
	if cfg.Buckets <= 0 {
		return nil, fmt.Errorf("cache: Buckets must be positive")
	}
	if cfg.MaxSegments <= 0 {
		return nil, fmt.Errorf("cache: MaxSegments must be positive")
	}
	if cfg.MaxSegments >= 97 {
		return nil, fmt.Errorf("cache: MaxSegments must be < 97 (Segment Registry capacity)")
	}
	if cfg.SegmentSize < alloc.MinSegmentSize {
		return nil, fmt.Errorf("cache: SegmentSize must be >= %d", alloc.MinSegmentSize)
	}

	lock, err := rwlock.Create(cfg.Path, semFactory)
	if err != nil {
		return nil, fmt.Errorf("cache: create lock: %w", err)
	}

	size := IndexSize(cfg.Buckets, cfg.MaxSegments)
	seg, err := shm.Create(cfg.Path, projIndex, size)
	if err != nil {
		return nil, fmt.Errorf("cache: create index segment: %w", err)
	}

	mem, err := seg.Attach()
	if err != nil {
		return nil, fmt.Errorf("cache: attach index segment: %w", err)
	}

	c := &Cache{
		cfg:      cfg,
		lock:     lock,
		indexSeg: seg,
		indexMem: mem,
		reg:      registry.New(segAdapter{}),
		local:    newLocalCache(),
		mode:     ModeSafe,
	}

	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cache) view() indexView {
	return newIndexView(c.indexMem, c.cfg.Buckets, c.cfg.MaxSegments)
}

// ensureInitialized performs a double-checked init: an unlocked peek at the
// magic sentinel, and — only if that looks uninitialized — a write-locked
// recheck before zeroing and formatting the region. The magic field is
// written last, after every bucket has been marked EMPTY, so a racing
// attacher that observes MAGIC already set is guaranteed to see a
// fully-formatted header.
func (c *Cache) ensureInitialized() error {
	if c.view().Header().Magic() == magic {
		return nil
	}

	if err := c.lock.WriteLock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	idx := c.view()
	if idx.Header().Magic() == magic {
		return nil
	}

	for i := range c.indexMem {
		c.indexMem[i] = 0
	}

	h := idx.Header()
	h.SetNBuckets(int32(c.cfg.Buckets))
	h.SetMaxSegments(int32(c.cfg.MaxSegments))
	h.SetSegSize(int32(c.cfg.SegmentSize))
	h.SetTTL(c.cfg.DefaultTTL)
	h.SetHits(0)
	h.SetMisses(0)

	for i := 0; i < c.cfg.Buckets; i++ {
		idx.Bucket(i).SetSegmentID(segEmpty)
	}

	h.SetMagic(magic)
	return nil
}

// SetMode selects the retrieval protocol tier for this handle. Each Cache
// value decides independently — there is no shared module-level state.
func (c *Cache) SetMode(m Mode) error {
	if m != ModeSafe && m != ModeFast {
		return ErrInvalidMode
	}
	c.mode = m
	return nil
}

// Destroy tears down the cache: every initialized data segment, the index
// segment, the lock's semaphores, and this process's local state.
func (c *Cache) Destroy() error {
	if err := c.lock.WriteLock(); err != nil {
		return err
	}

	idx := c.view()
	for i := 0; i < c.cfg.MaxSegments; i++ {
		slot := idx.Slot(i)
		if slot.Initialized() {
			shm.Destroy(int(slot.SegmentID()))
		}
	}

	if err := c.indexSeg.Detach(c.indexMem); err != nil {
		c.lock.Unlock()
		return fmt.Errorf("cache: detach index segment: %w", err)
	}
	if err := c.indexSeg.Destroy(); err != nil {
		c.lock.Unlock()
		return fmt.Errorf("cache: destroy index segment: %w", err)
	}

	if err := c.lock.Unlock(); err != nil {
		return err
	}

	if err := c.reg.DetachAll(); err != nil {
		return fmt.Errorf("cache: detach data segments: %w", err)
	}
	c.local.Clear()

	return c.lock.Destroy()
}

// Clear empties every bucket, reinitializes every already-created
// segment's free list, and zeros the hit/miss counters.
func (c *Cache) Clear() error {
	if err := c.lock.WriteLock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	idx := c.view()
	for i := 0; i < c.cfg.Buckets; i++ {
		b := idx.Bucket(i)
		if b.SegmentID() >= 0 {
			if err := c.freeBucketPayload(b); err != nil {
				return err
			}
		}
		b.SetSegmentID(segEmpty)
	}

	for i := 0; i < c.cfg.MaxSegments; i++ {
		slot := idx.Slot(i)
		if !slot.Initialized() {
			continue
		}
		mem, err := c.reg.Attach(int(slot.SegmentID()))
		if err != nil {
			return fmt.Errorf("cache: attach segment %d during clear: %w", slot.SegmentID(), err)
		}
		alloc.New(mem).Init(c.cfg.SegmentSize)
	}

	idx.Header().SetHits(0)
	idx.Header().SetMisses(0)
	c.local.Clear()

	return nil
}

// Stats is a cache-wide statistics snapshot: hit/miss counters, bucket
// occupancy, and per-segment memory accounting.
type Stats struct {
	Hits            int64
	Misses          int64
	Buckets         int
	OccupiedBuckets int
	Segments        []SegmentStats
}

// SegmentStats is the total and available byte count for one data segment.
type SegmentStats struct {
	ID    int32
	Total int
	Avail int
}

// Stats reads a consistent snapshot of cache-wide counters and per-segment
// memory accounting under the read lock.
func (c *Cache) Stats() (Stats, error) {
	if err := c.lock.ReadLock(); err != nil {
		return Stats{}, err
	}
	defer c.lock.Unlock()

	idx := c.view()
	st := Stats{
		Hits:    idx.Header().Hits(),
		Misses:  idx.Header().Misses(),
		Buckets: c.cfg.Buckets,
	}

	for i := 0; i < c.cfg.Buckets; i++ {
		if idx.Bucket(i).SegmentID() >= 0 {
			st.OccupiedBuckets++
		}
	}

	for i := 0; i < c.cfg.MaxSegments; i++ {
		slot := idx.Slot(i)
		if !slot.Initialized() {
			continue
		}
		mem, err := c.reg.Attach(int(slot.SegmentID()))
		if err != nil {
			return Stats{}, fmt.Errorf("cache: attach segment %d for stats: %w", slot.SegmentID(), err)
		}
		total, avail := alloc.New(mem).Stats()
		st.Segments = append(st.Segments, SegmentStats{ID: slot.SegmentID(), Total: total, Avail: avail})
	}

	return st, nil
}

func validateKey(key string) error {
	if len(key) > MaxKeyLen {
		return ErrKeyTooLong
	}
	return nil
}

func (c *Cache) freeBucketPayload(b bucketView) error {
	sid := b.SegmentID()
	if sid < 0 {
		return nil
	}
	mem, err := c.reg.Attach(int(sid))
	if err != nil {
		return fmt.Errorf("cache: attach segment %d to free payload: %w", sid, err)
	}
	alloc.New(mem).Deallocate(int(b.Offset()))
	return nil
}

// allocatePayload finds room for n bytes in the first segment slot with
// space, creating and initializing new segments lazily as existing slots
// fill up.
func (c *Cache) allocatePayload(idx indexView, n int) (segmentID, offset int32, err error) {
	for i := 0; i < c.cfg.MaxSegments; i++ {
		slot := idx.Slot(i)

		if !slot.Initialized() {
			id, err := c.createDataSegment(i)
			if err != nil {
				return 0, 0, err
			}
			slot.SetSegmentID(int32(id))
			slot.SetInitialized(true)
		}

		mem, err := c.reg.Attach(int(slot.SegmentID()))
		if err != nil {
			return 0, 0, fmt.Errorf("cache: attach segment %d: %w", slot.SegmentID(), err)
		}

		off, aerr := alloc.New(mem).Allocate(n, true)
		if aerr == nil {
			return slot.SegmentID(), int32(off), nil
		}
	}
	return 0, 0, ErrNoSpace
}

func (c *Cache) createDataSegment(slotIndex int) (int, error) {
	path := fmt.Sprintf("%s.data%d", c.cfg.Path, slotIndex)

	seg, err := shm.Create(path, projData, c.cfg.SegmentSize)
	if err != nil {
		return 0, fmt.Errorf("cache: create data segment %d: %w", slotIndex, err)
	}

	mem, err := seg.Attach()
	if err != nil {
		return 0, fmt.Errorf("cache: attach new data segment %d: %w", slotIndex, err)
	}
	alloc.New(mem).Init(c.cfg.SegmentSize)
	if err := seg.Detach(mem); err != nil {
		return 0, fmt.Errorf("cache: detach new data segment %d: %w", slotIndex, err)
	}

	return seg.ID, nil
}

func isExpired(b bucketView, witnessMtime int64) bool {
	ttl := b.TTL()
	if ttl != 0 && nowFunc() > b.CreateTime()+int64(ttl) {
		return true
	}
	if witnessMtime != 0 && witnessMtime > b.Mtime() {
		return true
	}
	return false
}
