package cache

import "time"

// nowFunc is the wall-clock source for TTL and mtime comparisons. It is a
// package variable, not a hardcoded time.Now() call, so tests can simulate
// TTL expiry without sleeping.
var nowFunc = func() int64 { return time.Now().Unix() }

// Search reports whether key names an unexpired occupied bucket. It always
// takes the read lock.
func (c *Cache) Search(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	if err := c.lock.ReadLock(); err != nil {
		return false, err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			return false, nil
		}
		if sid == segUnused {
			continue
		}
		// Full equality against the stored key's own NUL-terminated
		// length: a stored key that is merely a prefix of the query must
		// never match.
		if b.Key() == key {
			return !isExpired(b, 0), nil
		}
	}
	return false, nil
}

// Retrieve runs the two-tier fast/safe protocol. buf, if non-nil and large
// enough, is reused to avoid an allocation; otherwise a new slice is
// returned, so the caller never has to manage a raw pointer/length/capacity
// triple.
func (c *Cache) Retrieve(key string, witnessMtime int64, buf []byte) (data []byte, found bool, err error) {
	if key == "" {
		return nil, false, nil
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	if c.mode == ModeFast {
		if data, ok := c.retrieveFast(key, witnessMtime, buf); ok {
			return data, true, nil
		}
	}
	return c.retrieveSafe(key, witnessMtime, buf)
}

func (c *Cache) retrieveSafe(key string, witnessMtime int64, buf []byte) ([]byte, bool, error) {
	if err := c.lock.ReadLock(); err != nil {
		return nil, false, err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			break
		}
		if sid == segUnused {
			continue
		}
		if b.Key() != key {
			continue
		}
		if isExpired(b, witnessMtime) {
			break
		}

		mem, err := c.reg.Attach(int(sid))
		if err != nil {
			return nil, false, err
		}

		length, offset := int(b.Length()), int(b.Offset())
		var out []byte
		if cap(buf) >= length {
			out = buf[:length]
		} else {
			out = make([]byte, length)
		}
		copy(out, mem[offset:offset+length])

		if c.cfg.Checksums && checksum(out) != b.Checksum() {
			idx.Header().IncMisses()
			return nil, false, ErrIntegrityError
		}

		now := nowFunc()
		b.IncHitCount()
		b.SetLastAccess(now)
		idx.Header().IncHits()

		if c.mode == ModeFast {
			c.local.Set(key, LocalEntry{SegmentID: sid, Offset: b.Offset(), Length: b.Length(), Mtime: b.Mtime()})
		}

		return out, true, nil
	}

	idx.Header().IncMisses()
	return nil, false, nil
}

// retrieveFast validates the shared bucket against the last safe-path
// snapshot without taking any lock. It never produces false data: any
// mismatch in {segment_id, offset, length, mtime}, or a witness mtime newer
// than the snapshot, falls back to the safe path.
func (c *Cache) retrieveFast(key string, witnessMtime int64, buf []byte) ([]byte, bool) {
	le, ok := c.local.Get(key)
	if !ok {
		return nil, false
	}

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			return nil, false
		}
		if sid == segUnused {
			continue
		}
		if b.Key() != key {
			continue
		}

		if sid != le.SegmentID || b.Offset() != le.Offset || b.Length() != le.Length || b.Mtime() != le.Mtime {
			return nil, false
		}
		if witnessMtime != 0 && witnessMtime > b.Mtime() {
			return nil, false
		}

		mem, err := c.reg.Attach(int(sid))
		if err != nil {
			return nil, false
		}

		length, offset := int(le.Length), int(le.Offset)
		var out []byte
		if cap(buf) >= length {
			out = buf[:length]
		} else {
			out = make([]byte, length)
		}
		copy(out, mem[offset:offset+length])

		if c.cfg.Checksums && checksum(out) != b.Checksum() {
			return nil, false
		}

		return out, true
	}
	return nil, false
}

// Insert stores data under key with the cache's default TTL. An empty key
// is a silent no-op.
func (c *Cache) Insert(key string, data []byte, mtime int64) error {
	return c.insert(key, data, mtime, c.cfg.DefaultTTL)
}

// InsertTTL is Insert with a per-entry TTL override (0 means never
// expire), the natural counterpart to SetTTL.
func (c *Cache) InsertTTL(key string, data []byte, mtime int64, ttl int32) error {
	return c.insert(key, data, mtime, ttl)
}

func (c *Cache) insert(key string, data []byte, mtime int64, ttl int32) error {
	if key == "" {
		return nil
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := c.lock.WriteLock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	landed := -1
	for i := 0; i < n; i++ {
		slotIdx := (s0 + i*st) % n
		b := idx.Bucket(slotIdx)
		sid := b.SegmentID()

		if sid < 0 {
			landed = slotIdx
			break
		}
		if b.Key() == key {
			if err := c.freeBucketPayload(b); err != nil {
				return err
			}
			b.SetSegmentID(segUnused)
			landed = slotIdx
			break
		}
		if isExpired(b, 0) {
			if err := c.freeBucketPayload(b); err != nil {
				return err
			}
			b.SetSegmentID(segUnused)
			landed = slotIdx
			break
		}
	}

	if landed == -1 {
		return ErrCacheFull
	}

	// The landed bucket's old payload, if any, is already freed and the
	// bucket marked UNUSED above — if allocatePayload now fails, the index
	// is left consistent (an UNUSED bucket, not a stale occupied one
	// aliasing memory that's back on a free list) and ErrNoSpace can
	// propagate with nothing left to undo.
	segID, offset, err := c.allocatePayload(idx, len(data))
	if err != nil {
		return err
	}

	mem, err := c.reg.Attach(int(segID))
	if err != nil {
		return err
	}
	copy(mem[offset:int(offset)+len(data)], data)

	var sum uint32
	if c.cfg.Checksums {
		sum = checksum(data)
	}

	b := idx.Bucket(landed)
	b.SetKey(key)
	b.SetSegmentID(segID)
	b.SetOffset(offset)
	b.SetLength(int32(len(data)))
	b.SetHitCount(0)
	b.SetTTL(ttl)
	// lastaccess and createtime both take this same fresh timestamp, so a
	// freshly inserted entry never reports a stale previous occupant's time.
	now := nowFunc()
	b.SetCreateTime(now)
	b.SetLastAccess(now)
	b.SetMtime(mtime)
	b.SetChecksum(sum)

	c.local.Delete(key)

	return nil
}

// Remove transitions key's bucket to UNUSED and deallocates its payload.
func (c *Cache) Remove(key string) error {
	if key == "" {
		return ErrNotFound
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := c.lock.WriteLock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			return ErrNotFound
		}
		if sid == segUnused {
			continue
		}
		if b.Key() != key {
			continue
		}
		if isExpired(b, 0) {
			return ErrNotFound
		}

		if err := c.freeBucketPayload(b); err != nil {
			return err
		}
		b.SetSegmentID(segUnused)
		c.local.Delete(key)
		return nil
	}

	return ErrNotFound
}

// SetTTL mutates an occupied bucket's TTL in place.
func (c *Cache) SetTTL(key string, ttl int32) error {
	if key == "" {
		return ErrNotFound
	}
	if err := validateKey(key); err != nil {
		return err
	}

	if err := c.lock.WriteLock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			return ErrNotFound
		}
		if sid == segUnused {
			continue
		}
		if b.Key() != key {
			continue
		}
		if isExpired(b, 0) {
			return ErrNotFound
		}
		b.SetTTL(ttl)
		return nil
	}

	return ErrNotFound
}

// TTL reads an occupied bucket's TTL, the read-side counterpart to SetTTL.
func (c *Cache) TTL(key string) (int32, bool, error) {
	if key == "" {
		return 0, false, nil
	}
	if err := validateKey(key); err != nil {
		return 0, false, err
	}

	if err := c.lock.ReadLock(); err != nil {
		return 0, false, err
	}
	defer c.lock.Unlock()

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte(key), n), step([]byte(key), n)

	for i := 0; i < n; i++ {
		b := idx.Bucket((s0 + i*st) % n)
		sid := b.SegmentID()

		if sid == segEmpty {
			return 0, false, nil
		}
		if sid == segUnused {
			continue
		}
		if b.Key() != key {
			continue
		}
		if isExpired(b, 0) {
			return 0, false, nil
		}
		return b.TTL(), true, nil
	}

	return 0, false, nil
}
