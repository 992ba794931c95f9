package cache

import "encoding/binary"

// Byte layout of the shared index segment: a CacheHeader, followed by an
// array of SegmentSlot entries, followed by the Bucket array. All
// multi-byte integers are host-endian and the layout is never portable
// across hosts — fields are read directly out of the attached shm region
// rather than copied into process memory.
const (
	// MaxKeyLen is the largest key this cache accepts.
	MaxKeyLen = 256
	keyBufLen = MaxKeyLen + 1 // +1 for the NUL terminator

	// Bucket.segment_id sentinel values: EMPTY terminates a probe, UNUSED
	// is skipped but still writable.
	segEmpty  = -1
	segUnused = -2

	// magic is the fixed sentinel stamped into a freshly initialized
	// CacheHeader.
	magic = 0xC1A5
)

var enc = binary.NativeEndian

// --- CacheHeader ---
//
// magic(4) nbuckets(4) maxseg(4) segsize(4) ttl(4) hits(8) misses(8)
const (
	hdrMagicOff    = 0
	hdrNBucketsOff = 4
	hdrMaxSegOff   = 8
	hdrSegSizeOff  = 12
	hdrTTLOff      = 16
	hdrHitsOff     = 20
	hdrMissesOff   = 28
	headerSize     = 36
)

type headerView struct{ mem []byte }

func (h headerView) Magic() int32       { return int32(enc.Uint32(h.mem[hdrMagicOff:])) }
func (h headerView) SetMagic(v int32)   { enc.PutUint32(h.mem[hdrMagicOff:], uint32(v)) }
func (h headerView) NBuckets() int32    { return int32(enc.Uint32(h.mem[hdrNBucketsOff:])) }
func (h headerView) SetNBuckets(v int32) {
	enc.PutUint32(h.mem[hdrNBucketsOff:], uint32(v))
}
func (h headerView) MaxSegments() int32 { return int32(enc.Uint32(h.mem[hdrMaxSegOff:])) }
func (h headerView) SetMaxSegments(v int32) {
	enc.PutUint32(h.mem[hdrMaxSegOff:], uint32(v))
}
func (h headerView) SegSize() int32     { return int32(enc.Uint32(h.mem[hdrSegSizeOff:])) }
func (h headerView) SetSegSize(v int32) { enc.PutUint32(h.mem[hdrSegSizeOff:], uint32(v)) }
func (h headerView) TTL() int32         { return int32(enc.Uint32(h.mem[hdrTTLOff:])) }
func (h headerView) SetTTL(v int32)     { enc.PutUint32(h.mem[hdrTTLOff:], uint32(v)) }
func (h headerView) Hits() int64        { return int64(enc.Uint64(h.mem[hdrHitsOff:])) }
func (h headerView) SetHits(v int64)    { enc.PutUint64(h.mem[hdrHitsOff:], uint64(v)) }
func (h headerView) IncHits()           { h.SetHits(h.Hits() + 1) }
func (h headerView) Misses() int64      { return int64(enc.Uint64(h.mem[hdrMissesOff:])) }
func (h headerView) SetMisses(v int64)  { enc.PutUint64(h.mem[hdrMissesOff:], uint64(v)) }
func (h headerView) IncMisses()         { h.SetMisses(h.Misses() + 1) }

// --- SegmentSlot ---
//
// segment_id(4) initialized(4)
const (
	slotSegmentIDOff  = 0
	slotInitializedOff = 4
	slotSize          = 8
)

type slotView struct{ mem []byte }

func (s slotView) SegmentID() int32 { return int32(enc.Uint32(s.mem[slotSegmentIDOff:])) }
func (s slotView) SetSegmentID(v int32) {
	enc.PutUint32(s.mem[slotSegmentIDOff:], uint32(v))
}
func (s slotView) Initialized() bool { return enc.Uint32(s.mem[slotInitializedOff:]) != 0 }
func (s slotView) SetInitialized(v bool) {
	var n uint32
	if v {
		n = 1
	}
	enc.PutUint32(s.mem[slotInitializedOff:], n)
}

// --- Bucket ---
//
// key(257) segment_id(4) offset(4) length(4) hitcount(4) ttl(4)
// lastaccess(8) createtime(8) mtime(8) checksum(4)
const (
	bucketKeyOff        = 0
	bucketSegmentIDOff  = bucketKeyOff + keyBufLen
	bucketOffsetOff     = bucketSegmentIDOff + 4
	bucketLengthOff     = bucketOffsetOff + 4
	bucketHitCountOff   = bucketLengthOff + 4
	bucketTTLOff        = bucketHitCountOff + 4
	bucketLastAccessOff = bucketTTLOff + 4
	bucketCreateTimeOff = bucketLastAccessOff + 8
	bucketMtimeOff      = bucketCreateTimeOff + 8
	bucketChecksumOff   = bucketMtimeOff + 8
	bucketSize          = bucketChecksumOff + 4
)

type bucketView struct{ mem []byte }

func (b bucketView) Key() string {
	raw := b.mem[bucketKeyOff : bucketKeyOff+keyBufLen]
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

func (b bucketView) SetKey(key string) {
	dst := b.mem[bucketKeyOff : bucketKeyOff+keyBufLen]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, key)
}

func (b bucketView) SegmentID() int32 { return int32(enc.Uint32(b.mem[bucketSegmentIDOff:])) }
func (b bucketView) SetSegmentID(v int32) {
	enc.PutUint32(b.mem[bucketSegmentIDOff:], uint32(v))
}
func (b bucketView) Offset() int32     { return int32(enc.Uint32(b.mem[bucketOffsetOff:])) }
func (b bucketView) SetOffset(v int32) { enc.PutUint32(b.mem[bucketOffsetOff:], uint32(v)) }
func (b bucketView) Length() int32     { return int32(enc.Uint32(b.mem[bucketLengthOff:])) }
func (b bucketView) SetLength(v int32) { enc.PutUint32(b.mem[bucketLengthOff:], uint32(v)) }
func (b bucketView) HitCount() int32   { return int32(enc.Uint32(b.mem[bucketHitCountOff:])) }
func (b bucketView) SetHitCount(v int32) {
	enc.PutUint32(b.mem[bucketHitCountOff:], uint32(v))
}
func (b bucketView) IncHitCount()  { b.SetHitCount(b.HitCount() + 1) }
func (b bucketView) TTL() int32    { return int32(enc.Uint32(b.mem[bucketTTLOff:])) }
func (b bucketView) SetTTL(v int32) { enc.PutUint32(b.mem[bucketTTLOff:], uint32(v)) }
func (b bucketView) LastAccess() int64 {
	return int64(enc.Uint64(b.mem[bucketLastAccessOff:]))
}
func (b bucketView) SetLastAccess(v int64) {
	enc.PutUint64(b.mem[bucketLastAccessOff:], uint64(v))
}
func (b bucketView) CreateTime() int64 {
	return int64(enc.Uint64(b.mem[bucketCreateTimeOff:]))
}
func (b bucketView) SetCreateTime(v int64) {
	enc.PutUint64(b.mem[bucketCreateTimeOff:], uint64(v))
}
func (b bucketView) Mtime() int64     { return int64(enc.Uint64(b.mem[bucketMtimeOff:])) }
func (b bucketView) SetMtime(v int64) { enc.PutUint64(b.mem[bucketMtimeOff:], uint64(v)) }
func (b bucketView) Checksum() uint32 { return enc.Uint32(b.mem[bucketChecksumOff:]) }
func (b bucketView) SetChecksum(v uint32) {
	enc.PutUint32(b.mem[bucketChecksumOff:], v)
}

// indexView projects the header, segment-slot array, and bucket array onto
// an attached index segment's bytes. It never copies; every accessor reads
// or writes through to shared memory directly, the same "view" discipline
// package alloc uses over data segments.
type indexView struct {
	mem []byte
	n   int
	m   int
}

func newIndexView(mem []byte, n, m int) indexView {
	return indexView{mem: mem, n: n, m: m}
}

// IndexSize returns the number of bytes an index segment needs to hold n
// buckets and m segment slots.
func IndexSize(n, m int) int {
	return headerSize + m*slotSize + n*bucketSize
}

func (v indexView) Header() headerView {
	return headerView{mem: v.mem[0:headerSize]}
}

func (v indexView) Slot(i int) slotView {
	off := headerSize + i*slotSize
	return slotView{mem: v.mem[off : off+slotSize]}
}

func (v indexView) Bucket(i int) bucketView {
	off := headerSize + v.m*slotSize + i*bucketSize
	return bucketView{mem: v.mem[off : off+bucketSize]}
}
