// Package alloc implements the in-segment allocator: a
// best-fit, coalescing free-list allocator carved out of a single shared
// memory segment, built as accessors over []byte rather than C-style
// pointer arithmetic — every link between blocks is a byte offset, never a
// pointer, since shared memory is mapped at different addresses in every
// attaching process.
package alloc

import (
	"encoding/binary"
	"errors"
)

// Sizes of the on-disk structures, in bytes. Both header and block fields
// are 32-bit ints.
const (
	headerSize = 8 // segsize, avail
	blockSize  = 8 // size, next
	intSize    = 4 // size-prefix stored immediately before every user payload
	wordSize   = 4
)

var enc = binary.NativeEndian

// ErrNoRoom is returned by Allocate when no free block (after best-fit
// search and possible split) can satisfy the request.
var ErrNoRoom = errors.New("alloc: no room")

// Segment is a byte-slice view over one shared-memory data segment: the
// SegmentHeader, a sentinel FreeBlock, and the free list it anchors.
//
// Segment never retains the slice across process boundaries; callers
// obtain it by attaching via the Segment Registry and must keep attaching
// it for as long as they hold a Segment value.
type Segment struct {
	mem []byte
}

// New wraps mem (the full attached segment, SegmentHeader included) without
// touching its contents. Use Init to lay out a freshly created segment.
func New(mem []byte) *Segment {
	return &Segment{mem: mem}
}

// Init lays out a brand-new segment: writes the header and a sentinel
// FreeBlock (size=0) whose next points at the first real free block, which
// covers the entire usable remainder.
func (s *Segment) Init(segsize int) {
	avail := segsize - headerSize - blockSize - intSize

	s.setSegsize(segsize)
	s.setAvail(avail)

	sentinel := headerSize
	s.setBlockSize(sentinel, 0)
	s.setBlockNext(sentinel, headerSize+blockSize)

	first := headerSize + blockSize
	s.setBlockSize(first, avail)
	s.setBlockNext(first, 0)
}

// SegSize returns the segment's declared total size.
func (s *Segment) SegSize() int {
	return int(int32(enc.Uint32(s.mem[0:4])))
}

// Avail returns the segment's currently free byte count (not necessarily
// contiguous).
func (s *Segment) Avail() int {
	return int(int32(enc.Uint32(s.mem[4:8])))
}

// Stats returns (total, avail) memory accounting for this segment, surfaced
// through Cache.Stats.
func (s *Segment) Stats() (total, avail int) {
	return s.SegSize(), s.Avail()
}

// Allocate reserves n bytes of contiguous space and returns the user offset
// (suitable for passing back to Deallocate), or ErrNoRoom if the request
// cannot be satisfied. roundPow2 requests power-of-two rounding, used by
// the cache index's payload allocator to improve future coalescing.
func (s *Segment) Allocate(n int, roundPow2 bool) (int, error) {
	need := alignWord(max(n+intSize, blockSize))
	if roundPow2 {
		need = pow2(need)
	}

	if s.Avail() < need {
		return 0, ErrNoRoom
	}

	var prvBestFit int = -1
	minSize := int(^uint(0) >> 1) // max int

	prv := headerSize
	for s.blockNext(prv) != 0 {
		cur := s.blockNext(prv)
		curSize := s.blockSize(cur)

		if curSize == need {
			prvBestFit = prv
			break
		}
		if curSize > blockSize+need && curSize < minSize {
			prvBestFit = prv
			minSize = curSize
		}
		prv = cur
	}

	if prvBestFit == -1 {
		return 0, ErrNoRoom
	}

	prv = prvBestFit
	cur := s.blockNext(prv)
	curSize := s.blockSize(cur)

	s.setAvail(s.Avail() - need)

	if curSize == need {
		s.setBlockNext(prv, s.blockNext(cur))
	} else {
		nxtOffset := s.blockNext(cur)
		oldSize := curSize

		s.setBlockNext(prv, s.blockNext(prv)+need)
		s.setBlockSize(cur, need)

		nxt := s.blockNext(prv)
		s.setBlockNext(nxt, nxtOffset)
		s.setBlockSize(nxt, oldSize-need)
	}

	return cur + intSize, nil
}

// Deallocate releases memory previously returned by Allocate, reinserting
// it into the offset-ordered free list and coalescing with an adjacent
// predecessor or successor block.
func (s *Segment) Deallocate(userOffset int) {
	if !s.Contains(userOffset) {
		return
	}

	offset := userOffset - intSize
	if offset < 0 {
		return
	}

	prv := headerSize
	for s.blockNext(prv) != 0 && s.blockNext(prv) < offset {
		prv = s.blockNext(prv)
	}

	cur := offset
	s.setBlockNext(cur, s.blockNext(prv))
	s.setBlockNext(prv, cur)

	s.setAvail(s.Avail() + s.blockSize(cur))

	if prv+s.blockSize(prv) == cur {
		s.setBlockSize(prv, s.blockSize(prv)+s.blockSize(cur))
		s.setBlockNext(prv, s.blockNext(cur))
		cur = prv
	}

	nxt := s.blockNext(cur)
	if nxt != 0 && cur+s.blockSize(cur) == nxt {
		s.setBlockSize(cur, s.blockSize(cur)+s.blockSize(nxt))
		s.setBlockNext(cur, s.blockNext(nxt))
	}
}

// Contains reports whether userOffset falls within this segment's usable
// range, i.e. 0 <= userOffset < SegSize(). Deallocate uses it to reject an
// out-of-range offset before touching the free list.
func (s *Segment) Contains(userOffset int) bool {
	return userOffset >= 0 && userOffset < s.SegSize()
}

func (s *Segment) setSegsize(v int) { enc.PutUint32(s.mem[0:4], uint32(int32(v))) }
func (s *Segment) setAvail(v int)   { enc.PutUint32(s.mem[4:8], uint32(int32(v))) }

func (s *Segment) blockSize(offset int) int {
	return int(int32(enc.Uint32(s.mem[offset : offset+4])))
}

func (s *Segment) blockNext(offset int) int {
	return int(int32(enc.Uint32(s.mem[offset+4 : offset+8])))
}

func (s *Segment) setBlockSize(offset, v int) {
	enc.PutUint32(s.mem[offset:offset+4], uint32(int32(v)))
}

func (s *Segment) setBlockNext(offset, v int) {
	enc.PutUint32(s.mem[offset+4:offset+8], uint32(int32(v)))
}

func alignWord(n int) int {
	return (n + wordSize - 1) &^ (wordSize - 1)
}

func pow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// HeaderSize, BlockSize, and IntSize are exported so callers sizing a
// segment can account for the allocator's fixed overhead.
const (
	HeaderSize = headerSize
	BlockSize  = blockSize
	IntSize    = intSize
)

// MinSegmentSize is the smallest segment that can hold the header, the
// sentinel block, and one allocatable byte.
const MinSegmentSize = headerSize + blockSize + intSize + blockSize
