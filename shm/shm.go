// Package shm wraps the SysV shared-memory and semaphore system calls used
// by the cache core's OS abstraction layer. Segments expose the same
// Create/Attach/Detach/Destroy shape and path+proj key derivation as a
// classic cgo-based shm.Segment, but bound through golang.org/x/sys/unix
// instead of a C shim, so no cgo or host C toolchain is required.
//
// The use of the calls implemented by this library has largely been
// supplanted by POSIX shared memory and mmap(), but SysV's segment-id and
// semaphore-id addressing is exactly what a multi-process, unrelated-worker
// cache needs: small integers that travel through shared memory itself
// (see the Segment Registry in package registry).
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Segment is a SysV shared memory segment identified by a kernel-assigned ID.
type Segment struct {
	ID   int
	Size int
}

// Create allocates a new segment of the given size, keyed off path and proj
// so that unrelated processes that agree on (path, proj) arrive at the same
// segment.
func Create(path string, proj byte, size int) (*Segment, error) {
	key, err := ftok(path, proj)
	if err != nil {
		return nil, fmt.Errorf("shm: ftok(%q, %d): %w", path, proj, err)
	}

	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|0600)
	if err != nil {
		return nil, fmt.Errorf("shm: shmget(key=%d, size=%d) failed: %w", key, size, err)
	}

	return &Segment{ID: id, Size: size}, nil
}

// Open returns a handle on a segment that has already been created
// elsewhere, recovering its size via IPC_STAT. It does not attach the
// segment; call Attach for that.
func Open(id int) (*Segment, error) {
	size, err := segmentSize(id)
	if err != nil {
		return nil, err
	}
	return &Segment{ID: id, Size: size}, nil
}

// Destroy marks a segment for removal; the kernel defers actual removal
// until the last process detaches (§6.1 shm_destroy).
func Destroy(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shm: shmctl(%d, IPC_RMID) failed: %w", id, err)
	}
	return nil
}

// Destroy marks this segment for removal.
func (s *Segment) Destroy() error {
	return Destroy(s.ID)
}

// Attach maps the segment into this process's address space and returns a
// byte slice view over it. The slice's length is always s.Size; callers must
// not retain it past Detach.
func (s *Segment) Attach() ([]byte, error) {
	mem, err := unix.SysvShmAttach(s.ID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: shmat(%d) failed: %w", s.ID, err)
	}
	return mem, nil
}

// Detach unmaps a previously attached segment.
func (s *Segment) Detach(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.SysvShmDetach(mem); err != nil {
		return fmt.Errorf("shm: shmdt failed: %w", err)
	}
	return nil
}

func segmentSize(id int) (int, error) {
	var ds unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &ds); err != nil {
		return 0, fmt.Errorf("shm: shmctl(%d, IPC_STAT) failed: %w", id, err)
	}
	return int(ds.Segsz), nil
}
