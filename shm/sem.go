package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Semaphore is a single SysV semaphore, identified by a kernel-assigned set
// id. It underlies the three-semaphore readers-writer lock in package
// rwlock, where "lock" means decrement-and-block and "unlock" means
// increment.
//
// golang.org/x/sys/unix exposes SysV shared memory through typed wrappers
// (SysvShmGet, SysvShmAttach, ...) but no equivalent for semaphores, so this
// type talks to semget(2)/semop(2)/semctl(2) directly via unix.Syscall,
// using the same sembuf layout the kernel headers define
// (asm-generic/sembuf.h).
type Semaphore struct {
	id int
}

// sembuf mirrors struct sembuf from <asm-generic/sembuf.h>.
type sembuf struct {
	num int16
	op  int16
	flg int16
}

// semctl command numbers (linux/sem.h); not exported by x/sys/unix.
const (
	cmdGetVal = 12
	cmdSetVal = 16
)

// ipcExcl is IPC_EXCL (<sys/ipc.h>), not exported by x/sys/unix.
const ipcExcl = 02000

// CreateSemaphore allocates a one-member semaphore set keyed off path and
// proj, initialized to initial. It is safe to call from many processes (or
// many times in one process) racing to create the same semaphore: exactly
// one caller's semget wins the IPC_CREAT|IPC_EXCL race and performs the
// SetValue; every loser attaches to the winner's already-initialized
// semaphore instead of clobbering its value back to initial. Without this,
// a second process attaching to a long-running cache would reset the
// reader/writer counts out from under whoever holds the lock.
func CreateSemaphore(path string, proj byte, initial int) (*Semaphore, error) {
	key, err := ftok(path, proj)
	if err != nil {
		return nil, fmt.Errorf("shm: ftok(%q, %d): %w", path, proj, err)
	}

	id, err := semget(key, 1, unix.IPC_CREAT|ipcExcl|0600)
	if err == nil {
		sem := &Semaphore{id: id}
		if err := sem.SetValue(initial); err != nil {
			return nil, err
		}
		return sem, nil
	}

	id, err = semget(key, 1, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: semget(key=%d) failed: %w", key, err)
	}
	return &Semaphore{id: id}, nil
}

// OpenSemaphore attaches to a semaphore set that already exists.
func OpenSemaphore(path string, proj byte) (*Semaphore, error) {
	key, err := ftok(path, proj)
	if err != nil {
		return nil, fmt.Errorf("shm: ftok(%q, %d): %w", path, proj, err)
	}

	id, err := semget(key, 1, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: semget(key=%d) failed: %w", key, err)
	}
	return &Semaphore{id: id}, nil
}

// Lock decrements the semaphore by one, blocking while its value is zero.
func (s *Semaphore) Lock() error {
	return s.op(-1)
}

// Unlock increments the semaphore by one.
func (s *Semaphore) Unlock() error {
	return s.op(1)
}

// WaitForZero blocks until the semaphore's value reaches zero, without
// changing it.
func (s *Semaphore) WaitForZero() error {
	return s.semop(sembuf{num: 0, op: 0, flg: 0})
}

// Value returns the semaphore's current value (GETVAL).
func (s *Semaphore) Value() (int, error) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, cmdGetVal, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("shm: semctl(GETVAL) failed: %w", errno)
	}
	return int(int32(r)), nil
}

// SetValue sets the semaphore's value directly (SETVAL).
func (s *Semaphore) SetValue(v int) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, cmdSetVal, uintptr(v), 0, 0)
	if errno != 0 {
		return fmt.Errorf("shm: semctl(SETVAL, %d) failed: %w", v, errno)
	}
	return nil
}

// Destroy removes the underlying semaphore set.
func (s *Semaphore) Destroy() error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(s.id), 0, unix.IPC_RMID, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("shm: semctl(IPC_RMID) failed: %w", errno)
	}
	return nil
}

func (s *Semaphore) op(delta int16) error {
	return s.semop(sembuf{num: 0, op: delta, flg: 0})
}

func (s *Semaphore) semop(op sembuf) error {
	_, _, errno := unix.Syscall(unix.SYS_SEMOP, uintptr(s.id), uintptr(unsafe.Pointer(&op)), 1)
	if errno != 0 {
		return fmt.Errorf("shm: semop failed: %w", errno)
	}
	return nil
}

func semget(key, nsems, flags int) (int, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key), uintptr(nsems), uintptr(flags))
	if errno != 0 {
		return 0, errno
	}
	return int(id), nil
}
