// Package rwlock implements the cache's readers-writer lock:
// three counting semaphores coordinating any number of concurrent readers
// against a single exclusive writer, with no shared memory of its own.
//
// A "lock" semaphore guards exclusive access, a "reader" semaphore counts
// active readers, and a "writer" semaphore counts writers that hold or are
// waiting for the lock. "Unlock" on the reader/writer counting semaphores means
// increment, not decrement: it raises the count so a concurrent
// WaitForZero on the other side can observe it.
package rwlock

import "fmt"

// Semaphore is the subset of shm.Semaphore this package depends on, kept
// narrow so tests can supply an in-memory fake instead of real SysV IPC.
type Semaphore interface {
	Lock() error
	Unlock() error
	Value() (int, error)
	WaitForZero() error
	Destroy() error
}

// SemaphoreFactory creates the three semaphores backing a Lock, keyed off
// pathname with the given project byte.
type SemaphoreFactory func(pathname string, proj byte, initial int) (Semaphore, error)

const (
	projLock   = 0x01
	projReader = 0x02
	projWriter = 0x03
)

// Lock is a readers-writer lock built from three SysV semaphores: any
// number of readers may hold it concurrently, but a writer excludes all
// readers and all other writers.
type Lock struct {
	lock   Semaphore
	reader Semaphore
	writer Semaphore
}

// Create allocates a new Lock backed by semaphores derived from pathname.
func Create(pathname string, newSem SemaphoreFactory) (*Lock, error) {
	lock, err := newSem(pathname, projLock, 1)
	if err != nil {
		return nil, fmt.Errorf("rwlock: create lock semaphore: %w", err)
	}
	reader, err := newSem(pathname, projReader, 0)
	if err != nil {
		return nil, fmt.Errorf("rwlock: create reader semaphore: %w", err)
	}
	writer, err := newSem(pathname, projWriter, 0)
	if err != nil {
		return nil, fmt.Errorf("rwlock: create writer semaphore: %w", err)
	}
	return &Lock{lock: lock, reader: reader, writer: writer}, nil
}

// Destroy removes the lock's underlying semaphores.
func (l *Lock) Destroy() error {
	if err := l.lock.Destroy(); err != nil {
		return err
	}
	if err := l.reader.Destroy(); err != nil {
		return err
	}
	return l.writer.Destroy()
}

// ReadLock acquires a shared lock. It blocks while a writer holds or is
// waiting for the lock.
func (l *Lock) ReadLock() error {
	if err := l.writer.WaitForZero(); err != nil {
		return err
	}
	return l.reader.Unlock()
}

// WriteLock acquires an exclusive lock. It announces intent to write first
// (so new readers block behind it), then waits for existing readers to
// drain, then takes the mutex.
func (l *Lock) WriteLock() error {
	if err := l.writer.Unlock(); err != nil {
		return err
	}
	if err := l.reader.WaitForZero(); err != nil {
		return err
	}
	return l.lock.Lock()
}

// Unlock releases whichever kind of lock is currently held by this holder.
// It distinguishes the two by checking the mutex semaphore's value: a
// writer left it at or below zero by locking it; a reader never touches it.
func (l *Lock) Unlock() error {
	v, err := l.lock.Value()
	if err != nil {
		return err
	}

	if v <= 0 {
		if err := l.lock.Unlock(); err != nil {
			return err
		}
		return l.writer.Lock()
	}

	return l.reader.Lock()
}
