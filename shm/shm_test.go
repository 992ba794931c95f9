package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func keyPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "shmcache.key")
}

func makeSegment(t *testing.T, size int, callback func(segment *Segment) error) {
	path := keyPath(t)
	segment, err := Create(path, 'C', size)
	if err != nil {
		t.Fatalf("Failed to allocate %db segment: %v", size, err)
	}
	defer segment.Destroy()

	if err := callback(segment); err != nil {
		t.Error(err)
	}
}

func TestCreate(t *testing.T) {
	makeSegment(t, 4096, func(segment *Segment) error {
		if segment.Size != 4096 {
			return fmt.Errorf("wrong size; expected: 4096, was: %d", segment.Size)
		}
		return nil
	})
}

func TestCreateIsIdempotentForSameKey(t *testing.T) {
	path := keyPath(t)

	a, err := Create(path, 'C', 4096)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	defer a.Destroy()

	b, err := Create(path, 'C', 4096)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("expected same segment id for same (path, proj); got %d and %d", a.ID, b.ID)
	}
}

func TestAttachWriteDetachReattach(t *testing.T) {
	makeSegment(t, 4096, func(segment *Segment) error {
		mem, err := segment.Attach()
		if err != nil {
			return fmt.Errorf("attach failed: %v", err)
		}

		for i := range mem {
			mem[i] = byte(i % 256)
		}

		if err := segment.Detach(mem); err != nil {
			return fmt.Errorf("detach failed: %v", err)
		}

		mem2, err := segment.Attach()
		if err != nil {
			return fmt.Errorf("reattach failed: %v", err)
		}
		defer segment.Detach(mem2)

		for i := range mem2 {
			if mem2[i] != byte(i%256) {
				return fmt.Errorf("byte %d not preserved across detach/attach: expected %d, got %d", i, byte(i%256), mem2[i])
			}
		}
		return nil
	})
}

func TestOpenRecoversSize(t *testing.T) {
	makeSegment(t, 8192, func(segment *Segment) error {
		opened, err := Open(segment.ID)
		if err != nil {
			return fmt.Errorf("open failed: %v", err)
		}
		if opened.Size != 8192 {
			return fmt.Errorf("wrong size from Open; expected: 8192, was: %d", opened.Size)
		}
		return nil
	})
}

func TestFtokDiffersByProj(t *testing.T) {
	path := keyPath(t)

	a, err := ftok(path, 'A')
	if err != nil {
		t.Fatalf("ftok(A): %v", err)
	}
	b, err := ftok(path, 'B')
	if err != nil {
		t.Fatalf("ftok(B): %v", err)
	}
	if a == b {
		t.Errorf("expected different keys for different proj bytes, got %d for both", a)
	}
}

func TestFtokCreatesMissingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doesnotexist.key")

	if _, err := ftok(path, 'C'); err != nil {
		t.Fatalf("ftok on missing path: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected ftok to create %s: %v", path, err)
	}
}

func TestSemaphoreLockUnlock(t *testing.T) {
	path := keyPath(t)

	sem, err := CreateSemaphore(path, 'S', 1)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}
	defer sem.Destroy()

	if v, err := sem.Value(); err != nil || v != 1 {
		t.Fatalf("expected initial value 1, got %d (err: %v)", v, err)
	}

	if err := sem.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if v, err := sem.Value(); err != nil || v != 0 {
		t.Fatalf("expected value 0 after lock, got %d (err: %v)", v, err)
	}

	if err := sem.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if v, err := sem.Value(); err != nil || v != 1 {
		t.Fatalf("expected value 1 after unlock, got %d (err: %v)", v, err)
	}
}

func TestSemaphoreWaitForZero(t *testing.T) {
	path := keyPath(t)

	sem, err := CreateSemaphore(path, 'W', 0)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}
	defer sem.Destroy()

	if err := sem.WaitForZero(); err != nil {
		t.Fatalf("WaitForZero on already-zero semaphore: %v", err)
	}
}

func BenchmarkAttachDetach_4K(b *testing.B) {
	benchmarkAttachDetach(b, 4096)
}

func BenchmarkAttachDetach_1M(b *testing.B) {
	benchmarkAttachDetach(b, 1024*1024)
}

func benchmarkAttachDetach(b *testing.B, size int) {
	path := filepath.Join(b.TempDir(), "bench.key")
	segment, err := Create(path, 'B', size)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer segment.Destroy()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mem, err := segment.Attach()
		if err != nil {
			b.Fatalf("Attach: %v", err)
		}
		if err := segment.Detach(mem); err != nil {
			b.Fatalf("Detach: %v", err)
		}
	}
}
