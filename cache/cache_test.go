package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	return Config{
		Path:        filepath.Join(t.TempDir(), "shmcache.key"),
		Buckets:     17,
		MaxSegments: 2,
		SegmentSize: 4096,
	}
}

func openTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() {
		c.Destroy()
	})
	return c
}

func TestInsertRetrieveRoundTrip(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("a", []byte("hello"), 100); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	data, found, err := c.Retrieve("a", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !found {
		t.Fatalf("expected Found")
	}
	if string(data) != "hello" {
		t.Errorf("got %q, want %q", data, "hello")
	}
}

// Scenario 2 / P5: overwrite.
func TestOverwriteReplacesValueAndKeepsOneBucket(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("a", []byte("hello"), 100); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if err := c.Insert("a", []byte("world!"), 100); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}

	data, found, err := c.Retrieve("a", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !found || string(data) != "world!" {
		t.Fatalf("got (%q, %v), want (%q, true)", data, found, "world!")
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.OccupiedBuckets != 1 {
		t.Errorf("OccupiedBuckets = %d, want 1", stats.OccupiedBuckets)
	}
}

// Scenario 4 / P7: mtime invalidation.
func TestRetrieveMissesOnNewerWitnessMtime(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("k", []byte("v"), 200); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	_, found, err := c.Retrieve("k", 300, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if found {
		t.Errorf("expected Miss when witness mtime is newer than the stored mtime")
	}
}

// Scenario 5 / P6: TTL expiry, then overwrite-on-insert.
func TestTTLExpiryThenReinsert(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	start := int64(1000)
	nowFunc = func() int64 { return start }
	defer func() { nowFunc = func() int64 { return time.Now().Unix() } }()

	if err := c.InsertTTL("k", []byte("v"), 0, 1); err != nil {
		t.Fatalf("InsertTTL: %v", err)
	}

	nowFunc = func() int64 { return start + 2 }

	_, found, err := c.Retrieve("k", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if found {
		t.Errorf("expected Miss after TTL expiry")
	}

	if err := c.Insert("k", []byte("v2"), 0); err != nil {
		t.Fatalf("reinsert after expiry: %v", err)
	}
	data, found, err := c.Retrieve("k", 0, nil)
	if err != nil || !found || string(data) != "v2" {
		t.Errorf("reinsert after expiry failed: data=%q found=%v err=%v", data, found, err)
	}
}

// Scenario 6: fill the index, then expect Full.
func TestCacheFullAfterNProbes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buckets = 5
	cfg.MaxSegments = 1
	cfg.SegmentSize = 1 << 20
	c := openTestCache(t, cfg)

	for i := 0; i < cfg.Buckets; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := c.Insert(key, []byte("x"), 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	if err := c.Insert("one-too-many", []byte("x"), 0); err != ErrCacheFull {
		t.Errorf("expected ErrCacheFull, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("k", []byte("v"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.Remove("k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Remove("k"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}

	_, found, err := c.Retrieve("k", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if found {
		t.Errorf("expected Miss after Remove")
	}
}

func TestSetTTLAndGetTTL(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("k", []byte("v"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := c.SetTTL("k", 42); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	ttl, found, err := c.TTL("k")
	if err != nil || !found || ttl != 42 {
		t.Errorf("TTL = (%d, %v, %v), want (42, true, nil)", ttl, found, err)
	}

	if err := c.SetTTL("missing", 1); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClearResetsIndexAndCounters(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	for i := 0; i < 5; i++ {
		if err := c.Insert(fmt.Sprintf("k%d", i), []byte("v"), 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if _, _, err := c.Retrieve("k0", 0, nil); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.OccupiedBuckets != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Stats after Clear = %+v, want all zero", stats)
	}

	// A fresh insert into a cleared, already-created segment must still
	// succeed (free list correctly reinitialized).
	if err := c.Insert("k0", []byte("v2"), 0); err != nil {
		t.Errorf("Insert after Clear: %v", err)
	}
}

func TestKeyTooLong(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	longKey := make([]byte, MaxKeyLen+1)
	for i := range longKey {
		longKey[i] = 'x'
	}

	if err := c.Insert(string(longKey), []byte("v"), 0); err != ErrKeyTooLong {
		t.Errorf("Insert: expected ErrKeyTooLong, got %v", err)
	}
	if _, _, err := c.Retrieve(string(longKey), 0, nil); err != ErrKeyTooLong {
		t.Errorf("Retrieve: expected ErrKeyTooLong, got %v", err)
	}
}

func TestEmptyKeyIsNoOp(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	if err := c.Insert("", []byte("v"), 0); err != nil {
		t.Errorf("Insert empty key should be a no-op, got %v", err)
	}
	if _, found, err := c.Retrieve("", 0, nil); err != nil || found {
		t.Errorf("Retrieve empty key should Miss, got found=%v err=%v", found, err)
	}
	if err := c.Remove(""); err != ErrNotFound {
		t.Errorf("Remove empty key should be NotFound, got %v", err)
	}
}

func TestFullEqualityNotPrefixMatch(t *testing.T) {
	// Full equality against the stored key's NUL-terminated length, not a
	// comparison truncated to the query length. A bucket's Key() readback
	// must not equal a strict prefix of itself.
	mem := make([]byte, bucketSize)
	b := bucketView{mem: mem}
	b.SetKey("ab")

	if b.Key() == "a" {
		t.Errorf("bucket storing %q must not compare equal to prefix %q", "ab", "a")
	}
	if b.Key() != "ab" {
		t.Errorf("Key() = %q, want %q", b.Key(), "ab")
	}
}

// P9: fast-path safety — never returns stale bytes after a slot is reused.
func TestFastPathFallsBackOnStaleSnapshot(t *testing.T) {
	c := openTestCache(t, testConfig(t))
	if err := c.SetMode(ModeFast); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if err := c.Insert("k", []byte("v1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if data, found, err := c.Retrieve("k", 0, nil); err != nil || !found || string(data) != "v1" {
		t.Fatalf("first retrieve: data=%q found=%v err=%v", data, found, err)
	}

	// Overwrite in place: changes offset/length, invalidating the
	// LocalEntry snapshot taken by the first retrieve.
	if err := c.Insert("k", []byte("a-longer-value"), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	data, found, err := c.Retrieve("k", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve after overwrite: %v", err)
	}
	if !found || string(data) != "a-longer-value" {
		t.Errorf("expected fresh value after overwrite, got data=%q found=%v", data, found)
	}
}

func TestSetModeRejectsInvalidValue(t *testing.T) {
	c := openTestCache(t, testConfig(t))
	if err := c.SetMode(Mode(99)); err != ErrInvalidMode {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

// P8: concurrent inserts on the same key converge to one of the two
// payloads, never a torn mix of both.
func TestConcurrentInsertSameKeyNeverTears(t *testing.T) {
	c := openTestCache(t, testConfig(t))

	v1 := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	v2 := []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.Insert("k", v1, 0) }()
	go func() { defer wg.Done(); c.Insert("k", v2, 0) }()
	wg.Wait()

	data, found, err := c.Retrieve("k", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !found {
		t.Fatalf("expected a value to be present after concurrent inserts")
	}
	if string(data) != string(v1) && string(data) != string(v2) {
		t.Errorf("final value %q matches neither writer's payload", data)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checksums = true
	c := openTestCache(t, cfg)

	if err := c.Insert("k", []byte("value"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	data, found, err := c.Retrieve("k", 0, nil)
	if err != nil || !found || string(data) != "value" {
		t.Fatalf("Retrieve before corruption: data=%q found=%v err=%v", data, found, err)
	}

	idx := c.view()
	n := c.cfg.Buckets
	s0, st := slot0([]byte("k"), n), step([]byte("k"), n)
	var b bucketView
	for i := 0; i < n; i++ {
		cand := idx.Bucket((s0 + i*st) % n)
		if cand.SegmentID() >= 0 && cand.Key() == "k" {
			b = cand
			break
		}
	}

	mem, err := c.reg.Attach(int(b.SegmentID()))
	if err != nil {
		t.Fatalf("attach segment: %v", err)
	}
	mem[int(b.Offset())] ^= 0xFF

	if _, _, err := c.Retrieve("k", 0, nil); err != ErrIntegrityError {
		t.Errorf("expected ErrIntegrityError after corrupting payload, got %v", err)
	}
}

func TestSecondHandleAttachesToSameCache(t *testing.T) {
	cfg := testConfig(t)

	a, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	defer a.Destroy()

	if err := a.Insert("k", []byte("shared"), 0); err != nil {
		t.Fatalf("Insert via a: %v", err)
	}

	b, err := Create(cfg)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	data, found, err := b.Retrieve("k", 0, nil)
	if err != nil {
		t.Fatalf("Retrieve via b: %v", err)
	}
	if !found || string(data) != "shared" {
		t.Errorf("second handle did not see first handle's insert: data=%q found=%v", data, found)
	}
}
