package cache

import "errors"

// Routine outcomes (Miss, NotFound, Full, NoSpace) are ordinary return
// values; callers are expected to treat any of them as "recompute and
// retry", never as a reason to crash.
var (
	// ErrKeyTooLong is returned when a key exceeds MaxKeyLen bytes.
	ErrKeyTooLong = errors.New("cache: key exceeds maximum length")

	// ErrCacheFull is returned by Insert when the probe sequence exhausted
	// all buckets without finding a writable slot. Retryable after TTL
	// expiry or Clear.
	ErrCacheFull = errors.New("cache: full")

	// ErrNoSpace is returned by Insert when every segment lacks contiguous
	// room for the payload. Retryable after Remove or Clear.
	ErrNoSpace = errors.New("cache: no space in any segment")

	// ErrNotFound is returned by Remove and SetTTL when the key is absent
	// or has expired. TTL reports the same cases through its found result.
	ErrNotFound = errors.New("cache: not found")

	// ErrIntegrityError is returned when a payload's checksum does not
	// match the value recorded at insert time. The entry is demoted to a
	// miss; it is not removed — corruption is fatal to the affected entry,
	// not to the process.
	ErrIntegrityError = errors.New("cache: checksum mismatch")

	// ErrInvalidMode is returned by SetMode for any value other than
	// ModeSafe or ModeFast.
	ErrInvalidMode = errors.New("cache: invalid mode")
)
