package cache

import "hash/adler32"

// checksum computes the optional per-entry payload checksum. It is either
// computed at insert and verified at retrieve, or entirely disabled via
// Config.Checksums — never compared against a zero value that was never
// actually set.
func checksum(data []byte) uint32 {
	return adler32.Checksum(data)
}
