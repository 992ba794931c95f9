package cache

// h1 and h2 are the two independent string hashes behind the Cache Index's
// open-addressed probe sequence: classic polynomial rolling hashes over the
// key bytes.
func h1(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h = 127*h + uint32(c)
	}
	return h
}

func h2(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h = 37*h + uint32(c)
	}
	return (h % 97) + 1
}

// slot0 and step compute the probe sequence's starting bucket and stride
// for a table of n buckets: slot_i = (slot0 + i*step) mod n.
func slot0(key []byte, n int) int {
	return int(h1(key) % uint32(n))
}

func step(key []byte, n int) int {
	return int(h2(key) % uint32(n))
}
