package hashring

import "encoding/binary"

// Sum32 is MurmurHash3 x86 32-bit. Symbols and ring-point keys are short,
// so the scalar implementation is plenty.
func Sum32(data []byte) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	var h uint32 // seed 0
	n := len(data)

	for len(data) >= 4 {
		k := binary.LittleEndian.Uint32(data)
		data = data[4:]

		k *= c1
		k = k<<15 | k>>17
		k *= c2

		h ^= k
		h = h<<13 | h>>19
		h = h*5 + 0xe6546b64
	}

	var k uint32
	switch len(data) {
	case 3:
		k ^= uint32(data[2]) << 16
		fallthrough
	case 2:
		k ^= uint32(data[1]) << 8
		fallthrough
	case 1:
		k ^= uint32(data[0])
		k *= c1
		k = k<<15 | k>>17
		k *= c2
		h ^= k
	}

	// fmix32 finalizer
	h ^= uint32(n)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
