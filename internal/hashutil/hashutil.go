// Package hashutil provides the one key-hashing algorithm shared by the
// lock manager's bucket sharding and the node cache's partition/map
// hashing, so the two stay coherent: a Wang-Jenkins variant that
// consumes 8-byte chunks, multiplying the running accumulator by 31
// and XOR-ing in each chunk's scrambled value; a tail shorter than 8
// bytes is zero-padded to a full chunk.
package hashutil

import "encoding/binary"

// scramble is the Wang/Jenkins 64-bit integer mix.
func scramble(v uint64) uint64 {
	v = (^v) + (v << 21)
	v = v ^ (v >> 24)
	v = v + (v << 3) + (v << 8)
	v = v ^ (v >> 14)
	v = v + (v << 2) + (v << 4)
	v = v ^ (v >> 28)
	v = v + (v << 31)
	return v
}

// Hash64 hashes b by folding 8-byte chunks through scramble, multiplying
// the accumulator by 31 between chunks, with the trailing partial chunk
// (if any) zero-padded before scrambling.
func Hash64(b []byte) uint64 {
	var h uint64 = 0
	i := 0
	for ; i+8 <= len(b); i += 8 {
		chunk := binary.BigEndian.Uint64(b[i : i+8])
		h = h*31 ^ scramble(chunk)
	}
	if rem := len(b) - i; rem > 0 {
		var tail [8]byte
		copy(tail[:], b[i:])
		h = h*31 ^ scramble(binary.BigEndian.Uint64(tail[:]))
	}
	return h
}

// HashUint64 hashes a single 64-bit value (e.g. a page ID), used where
// the key is already numeric rather than a byte string.
func HashUint64(v uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return Hash64(buf[:])
}
