package crypto

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// Sum256 is the system content hash: blake3 over the input.
func Sum256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// HashChildren computes an internal Merkle node's hash as a function of its
// ordered child IDs and their hashes. Order matters: reordering children is
// a different tree.
func HashChildren(childIDs [][32]byte, childHashes [][32]byte) [32]byte {
	h := blake3.New(32, nil)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(childIDs)))
	_, _ = h.Write(count[:])
	for i := range childIDs {
		_, _ = h.Write(childIDs[i][:])
		_, _ = h.Write(childHashes[i][:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
